package domain

import "time"

// Message 表示一則聊天訊息 (mongo chat_messages)
type Message struct {
	ID         string    `bson:"_id" json:"id"`
	Content    string    `bson:"content" json:"content"`
	UserID     string    `bson:"user_id" json:"userId"`
	Username   string    `bson:"username" json:"username"`
	ChatroomID string    `bson:"chatroom_id" json:"chatroomId"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
}

// MessageRecord canonical record delivered to clients, cached and forwarded to analytics
type MessageRecord struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	SenderID        string    `json:"senderId"`
	Username        string    `json:"username"`
	ChatroomID      string    `json:"chatroomId"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// Record build the canonical record of m
func (m Message) Record() MessageRecord {
	return MessageRecord{
		ID:              m.ID,
		Content:         m.Content,
		SenderID:        m.UserID,
		Username:        m.Username,
		ChatroomID:      m.ChatroomID,
		ServerTimestamp: m.CreatedAt,
	}
}

// TypingIndicator typing:{roomID}:{userID} 的內容
type TypingIndicator struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	StartedAt time.Time `json:"startedAt"`
}
