package repository

import (
	"context"
	"errors"

	"virtual_space_service/internal/chat/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrRoomNotFound chatroom 不存在
var ErrRoomNotFound = errors.New("chatroom not found")

// RoomRepository definition chat room
type RoomRepository interface {
	Create(ctx context.Context, room *domain.Chatroom) error
	FindByID(ctx context.Context, roomID string) (*domain.Chatroom, error)
	// AddMember is a no-op when the user is already a member
	AddMember(ctx context.Context, roomID, userID string) error
}

type roomRepository struct {
	roomsColl *mongo.Collection
}

// NewMongoRoomRepository create new mongo chat room repository
func NewMongoRoomRepository(db *mongo.Database) RoomRepository {
	return &roomRepository{
		roomsColl: db.Collection("chatrooms"),
	}
}

// EnsureRoomIndexes rooms are listed per space
func EnsureRoomIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("chatrooms").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "space_id", Value: 1}},
		Options: options.Index().SetName("space_id_1"),
	})
	return err
}

func (r *roomRepository) Create(ctx context.Context, room *domain.Chatroom) error {
	_, err := r.roomsColl.InsertOne(ctx, room)
	return err
}

func (r *roomRepository) FindByID(ctx context.Context, roomID string) (*domain.Chatroom, error) {
	var room domain.Chatroom
	err := r.roomsColl.FindOne(ctx, bson.M{"_id": roomID}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *roomRepository) AddMember(ctx context.Context, roomID, userID string) error {
	res, err := r.roomsColl.UpdateOne(ctx,
		bson.M{"_id": roomID},
		bson.M{"$addToSet": bson.M{"members": userID}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRoomNotFound
	}
	return nil
}
