package domain

import "time"

// CallStatus video call status
type CallStatus string

const (
	// CallActive call in progress
	CallActive CallStatus = "active"
	// CallEnded call finished
	CallEnded CallStatus = "ended"
)

// EndReason why a call ended
type EndReason string

const (
	// ReasonProximityLost partner left VIDEO_CALL_RANGE
	ReasonProximityLost EndReason = "proximity_lost"
	// ReasonProximityChanged partner left and another user is now in range
	ReasonProximityChanged EndReason = "proximity_changed"
	// ReasonUserDisconnected either side disconnected
	ReasonUserDisconnected EndReason = "user_disconnected"
	// ReasonTimeout call exceeded the maximum duration
	ReasonTimeout EndReason = "timeout"
	// ReasonUserEnded a participant hung up
	ReasonUserEnded EndReason = "user_ended"
)

// VideoCallSession a proximity call between exactly two users
type VideoCallSession struct {
	CallID       string
	Participants [2]string
	SpaceID      string
	StartedAt    time.Time
	Status       CallStatus
	EndedAt      time.Time
	EndReason    EndReason
}

// Has reports whether userID takes part in the call
func (s *VideoCallSession) Has(userID string) bool {
	return s.Participants[0] == userID || s.Participants[1] == userID
}

// Partner returns the other participant
func (s *VideoCallSession) Partner(userID string) string {
	if s.Participants[0] == userID {
		return s.Participants[1]
	}
	return s.Participants[0]
}
