package app

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"virtual_space_service/internal/chat/domain"
	"virtual_space_service/internal/chat/repository"
	"virtual_space_service/pkg"
	errprocess "virtual_space_service/pkg/err"
	"virtual_space_service/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRoomName = 100

// SpaceMembership space_members rows
type SpaceMembership interface {
	IsMember(ctx context.Context, spaceID, userID string) (bool, error)
}

// RoomUseCase chatroom creation and authorization. Every check reads the
// durable rows, nothing is trusted from the socket.
type RoomUseCase struct {
	rooms  repository.RoomRepository
	spaces SpaceMembership
	now    func() time.Time
	newID  func() string
}

// NewRoomUseCase create RoomUseCase
func NewRoomUseCase(rooms repository.RoomRepository, spaces SpaceMembership) *RoomUseCase {
	return &RoomUseCase{
		rooms:  rooms,
		spaces: spaces,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// CreateRoom creator must be a member of the space and becomes the first room member
func (uc *RoomUseCase) CreateRoom(ctx context.Context, creator Author, spaceID, name string, isPrivate bool) (*domain.Chatroom, error) {
	name = strings.TrimSpace(name)
	switch {
	case spaceID == "":
		return nil, errprocess.Validation("spaceId is required")
	case name == "":
		return nil, errprocess.Validation("Room name is required")
	case utf8.RuneCountInString(name) > maxRoomName:
		return nil, errprocess.Validation("Room name is too long")
	}

	if err := uc.requireSpaceMember(ctx, spaceID, creator.UserID); err != nil {
		return nil, err
	}

	room := &domain.Chatroom{
		ID:        uc.newID(),
		SpaceID:   spaceID,
		Name:      name,
		IsPrivate: isPrivate,
		CreatorID: creator.UserID,
		Members:   []string{creator.UserID},
		CreatedAt: uc.now().UTC().Truncate(time.Millisecond),
	}
	if err := uc.rooms.Create(ctx, room); err != nil {
		logger.Log.Error("create chatroom failed", zap.String("spaceID", spaceID), zap.Error(err))
		return nil, errprocess.Infrastructure("Failed to create chatroom", err)
	}

	logger.Log.Info("chatroom created",
		zap.String("roomID", room.ID),
		zap.String("spaceID", spaceID),
		zap.Bool("private", isPrivate),
	)
	return room, nil
}

// AuthorizeJoin room exists -> space member -> public: enroll / private: must already be a member
func (uc *RoomUseCase) AuthorizeJoin(ctx context.Context, roomID, userID string) (*domain.Chatroom, error) {
	room, err := uc.find(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := uc.requireSpaceMember(ctx, room.SpaceID, userID); err != nil {
		return nil, err
	}
	if room.HasMember(userID) {
		return room, nil
	}
	if room.IsPrivate {
		logger.Log.Info("private chatroom join denied", zap.String("roomID", roomID), zap.String("userID", userID))
		return nil, errprocess.Permission("Not a member of this chatroom")
	}

	if err := uc.rooms.AddMember(ctx, roomID, userID); err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, errprocess.NotFound("Chatroom not found")
		}
		return nil, errprocess.Infrastructure("Failed to join chatroom", err)
	}
	room.Members = pkg.AppendIfNotExists(room.Members, userID)
	return room, nil
}

// CanSend only chatroom members may send or read history
func (uc *RoomUseCase) CanSend(ctx context.Context, roomID, userID string) (*domain.Chatroom, error) {
	room, err := uc.find(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasMember(userID) {
		return nil, errprocess.Permission("Not a member of this chatroom")
	}
	return room, nil
}

func (uc *RoomUseCase) find(ctx context.Context, roomID string) (*domain.Chatroom, error) {
	if roomID == "" {
		return nil, errprocess.Validation("roomId is required")
	}
	room, err := uc.rooms.FindByID(ctx, roomID)
	if errors.Is(err, repository.ErrRoomNotFound) {
		return nil, errprocess.NotFound("Chatroom not found")
	}
	if err != nil {
		return nil, errprocess.Infrastructure("Failed to load chatroom", err)
	}
	return room, nil
}

func (uc *RoomUseCase) requireSpaceMember(ctx context.Context, spaceID, userID string) error {
	ok, err := uc.spaces.IsMember(ctx, spaceID, userID)
	if err != nil {
		return errprocess.Infrastructure("Failed to check space membership", err)
	}
	if !ok {
		return errprocess.Permission("Not a member of this space")
	}
	return nil
}
