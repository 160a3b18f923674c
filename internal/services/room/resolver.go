package room

import (
	"context"
	"fmt"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"go.uber.org/zap"
)

// Provider is the room surface of the real-time provider.
type Provider interface {
	GetRoom(ctx context.Context, name string) (*domain.Room, bool, error)
	CreateRoom(ctx context.Context, name string, emptyTimeout uint32) (*domain.Room, error)
}

// Resolver gets or creates rooms by name.
type Resolver struct {
	provider Provider
}

// NewResolver creates a room resolver.
func NewResolver(provider Provider) *Resolver {
	return &Resolver{provider: provider}
}

// Resolve returns the room named roomName, creating it when it does not exist yet.
// Existence is checked first so repeated attempts for the same call land in the same room.
func (r *Resolver) Resolve(ctx context.Context, roomName string, emptyTimeoutSeconds uint32) (*domain.RoomRef, error) {
	if roomName == "" {
		return nil, fmt.Errorf("%w: empty room name", domain.ErrRoomCreationFailed)
	}
	log := logger.From(ctx).With(zap.String("room_name", roomName))

	existing, found, err := r.provider.GetRoom(ctx, roomName)
	if err != nil {
		// Creation without a successful lookup could collide with an existing room.
		return nil, fmt.Errorf("%w: look up room %s: %w", domain.ErrRoomCreationFailed, roomName, err)
	}
	if found && existing != nil {
		log.Info("Using existing room", zap.String("room_id", existing.RoomID))
		return &domain.RoomRef{Room: *existing, Origin: domain.RoomExisting}, nil
	}

	created, err := r.provider.CreateRoom(ctx, roomName, emptyTimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRoomCreationFailed, err)
	}
	if created.EmptyTimeoutSeconds == 0 {
		created.EmptyTimeoutSeconds = emptyTimeoutSeconds
	}
	log.Info("Room created", zap.String("room_id", created.RoomID), zap.Uint32("empty_timeout", created.EmptyTimeoutSeconds))
	return &domain.RoomRef{Room: *created, Origin: domain.RoomCreated}, nil
}
