package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"virtual_space_service/internal/space/domain"
	"virtual_space_service/pkg/database"
)

// PresenceMirror short-TTL cross-process copy of each user's last known position.
// It is a discovery aid only, the room registry owns realtime fanout.
type PresenceMirror struct {
	repo database.RedisRepository[domain.PresenceEntry]
	ttl  time.Duration
	now  func() time.Time
}

// NewPresenceMirror create PresenceMirror
func NewPresenceMirror(repo database.RedisRepository[domain.PresenceEntry], ttl time.Duration) *PresenceMirror {
	return &PresenceMirror{repo: repo, ttl: ttl, now: time.Now}
}

// WithClock replaces the clock used to stamp and filter entries
func (p *PresenceMirror) WithClock(now func() time.Time) *PresenceMirror {
	p.now = now
	return p
}

// TTL lease duration of an entry
func (p *PresenceMirror) TTL() time.Duration {
	return p.ttl
}

func presenceKey(spaceID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", spaceID, userID)
}

// Put writes the entry and renews its lease
func (p *PresenceMirror) Put(ctx context.Context, e domain.PresenceEntry) error {
	e.LastUpdated = p.now()
	if err := p.repo.Set(ctx, presenceKey(e.SpaceID, e.UserID), e, p.ttl); err != nil {
		return fmt.Errorf("presence put %s/%s: %w", e.SpaceID, e.UserID, err)
	}
	return nil
}

// Refresh renews the lease and LastUpdated of e's entry. The stored position is
// kept, so a heartbeat holding an older snapshot never undoes a newer move.
// A lapsed entry is recreated from e unless another write lands first.
func (p *PresenceMirror) Refresh(ctx context.Context, e domain.PresenceEntry) error {
	key := presenceKey(e.SpaceID, e.UserID)
	now := p.now()

	found, err := p.repo.Update(ctx, key, p.ttl, func(cur domain.PresenceEntry) domain.PresenceEntry {
		cur.LastUpdated = now
		return cur
	})
	if err != nil {
		return fmt.Errorf("presence refresh %s/%s: %w", e.SpaceID, e.UserID, err)
	}
	if found {
		return nil
	}

	e.LastUpdated = now
	if _, err := p.repo.SetNX(ctx, key, e, p.ttl); err != nil {
		return fmt.Errorf("presence refresh %s/%s: %w", e.SpaceID, e.UserID, err)
	}
	return nil
}

// Get returns the entry if it exists and its lease has not lapsed
func (p *PresenceMirror) Get(ctx context.Context, spaceID, userID string) (domain.PresenceEntry, bool, error) {
	e, err := p.repo.Get(ctx, presenceKey(spaceID, userID))
	if errors.Is(err, database.ErrRedisNil) {
		return domain.PresenceEntry{}, false, nil
	}
	if err != nil {
		return domain.PresenceEntry{}, false, fmt.Errorf("presence get %s/%s: %w", spaceID, userID, err)
	}
	if !p.fresh(e) {
		return domain.PresenceEntry{}, false, nil
	}
	return e, true, nil
}

// Remove deletes the entry only while it still belongs to connID,
// so a newer connection of the same user on another process keeps its entry.
func (p *PresenceMirror) Remove(ctx context.Context, spaceID, userID, connID string) error {
	key := presenceKey(spaceID, userID)

	e, err := p.repo.Get(ctx, key)
	if errors.Is(err, database.ErrRedisNil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("presence remove %s/%s: %w", spaceID, userID, err)
	}
	if e.ConnectionID != connID {
		return nil
	}
	if err := p.repo.Del(ctx, key); err != nil {
		return fmt.Errorf("presence remove %s/%s: %w", spaceID, userID, err)
	}
	return nil
}

// ListSpace every fresh entry of a space
func (p *PresenceMirror) ListSpace(ctx context.Context, spaceID string) ([]domain.PresenceEntry, error) {
	keys, err := p.repo.Scan(ctx, presenceKey(spaceID, "*"))
	if err != nil {
		return nil, fmt.Errorf("presence list %s: %w", spaceID, err)
	}
	entries, err := p.repo.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("presence list %s: %w", spaceID, err)
	}

	out := entries[:0]
	for _, e := range entries {
		if p.fresh(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// fresh 過期但 redis 尚未清掉的 entry 一律視為不存在
func (p *PresenceMirror) fresh(e domain.PresenceEntry) bool {
	return p.now().Sub(e.LastUpdated) < p.ttl
}
