package repository

import (
	"context"
	"errors"
	"fmt"

	"virtual_space_service/internal/space/domain"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// ErrSpaceNotFound no space row with the given id
var ErrSpaceNotFound = errors.New("space not found")

// SpaceRepository definition read access to space rows
type SpaceRepository interface {
	FindByID(ctx context.Context, spaceID string) (*domain.Space, error)
	IsMember(ctx context.Context, spaceID, userID string) (bool, error)
}

type spaceRepository struct {
	db *pgxpool.Pool
}

// NewSpaceRepository create a SpaceRepository
func NewSpaceRepository(db *pgxpool.Pool) SpaceRepository {
	return &spaceRepository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS spaces (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	width    INT  NOT NULL CHECK (width > 0),
	height   INT  NOT NULL CHECK (height > 0),
	owner_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS space_members (
	space_id TEXT NOT NULL REFERENCES spaces(id) ON DELETE CASCADE,
	user_id  TEXT NOT NULL,
	PRIMARY KEY (space_id, user_id)
);`

// EnsureSchema creates the tables read by this service when they are missing.
// The CRUD service owns them in production.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schema)
	return err
}

func (r *spaceRepository) FindByID(ctx context.Context, spaceID string) (*domain.Space, error) {
	row := r.db.QueryRow(ctx, "SELECT id, name, width, height, owner_id FROM spaces WHERE id = $1", spaceID)

	var s domain.Space
	if err := row.Scan(&s.ID, &s.Name, &s.Width, &s.Height, &s.OwnerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSpaceNotFound
		}
		return nil, fmt.Errorf("find space %s: %w", spaceID, err)
	}
	return &s, nil
}

// IsMember owner 視為成員
func (r *spaceRepository) IsMember(ctx context.Context, spaceID, userID string) (bool, error) {
	const q = `
SELECT EXISTS (SELECT 1 FROM spaces WHERE id = $1 AND owner_id = $2)
    OR EXISTS (SELECT 1 FROM space_members WHERE space_id = $1 AND user_id = $2)`

	var ok bool
	if err := r.db.QueryRow(ctx, q, spaceID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("space membership %s/%s: %w", spaceID, userID, err)
	}
	return ok, nil
}
