package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
)

// NewDatabaseConnection open a pgx pool, retrying per d
func NewDatabaseConnection(d Connection) (*pgxpool.Pool, error) {
	dbConfig, err := pgxpool.ParseConfig(d.ConnectStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	var pool *pgxpool.Pool
	err = retry("postgreSQL "+dbConfig.ConnConfig.Host, d.RetryCount, d.RetryInterval, func() error {
		p, err := pgxpool.ConnectConfig(context.Background(), dbConfig)
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	return pool, err
}
