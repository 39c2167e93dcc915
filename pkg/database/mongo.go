package database

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// NewMongoDB connect and ping the primary, retrying per c
func NewMongoDB(ctx context.Context, c Connection, dbName string) (*MongoDB, error) {
	clientOpts := options.Client().ApplyURI(c.ConnectStr)

	var client *mongo.Client
	err := retry("mongoDB", c.RetryCount, c.RetryInterval, func() error {
		cl, err := mongo.Connect(ctx, clientOpts)
		if err != nil {
			return err
		}
		if err := cl.Ping(ctx, readpref.Primary()); err != nil {
			_ = cl.Disconnect(ctx)
			return err
		}
		client = cl
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &MongoDB{Client: client, Database: client.Database(dbName)}, nil
}

// Close disconnect mongoDB
func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}
