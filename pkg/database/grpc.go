package database

import (
	"context"
	"fmt"
	"time"

	"virtual_space_service/pkg/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// CreateGRPCClient dial addr and wait until the connection is READY or timeout
func CreateGRPCClient(addr string, timeout time.Duration) (*grpc.ClientConn, error) {
	client, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	client.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		state := client.GetState()
		if state == connectivity.Ready {
			logger.Log.Info("grpc connection is READY", zap.String("addr", addr))
			return client, nil
		}
		if !client.WaitForStateChange(ctx, state) {
			client.Close()
			return nil, fmt.Errorf("grpc connection %s did not become READY within %s", addr, timeout)
		}
	}
}
