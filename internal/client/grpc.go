package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

// HealthClient probes the gRPC health service of a bus server.
type HealthClient struct {
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	token  string
}

// NewHealthClient connects to the given gRPC address.
func NewHealthClient(addr, token string) (*HealthClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &HealthClient{conn: conn, client: healthpb.NewHealthClient(conn), token: token}, nil
}

// Check returns the serving status of service ("" for the whole server).
func (c *HealthClient) Check(ctx context.Context, service string) (string, error) {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus().String(), nil
}

func (c *HealthClient) Close() error {
	return c.conn.Close()
}
