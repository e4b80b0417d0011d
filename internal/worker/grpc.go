package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// AnswerMethod is the unary RPC the worker serves. Request and reply are
// google.protobuf.Struct messages carrying the same fields as the HTTP JSON.
const AnswerMethod = "/legal.v1.LegalWorker/Answer"

// HealthService is the name probed through the standard gRPC health API.
const HealthService = "legal.v1.LegalWorker"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClient dispatches questions to a gRPC worker.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the worker and waits until the channel is ready.
// Extra dial options are appended after the defaults.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to worker at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad worker endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("worker at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to legal worker", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Dispatch invokes the Answer RPC and waits until ctx is done.
func (c *GrpcClient) Dispatch(ctx context.Context, req Request) (*Answer, error) {
	in, err := structpb.NewStruct(map[string]any{
		"clerkId":   req.ClerkID,
		"text":      req.Text,
		"sessionId": req.SessionID,
		"requestId": req.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, AnswerMethod, in, out); err != nil {
		c.logger.Debug("Worker RPC did not answer in time", "request_id", req.RequestID, "error", err)
		return nil, fmt.Errorf("call worker: %w", err)
	}

	data, err := protojson.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("re-encode worker reply: %w", err)
	}
	var wire wireAnswer
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode worker reply: %w", err)
	}
	return wire.toAnswer()
}

// Ping checks the worker through the standard health service.
func (c *GrpcClient) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("worker not serving: %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}
