package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/tripchat/internal/domain"
)

// generateMethod is the unary RPC served by the remote itinerary service.
// Request and response are google.protobuf.Struct messages.
const generateMethod = "/tripchat.v1.ItineraryService/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("itinerary service not serving")
	errMissingItinerary         = errors.New("response has no itinerary text")
)

// GRPCConfig holds configuration for the gRPC generator client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCGenerator calls a remote itinerary service.
type GRPCGenerator struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewGRPCGenerator dials the itinerary service and waits until it is ready.
func NewGRPCGenerator(cfg GRPCConfig, logger *slog.Logger) (*GRPCGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to itinerary service at %s: %w", cfg.Address, err)
	}

	// Fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("itinerary service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to itinerary service", "address", cfg.Address)

	return &GRPCGenerator{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		timeout: cfg.RequestTimeout,
		logger:  logger,
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

// Close closes the gRPC connection.
func (g *GRPCGenerator) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the standard gRPC health service.
func (g *GRPCGenerator) Health(ctx context.Context) error {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Generate implements Generator.
func (g *GRPCGenerator) Generate(ctx context.Context, draft domain.TripDraft) (string, error) {
	req, err := draftRequest(draft)
	if err != nil {
		return "", err
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, generateMethod, req, resp); err != nil {
		g.logger.Error("Generate RPC failed", "error", err, "destination", draft.VacationLocation)
		return "", fmt.Errorf("generate request failed: %w", err)
	}
	return itineraryText(resp)
}

func draftRequest(draft domain.TripDraft) (*structpb.Struct, error) {
	raw, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{
		"draft":  fields,
		"prompt": BuildPrompt(draft),
	})
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	return req, nil
}

func itineraryText(resp *structpb.Struct) (string, error) {
	if msg := resp.GetFields()["error"].GetStringValue(); msg != "" {
		return "", fmt.Errorf("itinerary service: %s", msg)
	}
	text := strings.TrimSpace(resp.GetFields()["itinerary"].GetStringValue())
	if text == "" {
		return "", errMissingItinerary
	}
	return text, nil
}
