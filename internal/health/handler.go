package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/heliumvc/focus/internal/logging"
	"github.com/heliumvc/focus/internal/registry"
	"go.uber.org/zap"
)

// BridgeChecker checks the health of one configured bridge.
type BridgeChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultBridgeChecker dials the bridge's gRPC health service directly.
type DefaultBridgeChecker struct{}

// Check verifies gRPC connectivity to a bridge using the standard health protocol.
func (c *DefaultBridgeChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "failed to connect to bridge for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)
	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
	if err != nil {
		logging.Error(ctx, "bridge health check RPC failed", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "bridge is not serving", zap.String("addr", addr), zap.String("status", resp.Status.String()))
		return "unhealthy"
	}

	return "healthy"
}

// Handler manages health check endpoints for the focus process.
type Handler struct {
	registrySvc   *registry.Service
	bridgeAddrs   []string
	bridgeChecker BridgeChecker
}

// NewHandler creates a handler checking the registry mirror and every
// configured bridge address.
func NewHandler(registrySvc *registry.Service, bridgeAddrs []string) *Handler {
	return &Handler{
		registrySvc:   registrySvc,
		bridgeAddrs:   bridgeAddrs,
		bridgeChecker: &DefaultBridgeChecker{},
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live — 200 if the process is alive, no
// dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready — 200 only if the registry mirror and
// every configured bridge answer healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRegistry(ctx)
	checks["registry"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	for _, addr := range h.bridgeAddrs {
		status := h.checkBridge(ctx, addr)
		checks["bridge:"+addr] = status
		if status != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRegistry(ctx context.Context) string {
	if h.registrySvc == nil {
		return "healthy"
	}
	if err := h.registrySvc.Ping(ctx); err != nil {
		logging.Error(ctx, "registry health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkBridge(ctx context.Context, addr string) string {
	if h.bridgeChecker == nil {
		return "unhealthy"
	}
	return h.bridgeChecker.Check(ctx, addr)
}

// HealthCheckResponse is a generic health response used by older callers.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
