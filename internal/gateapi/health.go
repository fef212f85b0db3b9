package gateapi

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServiceName is the service name reported by the gRPC health server
// alongside the empty (whole server) name.
const GRPCServiceName = "portunus.gate.v1.Console"

// Health tracks readiness for /readyz and, when attached, the gRPC health
// service.
type Health struct {
	ready atomic.Bool
	grpc  *health.Server
}

// NewHealth starts not ready. grpcHealth may be nil.
func NewHealth(grpcHealth *health.Server) *Health {
	h := &Health{grpc: grpcHealth}
	h.SetReady(false)
	return h
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
	if h.grpc == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus("", status)
	h.grpc.SetServingStatus(GRPCServiceName, status)
}

func (h *Health) Ready() bool { return h.ready.Load() }

func livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func readinessHandler(h *Health) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h == nil || h.Ready() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
	}
}
