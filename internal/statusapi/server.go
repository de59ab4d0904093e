// Package statusapi exposes a running suite's live state over HTTP: device
// table, per-device progress, and a liveness check, for CI dashboards that
// poll instead of tailing logs.
package statusapi

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hidtestorch/internal/device"
	"hidtestorch/internal/monitor"
)

// Server serves read-only status endpoints backed by a device registry and
// the monitoring bus for a single orchestrator run.
type Server struct {
	registry  *device.Registry
	bus       *monitor.Bus
	startedAt time.Time
	httpSrv   *http.Server
}

func New(registry *device.Registry, bus *monitor.Bus, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{registry: registry, bus: bus, startedAt: time.Now()}

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/devices", s.handleDevices)
		api.GET("/progress", s.handleProgress)
		api.GET("/progress/:serial", s.handleDeviceProgress)
	}

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	return s
}

// Start runs the HTTP listener in the background; callers stop it with
// Shutdown.
func (s *Server) Start() {
	go func() {
		log.Printf("status API listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("status API server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the listener, giving in-flight requests up to
// the given deadline to finish.
func (s *Server) Shutdown(deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

type healthResponse struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime"`
	DeviceCount   int    `json:"device_count"`
	ConnectedDevs int    `json:"connected_devices"`
}

func (s *Server) handleHealth(c *gin.Context) {
	records := s.registry.Records()
	connected := 0
	for _, rec := range records {
		if rec.Status == device.StatusConnected {
			connected++
		}
	}

	c.JSON(http.StatusOK, healthResponse{
		Status:        "healthy",
		Uptime:        time.Since(s.startedAt).String(),
		DeviceCount:   len(records),
		ConnectedDevs: connected,
	})
}

type deviceView struct {
	Serial   string `json:"serial"`
	VendorID int    `json:"vendor_id"`
	ProductID int   `json:"product_id"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

func (s *Server) handleDevices(c *gin.Context) {
	records := s.registry.Records()
	views := make([]deviceView, 0, len(records))
	for _, rec := range records {
		views = append(views, deviceView{
			Serial:    rec.Serial,
			VendorID:  rec.VendorID,
			ProductID: rec.ProductID,
			Status:    string(rec.Status),
			LastSeen:  rec.LastSeen.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": views})
}

func (s *Server) handleProgress(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"progress": s.bus.AllProgress()})
}

func (s *Server) handleDeviceProgress(c *gin.Context) {
	serial := c.Param("serial")
	snapshot, ok := s.bus.Progress(serial)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no progress recorded for device"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
