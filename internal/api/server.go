package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"classbridge/internal/relay"
	"classbridge/pkg/interfaces"
)

// Registry is the narrow view of the connection registry the API needs,
// avoiding tight coupling to the full implementation.
type Registry interface {
	Stats() map[string]int
	CloseAllForTenant(tenantID string)
}

// RelayClient is the API's view of the cross-instance relay: the replicated
// per-device caches plus the tenant deactivation broadcast.
type RelayClient interface {
	GetDeviceLastSeen(ctx context.Context, deviceID string) (time.Time, error)
	GetFlightPathStatus(ctx context.Context, deviceID string) (*relay.FlightPathStatus, error)
	GetScreenshot(ctx context.Context, deviceID string) ([]byte, error)
	PublishTenantDeactivated(ctx context.Context, tenantID string)
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between
// operators and internal components - no business logic, only HTTP handling
// and JSON serialization
type Server struct {
	directory interfaces.Directory
	settings  interfaces.SettingsProvider
	registry  Registry
	cache     RelayClient
	router    *http.ServeMux
	started   time.Time
}

// NewServer wires the operational API over its dependencies and sets up
// routing.
func NewServer(directory interfaces.Directory, settings interfaces.SettingsProvider, registry Registry, cache RelayClient) *Server {
	s := &Server{
		directory: directory,
		settings:  settings,
		registry:  registry,
		cache:     cache,
		router:    http.NewServeMux(),
		started:   time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleStats))))
	s.router.Handle("/api/devices/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleDeviceStatus))))
	s.router.Handle("/api/tenants/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleTenant))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type DeviceStatusResponse struct {
	DeviceID      string                  `json:"device_id"`
	Online        bool                    `json:"online"`
	LastSeen      *time.Time              `json:"last_seen,omitempty"`
	FlightPath    *relay.FlightPathStatus `json:"flight_path,omitempty"`
	HasScreenshot bool                    `json:"has_screenshot"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health - liveness plus database connectivity.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.directory.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.Stats(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// GET /api/stats - connection counts for this instance only; each gateway
// process reports its own sockets.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	json.NewEncoder(w).Encode(s.registry.Stats())
}

// GET /api/devices/{id}/status - replicated device state from the relay
// caches, visible from any instance regardless of where the device is
// connected.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	deviceID := strings.Split(path, "/")[0]
	if deviceID == "" || !strings.HasSuffix(path, "/status") {
		s.sendError(w, "Device ID required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	lastSeen, err := s.cache.GetDeviceLastSeen(ctx, deviceID)
	if err != nil {
		s.sendError(w, "Failed to read device status", http.StatusInternalServerError)
		return
	}
	flightPath, err := s.cache.GetFlightPathStatus(ctx, deviceID)
	if err != nil {
		s.sendError(w, "Failed to read device status", http.StatusInternalServerError)
		return
	}
	screenshot, err := s.cache.GetScreenshot(ctx, deviceID)
	if err != nil {
		s.sendError(w, "Failed to read device status", http.StatusInternalServerError)
		return
	}

	response := DeviceStatusResponse{
		DeviceID:      deviceID,
		Online:        !lastSeen.IsZero(),
		FlightPath:    flightPath,
		HasScreenshot: screenshot != nil,
	}
	if !lastSeen.IsZero() {
		response.LastSeen = &lastSeen
	}
	json.NewEncoder(w).Encode(response)
}

// POST /api/tenants/{id}/deactivate - mark a tenant inactive, drop its
// cached settings and close every one of its live connections on this
// instance.
func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tenants/")
	tenantID := strings.Split(path, "/")[0]
	if tenantID == "" {
		s.sendError(w, "Tenant ID required", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/deactivate"):
		s.deactivateTenant(w, r, tenantID)
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) deactivateTenant(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.directory.DeactivateTenant(ctx, tenantID); err != nil {
		if errors.Is(err, interfaces.ErrTenantNotFound) {
			s.sendError(w, "Tenant not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to deactivate tenant", http.StatusInternalServerError)
		}
		return
	}

	s.settings.Invalidate(tenantID)
	s.registry.CloseAllForTenant(tenantID)
	// Other gateway instances hold their own sockets for this tenant; tell
	// them to do the same cleanup.
	s.cache.PublishTenantDeactivated(ctx, tenantID)
	log.Printf("api: tenant %s deactivated, live connections closed", tenantID)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "Tenant deactivated"})
}

// Consistent error response format across all endpoints.
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
// Allows all origins in development - would be restricted in production
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(w, r)
	})
}
