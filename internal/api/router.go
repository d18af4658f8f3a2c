// Package api exposes the HTTP surface: REST endpoints over the
// repository, the scanner SSE stream, the realtime WebSocket bus and the
// operator self-metrics.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/bandwidth"
	"github.com/corebit/corebit/internal/config"
	"github.com/corebit/corebit/internal/license"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/probe"
	"github.com/corebit/corebit/internal/scanner"
	"github.com/corebit/corebit/internal/store"
	"github.com/corebit/corebit/internal/websocket"
)

// ProbeTrigger runs one immediate probe outside the polling cycle
type ProbeTrigger interface {
	TriggerOnce(ctx context.Context, deviceID string) error
}

// StatusReader derives uptime segments and drops engine state for deleted
// devices
type StatusReader interface {
	Segments(ctx context.Context, deviceID string, since, until time.Time) ([]models.DeviceStatusSegment, error)
	Forget(deviceID string)
}

// ScanRunner drives network discovery
type ScanRunner interface {
	Run(ctx context.Context, req scanner.Request) (<-chan scanner.Event, error)
	RunCollect(ctx context.Context, req scanner.Request) (*scanner.Result, error)
}

// DeliveryTester fires a synthetic notification at one target
type DeliveryTester interface {
	TestDelivery(ctx context.Context, target models.Notification) *models.NotificationHistory
}

// Deps carries everything the router needs
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Hub         *websocket.Hub
	Scheduler   ProbeTrigger
	Engine      StatusReader
	Registry    *probe.Registry
	Differencer *bandwidth.Differencer
	Scanner     ScanRunner
	Dispatcher  DeliveryTester
	Licenses    *license.Manager
	Version     string
}

// Router handles HTTP routing
type Router struct {
	mux       *http.ServeMux
	config    *config.Config
	store     *store.Store
	hub       *websocket.Hub
	licenses  *license.Manager
	version   string
	startTime time.Time
}

// NewRouter assembles all handlers and wraps them in the recovery
// middleware.
func NewRouter(deps Deps) http.Handler {
	r := &Router{
		mux:       http.NewServeMux(),
		config:    deps.Config,
		store:     deps.Store,
		hub:       deps.Hub,
		licenses:  deps.Licenses,
		version:   deps.Version,
		startTime: time.Now(),
	}
	r.setupRoutes(deps)
	return ErrorHandler(r)
}

func (r *Router) setupRoutes(deps Deps) {
	devices := newDeviceHandlers(deps)
	maps := newMapHandlers(deps.Store, deps.Hub)
	connections := newConnectionHandlers(deps.Store, deps.Differencer, deps.Hub)
	credentials := newCredentialHandlers(deps.Store)
	notifications := newNotificationHandlers(deps.Store, deps.Dispatcher)
	scans := newScanHandlers(deps.Store, deps.Scanner)
	licenses := newLicenseHandlers(deps.Licenses, deps.Config)
	settings := newSettingsHandlers(deps.Store)
	admin := newAdminHandlers(deps.Config, deps.Store)

	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/ws", r.handleWebSocket)

	r.mux.HandleFunc("/api/devices", devices.handleCollection)
	r.mux.HandleFunc("/api/devices/batch", devices.handleBatch)
	r.mux.HandleFunc("/api/devices/", devices.handleItem)

	r.mux.HandleFunc("/api/maps", maps.handleCollection)
	r.mux.HandleFunc("/api/maps/", maps.handleItem)

	r.mux.HandleFunc("/api/connections", connections.handleCollection)
	r.mux.HandleFunc("/api/connections/", connections.handleItem)

	r.mux.HandleFunc("/api/credential-profiles", credentials.handleCollection)
	r.mux.HandleFunc("/api/credential-profiles/", credentials.handleItem)

	r.mux.HandleFunc("/api/notifications", notifications.handleCollection)
	r.mux.HandleFunc("/api/notifications/", notifications.handleItem)
	r.mux.HandleFunc("/api/notification-history", notifications.handleHistory)
	r.mux.HandleFunc("/api/device-notifications", notifications.handleSubscriptions)
	r.mux.HandleFunc("/api/on-duty-shifts", notifications.handleShifts)
	r.mux.HandleFunc("/api/duty-on-call", notifications.handleOnCall)
	r.mux.HandleFunc("/api/alarm-mutes", notifications.handleMutes)
	r.mux.HandleFunc("/api/alarm-mutes/", notifications.handleMuteItem)

	r.mux.HandleFunc("/api/network-scan", scans.handleScan)
	r.mux.HandleFunc("/api/network-scan-stream", scans.handleScanStream)
	r.mux.HandleFunc("/api/scan-profiles", scans.handleProfiles)
	r.mux.HandleFunc("/api/scan-profiles/", scans.handleProfileItem)

	r.mux.HandleFunc("/api/license", licenses.handleStatus)
	r.mux.HandleFunc("/api/license/activate", licenses.handleActivate)
	r.mux.HandleFunc("/api/license/install", licenses.handleInstall)
	r.mux.HandleFunc("/api/license/", licenses.handleItem)

	r.mux.HandleFunc("/api/settings", settings.handleCollection)
	r.mux.HandleFunc("/api/settings/", settings.handleItem)

	r.mux.HandleFunc("/api/admin/recovery", admin.handleRecovery)
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.config.AllowedOrigins != "" {
		w.Header().Set("Access-Control-Allow-Origin", r.config.AllowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Client-ID, X-Request-ID")
	}
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if strings.HasPrefix(req.URL.Path, "/api/") || req.URL.Path == "/ws" {
		addSecurityHeaders(w)
	}

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

func addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
}

// handleHealth reports liveness plus a cheap repository check
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	dbOK := true
	count, err := r.store.CountDevices(req.Context())
	if err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"version":     r.version,
		"uptime":      time.Since(r.startTime).Seconds(),
		"deviceCount": count,
		"dbOk":        dbOK,
	})
}

func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	r.hub.HandleWebSocket(w, req)
}

// clientID reads the optional originator header used to keep a caller's
// own map:change frames from echoing back to it
func clientID(req *http.Request) string {
	return strings.TrimSpace(req.Header.Get("X-Client-ID"))
}

// pathSegments splits the request path after a prefix: "/api/maps/m1/placements"
// with prefix "/api/maps/" yields ["m1", "placements"].
func pathSegments(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
