// Package httpapi is the reference preference server: per-user preference
// documents, KPI database probes, and the sibling broadcast hub.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
	"github.com/Ranponim/kpi-frontend-sub001/internal/syncengine"
)

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
}

type Server struct {
	repo        PreferenceRepo
	kpi         KPIDatabase
	hub         *BroadcastHub
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(repo PreferenceRepo, kpi KPIDatabase) *Server {
	return NewServerWithConfig(repo, kpi, ServerConfig{})
}

func NewServerWithConfig(repo PreferenceRepo, kpi KPIDatabase, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		repo:        repo,
		kpi:         kpi,
		hub:         NewBroadcastHub(cfg.Logger),
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Hub exposes the broadcast hub, mainly so Close can drain it.
func (s *Server) Hub() *BroadcastHub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if !s.authorize(w, r, correlationID) {
		return
	}
	if s.rateLimiter != nil {
		key := clientKey(r)
		if !s.rateLimiter.allow(key, s.now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	if r.URL.Path == "/v1/broadcast" && r.Method == http.MethodGet {
		s.hub.Handle(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "users" && parts[3] == "preference":
		userID := parts[2]
		if userID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing user id", correlationID)
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.handleLoadPreference(w, r, userID, correlationID)
		case http.MethodPut:
			s.handleSavePreference(w, r, userID, correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or PUT", correlationID)
		}
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "db" && r.Method == http.MethodPost:
		switch parts[2] {
		case "pegs":
			s.handleProbePegs(w, r, correlationID)
		case "entities":
			s.handleProbeEntities(w, r, correlationID)
		case "test-connection":
			s.handleTestConnection(w, r, correlationID)
		default:
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") || strings.TrimSpace(header[len("Bearer "):]) != s.cfg.Token {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return false
	}
	return true
}

func (s *Server) handleLoadPreference(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	pref, err := s.repo.Load(r.Context(), userID)
	if errors.Is(err, syncengine.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no preference for user", correlationID)
		return
	}
	if err != nil {
		s.logger.Error("load preference failed", zap.String("userId", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "load failed", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

// handleSavePreference stamps the stored copy with the server clock,
// strictly after the previous stamp, and echoes the stamped document.
func (s *Server) handleSavePreference(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var pref settings.WirePreference
	if !s.decodeJSONBody(w, r, correlationID, &pref) {
		return
	}
	if pref.UserID == "" {
		pref.UserID = userID
	}
	if pref.UserID != userID {
		writeError(w, http.StatusBadRequest, "bad_request", "body userId does not match path", correlationID)
		return
	}

	prev, err := s.repo.Load(r.Context(), userID)
	if err != nil && !errors.Is(err, syncengine.ErrNotFound) {
		s.logger.Error("save preference load failed", zap.String("userId", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "save failed", correlationID)
		return
	}

	stamp := s.now().UTC()
	if prevStamp, ok := parseServerTimestamp(prev.LastModified); ok && !stamp.After(prevStamp) {
		stamp = prevStamp.Add(time.Millisecond)
	}
	pref.LastModified = stamp.Format(time.RFC3339Nano)
	if pref.CreatedAt == "" {
		if prev.CreatedAt != "" {
			pref.CreatedAt = prev.CreatedAt
		} else {
			pref.CreatedAt = pref.LastModified
		}
	}
	if pref.Version <= 0 {
		pref.Version = 1
	}

	saved, err := s.repo.Save(r.Context(), userID, pref)
	if err != nil {
		s.logger.Error("save preference failed", zap.String("userId", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "save failed", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type dbProbeRequest struct {
	DB            settings.DatabaseSettings `json:"db"`
	Limit         int                       `json:"limit"`
	SelectedHosts []string                  `json:"selectedHosts"`
}

func (s *Server) handleProbePegs(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.kpi == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "no KPI database configured", correlationID)
		return
	}
	var req dbProbeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	pegs, err := s.kpi.Pegs(r.Context(), req.DB, req.Limit)
	if err != nil {
		s.logger.Warn("peg probe failed", zap.String("host", req.DB.Host), zap.Error(err))
		writeError(w, http.StatusBadGateway, "db_unreachable", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pegs": pegs})
}

func (s *Server) handleProbeEntities(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.kpi == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "no KPI database configured", correlationID)
		return
	}
	var req dbProbeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	lists, err := s.kpi.Entities(r.Context(), req.DB, req.SelectedHosts)
	if err != nil {
		s.logger.Warn("entity probe failed", zap.String("host", req.DB.Host), zap.Error(err))
		writeError(w, http.StatusBadGateway, "db_unreachable", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.kpi == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "no KPI database configured", correlationID)
		return
	}
	var req dbProbeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result := s.kpi.TestConnection(r.Context(), req.DB)
	writeJSON(w, http.StatusOK, result)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseServerTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
