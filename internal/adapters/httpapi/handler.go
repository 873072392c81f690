package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/usecase"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	timeFormat      = "2006-01-02T15:04:05.999999999Z07:00"
	dateFormat      = "2006-01-02"
	maxJSONBodySize = 1 << 20
	defaultLogLimit = 100
)

// Info is what GET /info discloses about this deployment.
type Info struct {
	AppName string
	OwnerID string
}

type Deps struct {
	Issuance *usecase.IssuanceService
	Verifier *usecase.VerificationService
	Admin    *usecase.AdminService
	Audit    *usecase.AuditService
	Auth     *usecase.AuthService
	Info     Info
	Logger   *slog.Logger
	// Registry receives the handler metrics and backs GET /metrics. Nil uses
	// a fresh private registry.
	Registry *prometheus.Registry
	Now      usecase.Clock
}

type Handler struct {
	issuance *usecase.IssuanceService
	verifier *usecase.VerificationService
	admin    *usecase.AdminService
	audit    *usecase.AuditService
	auth     *usecase.AuthService
	info     Info
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *Metrics
	schemas  requestSchemas
	now      usecase.Clock
}

func NewHandler(deps Deps) (*Handler, error) {
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		issuance: deps.Issuance,
		verifier: deps.Verifier,
		admin:    deps.Admin,
		audit:    deps.Audit,
		auth:     deps.Auth,
		info:     deps.Info,
		logger:   logger.With("component", "http"),
		registry: registry,
		metrics:  NewMetrics(registry),
		schemas:  schemas,
		now:      now,
	}, nil
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(recoverer(h.logger))

	r.Get("/healthz", h.healthz)
	r.Get("/info", h.infoHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	r.Post("/verify", h.verify)

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireCredentials)
		pr.Post("/generate", h.generate)
		pr.Get("/keys", h.listKeys)
		pr.Post("/ban", h.ban)
		pr.Post("/reset_hwid", h.resetHardware)
		pr.Post("/delete", h.deleteKey)
		pr.Get("/logs", h.listLogs)
	})

	return r
}

type generateRequest struct {
	Username *string `json:"username"`
	Plan     *string `json:"plan"`
	Days     *int    `json:"days"`
	HWIDLock bool    `json:"hwid_lock"`
	MaxUses  *int64  `json:"max_uses"`
}

type verifyRequest struct {
	Key  string `json:"key"`
	HWID string `json:"hwid"`
}

type banRequest struct {
	Key    string `json:"key"`
	Banned *bool  `json:"banned"`
	Reason string `json:"reason"`
}

type keyRefRequest struct {
	Key string `json:"key"`
}

type keyResponse struct {
	Key        string  `json:"key"`
	Username   string  `json:"username"`
	Plan       string  `json:"plan"`
	CreatedAt  string  `json:"created_at"`
	ExpiresAt  string  `json:"expires_at"`
	Expires    string  `json:"expires"`
	DaysLeft   int     `json:"days_left"`
	HWIDLock   bool    `json:"hwid_lock"`
	BoundHWID  string  `json:"bound_hwid"`
	LastHWID   string  `json:"last_hwid"`
	Active     bool    `json:"active"`
	Banned     bool    `json:"banned"`
	BanReason  string  `json:"ban_reason,omitempty"`
	UseCount   int64   `json:"use_count"`
	MaxUses    *int64  `json:"max_uses"`
	LastUsedAt *string `json:"last_used_at"`
	LastIP     string  `json:"last_ip"`
}

type verifyData struct {
	*keyResponse
	ClientIP   string `json:"client_ip"`
	ClientHWID string `json:"client_hwid"`
}

type logResponse struct {
	ID        int64          `json:"id"`
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"event_type"`
	Key       *string        `json:"key"`
	Details   map[string]any `json:"details"`
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !h.decodeBody(w, r, schemaGenerate, &req, true) {
		return
	}

	rec, err := h.issuance.Issue(r.Context(), usecase.IssueRequest{
		Username:     req.Username,
		Plan:         req.Plan,
		Days:         req.Days,
		HardwareLock: req.HWIDLock,
		MaxUses:      req.MaxUses,
	})
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	h.metrics.AdminOperations.WithLabelValues("generate", "ok").Inc()

	days := int(rec.ExpiresAt.Sub(rec.CreatedAt) / (24 * time.Hour))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Key created for %d days", days),
		"key":     rec.Token,
		"data":    toKeyResponse(rec, h.now()),
	})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	if raw, err := io.ReadAll(r.Body); err == nil && len(bytes.TrimSpace(raw)) > 0 {
		// A malformed body is treated like an empty one: bad_request below.
		_ = json.Unmarshal(raw, &req)
	}

	ip := clientIP(r)
	result, err := h.verifier.Verify(r.Context(), req.Key, req.HWID, ip)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	h.metrics.Verifications.WithLabelValues(string(result.Outcome)).Inc()

	if result.Outcome == domain.OutcomeBadRequest {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"status":  string(result.Outcome),
			"message": result.Outcome.Message(),
		})
		return
	}

	data := verifyData{ClientIP: ip, ClientHWID: req.HWID}
	if result.Record != nil {
		resp := toKeyResponse(*result.Record, h.now())
		data.keyResponse = &resp
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": result.Outcome.Granted(),
		"status":  string(result.Outcome),
		"message": result.Outcome.Message(),
		"data":    data,
	})
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	records, err := h.admin.List(r.Context())
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	now := h.now()
	keys := make([]keyResponse, 0, len(records))
	for _, rec := range records {
		keys = append(keys, toKeyResponse(rec, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"keys":    keys,
		"total":   len(keys),
	})
}

func (h *Handler) ban(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !h.decodeBody(w, r, schemaBan, &req, false) {
		return
	}
	banned := true
	if req.Banned != nil {
		banned = *req.Banned
	}

	found, err := h.admin.SetBanned(r.Context(), strings.TrimSpace(req.Key), banned, req.Reason)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	h.metrics.admin("ban", found)
	writeAdminResult(w, found, "Key banned/unbanned")
}

func (h *Handler) resetHardware(w http.ResponseWriter, r *http.Request) {
	var req keyRefRequest
	if !h.decodeBody(w, r, schemaKeyRef, &req, false) {
		return
	}

	found, err := h.admin.ResetHardware(r.Context(), strings.TrimSpace(req.Key))
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	h.metrics.admin("reset_hwid", found)
	writeAdminResult(w, found, "HWID reset")
}

func (h *Handler) deleteKey(w http.ResponseWriter, r *http.Request) {
	var req keyRefRequest
	if !h.decodeBody(w, r, schemaKeyRef, &req, false) {
		return
	}

	found, err := h.admin.Delete(r.Context(), strings.TrimSpace(req.Key))
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	h.metrics.admin("delete", found)
	writeAdminResult(w, found, "Key deleted")
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := h.audit.List(r.Context(), limit)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	logs := make([]logResponse, 0, len(entries))
	for _, entry := range entries {
		logs = append(logs, toLogResponse(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"logs":    logs,
		"total":   len(logs),
	})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) infoHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"app_name": h.info.AppName,
		"owner_id": h.info.OwnerID,
	})
}

// decodeBody validates the body against the named schema and decodes it into
// dst. An empty body counts as {} when allowEmpty is set. On failure the
// response has been written and false is returned.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, schema string, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if !allowEmpty {
			writeError(w, http.StatusBadRequest, "key required")
			return false
		}
		raw = []byte("{}")
	}

	if err := h.schemas.validate(schema, raw); err != nil {
		msg := err.Error()
		if schema != schemaGenerate && missingKey(raw) {
			msg = "key required"
		}
		writeError(w, http.StatusBadRequest, msg)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func missingKey(raw []byte) bool {
	var probe struct {
		Key any `json:"key"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	s, ok := probe.Key.(string)
	return probe.Key == nil || (ok && s == "")
}

func toKeyResponse(rec domain.KeyRecord, now time.Time) keyResponse {
	resp := keyResponse{
		Key:       rec.Token,
		Username:  rec.Username,
		Plan:      rec.Plan,
		CreatedAt: rec.CreatedAt.UTC().Format(timeFormat),
		DaysLeft:  rec.DaysLeft(now),
		HWIDLock:  rec.HardwareLockEnabled,
		BoundHWID: rec.BoundHardwareID,
		LastHWID:  orNA(rec.LastHardwareID),
		Active:    rec.Active,
		Banned:    rec.Banned,
		BanReason: rec.BanReason,
		UseCount:  rec.UseCount,
		MaxUses:   rec.MaxUses,
		LastIP:    orNA(rec.LastClientIP),
	}
	if !rec.ExpiresAt.IsZero() {
		resp.ExpiresAt = rec.ExpiresAt.UTC().Format(timeFormat)
		resp.Expires = rec.ExpiresAt.UTC().Format(dateFormat)
	}
	if rec.LastUsedAt != nil {
		used := rec.LastUsedAt.UTC().Format(timeFormat)
		resp.LastUsedAt = &used
	}
	return resp
}

func toLogResponse(entry domain.LogEntry) logResponse {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	return logResponse{
		ID:        entry.ID,
		EventID:   entry.EventID,
		Timestamp: entry.Timestamp.UTC().Format(timeFormat),
		EventType: string(entry.EventType),
		Key:       entry.KeyToken,
		Details:   details,
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

func writeAdminResult(w http.ResponseWriter, found bool, okMessage string) {
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Key not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": okMessage})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("encode json response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		slog.Warn("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

func (h *Handler) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
