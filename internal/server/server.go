// Package server exposes the property-creation HTTP API.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"realtyhub/internal/idempotency"
	"realtyhub/internal/ratelimit"
	"realtyhub/internal/upload"
	"realtyhub/internal/usertoken"
	"realtyhub/internal/util"
	"realtyhub/internal/workflow"
	"realtyhub/pkg/domain"
)

const idempotencyHeader = "X-Idempotency-Key"

// Config wires required dependencies for the HTTP server.
type Config struct {
	Workflow *workflow.Workflow

	// TokenVerifier is an optional local pre-check; nil disables it and the
	// identity service decides alone.
	TokenVerifier *usertoken.Verifier

	// Redis enables rate limiting and duplicate-request protection; nil
	// disables both.
	Redis                    *redis.Client
	CreateRateLimitPerMinute int

	// MaxRequestBytes caps the whole multipart body. Derived from the image
	// limits when zero.
	MaxRequestBytes int64
	ImageLimits     upload.Limits

	// TrustedProxies controls which peers may supply forwarded-for headers.
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the listing API.
type Server struct {
	workflow        *workflow.Workflow
	tokenVerifier   *usertoken.Verifier
	mux             *http.ServeMux
	maxRequestBytes int64
	createLimiter   *ratelimit.FixedWindowLimiter
	idemGuard       *idempotency.Guard
	trustedProxies  *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	maxRequestBytes := cfg.MaxRequestBytes
	if maxRequestBytes <= 0 {
		perFile := cfg.ImageLimits.MaxBytes
		if perFile <= 0 {
			perFile = 10 << 20
		}
		files := int64(cfg.ImageLimits.MaxFiles)
		if files <= 0 {
			files = 10
		}
		// Images plus headroom for the propertyData part.
		maxRequestBytes = perFile*files + (1 << 20)
	}

	s := &Server{
		workflow:        cfg.Workflow,
		tokenVerifier:   cfg.TokenVerifier,
		mux:             http.NewServeMux(),
		maxRequestBytes: maxRequestBytes,
		trustedProxies:  cfg.TrustedProxies,
	}

	if cfg.Redis != nil {
		createLimit := cfg.CreateRateLimitPerMinute
		if createLimit <= 0 {
			createLimit = 30
		}
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "realtyhub:ratelimit:create", createLimit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init create limiter: %w", err)
		}
		s.createLimiter = limiter

		guard, err := idempotency.NewGuard(cfg.Redis, "realtyhub:idem:create", 0)
		if err != nil {
			return nil, fmt.Errorf("init idempotency guard: %w", err)
		}
		s.idemGuard = guard
	}

	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	handler := util.WithSecurityHeaders(util.WithCORS(s.mux))
	handler = util.WithRequestLog("listing-api", handler)
	return util.WithRequestID(handler)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/properties", s.handleProperties)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProperties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.handleCreateProperty(w, r)
}

func (s *Server) handleCreateProperty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.allowRate(w, r) {
		s.audit(r, "properties.create", "rate_limited")
		return
	}

	token, _ := bearerToken(r)
	if token != "" && s.tokenVerifier != nil {
		if err := s.tokenVerifier.Check(token); err != nil {
			s.audit(r, "properties.create", "fail", "reason", "token_precheck_failed")
			writeError(w, http.StatusUnauthorized, "invalid or expired credentials")
			return
		}
	}

	idemKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	claimed := false
	if s.idemGuard != nil && idemKey != "" {
		ok, err := s.idemGuard.Claim(ctx, token, idemKey)
		if err != nil {
			slog.WarnContext(ctx, "idempotency claim degraded", "err", err)
		}
		if !ok {
			s.audit(r, "properties.create", "fail", "reason", "duplicate_request")
			writeError(w, http.StatusConflict, "duplicate request")
			return
		}
		claimed = true
	}
	// Only a created listing consumes the key. Every other exit, including
	// form errors before the workflow runs, frees it so the caller can retry.
	created := false
	defer func() {
		if claimed && !created {
			s.idemGuard.Release(ctx, token, idemKey)
		}
	}()

	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.audit(r, "properties.create", "fail", "reason", "invalid_form")
		writeError(w, http.StatusBadRequest, "invalid multipart form data")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	draftJSON := r.FormValue("propertyData")
	if strings.TrimSpace(draftJSON) == "" {
		s.audit(r, "properties.create", "fail", "reason", "missing_property_data")
		writeError(w, http.StatusBadRequest, "propertyData is required")
		return
	}

	files, err := readImageParts(r.MultipartForm.File["images"])
	if err != nil {
		s.audit(r, "properties.create", "fail", "reason", "unreadable_image_part")
		writeError(w, http.StatusBadRequest, "could not read uploaded images")
		return
	}

	res := s.workflow.Run(ctx, workflow.Request{
		Token:     token,
		DraftJSON: []byte(draftJSON),
		Files:     files,
	})
	if res.Failure != nil {
		s.audit(r, "properties.create", "fail",
			"kind", string(res.Failure.Kind),
			"status", res.Failure.Status)
		writeFailure(w, res.Failure)
		return
	}

	created = true
	s.audit(r, "properties.create", "success",
		"user_id", res.Identity.ID,
		"listing_id", res.Listing.ID,
		"images", len(res.Ledger))
	writeJSON(w, http.StatusOK, createResponse{
		Success:  true,
		Property: res.Listing,
		Message:  "Property created successfully",
	})
}

// readImageParts buffers every uploaded part into memory. Per-file and batch
// limits are enforced downstream; the total is already capped by
// MaxBytesReader.
func readImageParts(headers []*multipart.FileHeader) ([]domain.ImageFile, error) {
	files := make([]domain.ImageFile, 0, len(headers))
	for _, header := range headers {
		part, err := header.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return nil, err
		}
		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" && len(data) > 0 {
			mimeType = http.DetectContentType(data)
		}
		files = append(files, domain.ImageFile{
			Name:     header.Filename,
			Bytes:    data,
			Size:     int64(len(data)),
			MIMEType: mimeType,
		})
	}
	return files, nil
}

type createResponse struct {
	Success  bool           `json:"success"`
	Property domain.Listing `json:"property"`
	Message  string         `json:"message"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeFailure(w http.ResponseWriter, failure *workflow.Failure) {
	writeJSON(w, failure.Status, errorResponse{Error: failure.Message, Details: failure.Details})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if s.createLimiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if s.createLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many create attempts")
	return false
}
