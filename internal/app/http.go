package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"bizdesk/api/internal/auth"
	"bizdesk/api/internal/block"
	"bizdesk/api/internal/environment"
	"bizdesk/api/internal/metrics"
	"bizdesk/api/internal/rbac"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireClaims)

		r.With(s.allow(rbac.ActionRead)).Get("/api/block-types/{key}", s.handleBlockType)
		r.With(s.allow(rbac.ActionPublish)).Post("/api/block-types", s.handlePublishBlockType)

		r.With(s.allow(rbac.ActionRead)).Get("/api/environments/{contextKey}", s.handleLoadEnvironment)
		r.With(s.allow(rbac.ActionRead)).Post("/api/environments/{contextKey}/hydrate", s.handleHydrateEnvironment)
		r.With(s.allow(rbac.ActionWrite)).Post("/api/environments/{contextKey}/save", s.handleSaveEnvironment)
		r.With(s.allow(rbac.ActionWrite)).Post("/api/environments/{contextKey}/commands", s.handleCommands)
		r.With(s.allow(rbac.ActionWrite)).Post("/api/environments/{contextKey}/grid", s.handleGridEvents)
		r.With(s.allow(rbac.ActionRead)).Get("/api/environments/{contextKey}/history", s.handleHistory)
		r.With(s.allow(rbac.ActionRead)).Get("/api/environments/{contextKey}/history/{hash}", s.handleHistoryVersion)

		r.With(s.allow(rbac.ActionRead)).Get("/api/blocks/search", s.handleSearch)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleBlockType(w http.ResponseWriter, r *http.Request) {
	version := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("version")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a non-negative integer", nil)
			return
		}
		version = parsed
	}
	t, err := s.service.BlockType(r.Context(), chi.URLParam(r, "key"), version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *HTTPServer) handlePublishBlockType(w http.ResponseWriter, r *http.Request) {
	var body block.BlockType
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.PublishBlockType(r.Context(), body); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "key": body.Key, "version": body.Version})
}

func (s *HTTPServer) handleLoadEnvironment(w http.ResponseWriter, r *http.Request) {
	claims, key, ok := environmentRequest(w, r)
	if !ok {
		return
	}
	payload, err := s.service.LoadEnvironment(r.Context(), claims, key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleHydrateEnvironment(w http.ResponseWriter, r *http.Request) {
	claims, key, ok := environmentRequest(w, r)
	if !ok {
		return
	}
	var body HydrateInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.HydrateEnvironment(r.Context(), claims, key, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSaveEnvironment(w http.ResponseWriter, r *http.Request) {
	claims, key, ok := environmentRequest(w, r)
	if !ok {
		return
	}
	var body SaveInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.SaveEnvironment(r.Context(), claims, key, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSaveResult(w, res)
}

func (s *HTTPServer) handleCommands(w http.ResponseWriter, r *http.Request) {
	claims, key, ok := environmentRequest(w, r)
	if !ok {
		return
	}
	var body CommandsInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.ApplyCommands(r.Context(), claims, key, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSaveResult(w, res)
}

func (s *HTTPServer) handleGridEvents(w http.ResponseWriter, r *http.Request) {
	claims, key, ok := environmentRequest(w, r)
	if !ok {
		return
	}
	var body GridInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.ApplyGridEvents(r.Context(), claims, key, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSaveResult(w, res)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims, key, ok := environmentRequest(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	payload, err := s.service.History(r.Context(), claims, key, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleHistoryVersion(w http.ResponseWriter, r *http.Request) {
	claims, key, ok := environmentRequest(w, r)
	if !ok {
		return
	}
	env, err := s.service.HistoryVersion(r.Context(), claims, key, chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environment": env})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	query := r.URL.Query()
	input := SearchInput{
		Text:       strings.TrimSpace(query.Get("q")),
		ContextKey: strings.TrimSpace(query.Get("contextKey")),
		TypeKey:    strings.TrimSpace(query.Get("type")),
	}
	for name, target := range map[string]*int{"limit": &input.Limit, "offset": &input.Offset} {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("%s must be a non-negative integer", name), nil)
			return
		}
		*target = parsed
	}
	payload, err := s.service.Search(r.Context(), claims, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// requireClaims rejects requests without a valid bearer token and stores the
// claims on the request context.
func (s *HTTPServer) requireClaims(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := s.service.Authenticate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func (s *HTTPServer) allow(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := auth.FromContext(r.Context())
			if !s.service.Can(claims, action) {
				s.log.Info().
					Str("user_id", claims.Subject).
					Str("role", claims.Role).
					Str("action", string(action)).
					Str("path", r.URL.Path).
					Msg("request forbidden")
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writeJSON(writer, http.StatusNoContent, map[string]any{})
		} else {
			next.ServeHTTP(writer, r)
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// writeSaveResult answers 409 with the winning version's metadata when the
// save lost the race.
func writeSaveResult(w http.ResponseWriter, res environment.SaveResult) {
	if res.Conflict {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// environmentRequest returns the caller and the unescaped context key of an
// environment route.
func environmentRequest(w http.ResponseWriter, r *http.Request) (auth.Claims, string, bool) {
	claims, _ := auth.FromContext(r.Context())
	key, err := url.PathUnescape(chi.URLParam(r, "contextKey"))
	if err != nil || strings.TrimSpace(key) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_CONTEXT_KEY", "Invalid context key", nil)
		return auth.Claims{}, "", false
	}
	return claims, key, true
}
