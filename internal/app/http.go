package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"inkwell/editor/internal/config"
)

// HTTPServer dispatches the REST routes. Paths are matched by hand; an
// unmatched method and path pair falls through to 404.
type HTTPServer struct {
	service        *Service
	allowedOrigins string
	limiter        *IPRateLimiter
}

func NewHTTPServer(service *Service, cfg config.Config) *HTTPServer {
	var limiter *IPRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = NewIPRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	return &HTTPServer{
		service:        service,
		allowedOrigins: cfg.AllowedOrigins,
		limiter:        limiter,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	var handler http.Handler = http.HandlerFunc(s.handle)
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	return s.withMiddleware(handler)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, s.service.Health())
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		ready, checks := s.service.Readiness(ctx)
		status := http.StatusOK
		state := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			state = "not_ready"
		}
		writeJSON(w, status, map[string]any{"ok": ready, "status": state, "checks": checks})
		return
	}

	ident, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v1/documents" {
		items, err := s.service.ListDocuments(r.Context(), ident)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/v1/documents" {
		var input CreateDocumentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateDocument(r.Context(), ident, input)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v1/vaults" {
		items, err := s.service.ListVaults(r.Context(), ident)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"vaults": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/v1/vaults" {
		var input CreateVaultInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateVault(r.Context(), ident, input)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/attachments/initiate" {
		var input InitiateAttachmentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		payload, err := s.service.InitiateAttachment(r.Context(), ident, input)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	parts := splitPath(r.URL.Path)

	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "attachments" {
		attachmentID, ok := parseID(w, parts[2], "attachment")
		if !ok {
			return
		}
		payload, err := s.service.GetAttachment(r.Context(), ident, attachmentID)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "v1" && parts[2] == "documents" {
		if s.routeDocument(w, r, ident, parts[3:]) {
			return
		}
	}

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "v1" && parts[2] == "vaults" {
		if s.routeVault(w, r, ident, parts[3:]) {
			return
		}
	}

	writeError(w, http.StatusNotFound, "not_found", "unknown route", nil)
}

// routeDocument handles /api/v1/documents/{id}[/...]. rest starts at {id}.
func (s *HTTPServer) routeDocument(w http.ResponseWriter, r *http.Request, ident Identity, rest []string) bool {
	docID, ok := parseID(w, rest[0], "document")
	if !ok {
		return true
	}

	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetDocument(r.Context(), ident, docID)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		case http.MethodPut:
			var input UpdateDocumentInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
				return true
			}
			payload, err := s.service.UpdateDocument(r.Context(), ident, docID, input)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		case http.MethodDelete:
			if err := s.service.DeleteDocument(r.Context(), ident, docID); err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return true
		}
		return false
	}

	if len(rest) == 2 {
		switch {
		case rest[1] == "move" && r.Method == http.MethodPost:
			var input MoveDocumentInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
				return true
			}
			payload, err := s.service.MoveDocument(r.Context(), ident, docID, input)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		case rest[1] == "stats" && r.Method == http.MethodGet:
			payload, err := s.service.DocumentStats(r.Context(), ident, docID)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		case rest[1] == "snapshot" && r.Method == http.MethodPost:
			payload, err := s.service.TriggerSnapshot(r.Context(), ident, docID)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		case rest[1] == "share" && r.Method == http.MethodPost:
			var input ShareInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
				return true
			}
			payload, err := s.service.ShareDocument(r.Context(), ident, docID, input)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusCreated, payload)
			return true
		case rest[1] == "collaborators" && r.Method == http.MethodGet:
			items, err := s.service.DocumentCollaborators(r.Context(), ident, docID)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"collaborators": items})
			return true
		case rest[1] == "attachments" && r.Method == http.MethodGet:
			items, err := s.service.DocumentAttachments(r.Context(), ident, docID)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"attachments": items})
			return true
		}
		return false
	}

	if len(rest) == 3 && rest[1] == "share" && r.Method == http.MethodDelete {
		userID, ok := parseID(w, rest[2], "user")
		if !ok {
			return true
		}
		if err := s.service.UnshareDocument(r.Context(), ident, docID, userID); err != nil {
			s.writeMapped(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}

	return false
}

// routeVault handles /api/v1/vaults/{id}[/...]. rest starts at {id}.
func (s *HTTPServer) routeVault(w http.ResponseWriter, r *http.Request, ident Identity, rest []string) bool {
	vaultID, ok := parseID(w, rest[0], "vault")
	if !ok {
		return true
	}

	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetVault(r.Context(), ident, vaultID)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		case http.MethodPut:
			var input UpdateVaultInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
				return true
			}
			payload, err := s.service.UpdateVault(r.Context(), ident, vaultID, input)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		case http.MethodDelete:
			if err := s.service.DeleteVault(r.Context(), ident, vaultID); err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return true
		}
		return false
	}

	if len(rest) == 2 {
		switch {
		case rest[1] == "documents" && r.Method == http.MethodGet:
			items, err := s.service.VaultDocuments(r.Context(), ident, vaultID)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": items})
			return true
		case rest[1] == "share" && r.Method == http.MethodPost:
			var input ShareInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
				return true
			}
			payload, err := s.service.ShareVault(r.Context(), ident, vaultID, input)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusCreated, payload)
			return true
		case rest[1] == "collaborators" && r.Method == http.MethodGet:
			items, err := s.service.VaultCollaborators(r.Context(), ident, vaultID)
			if err != nil {
				s.writeMapped(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"collaborators": items})
			return true
		}
		return false
	}

	if len(rest) == 3 && rest[1] == "share" && r.Method == http.MethodDelete {
		userID, ok := parseID(w, rest[2], "user")
		if !ok {
			return true
		}
		if err := s.service.UnshareVault(r.Context(), ident, vaultID, userID); err != nil {
			s.writeMapped(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}

	return false
}

// requireIdentity trusts the gateway's X-User-* headers and falls back to
// verifying a bearer token for direct API access. The headers are only
// reachable through the gateway in production deployments.
func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	if raw := strings.TrimSpace(r.Header.Get("X-User-ID")); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "malformed identity header", nil)
			return Identity{}, false
		}
		return Identity{
			UserID:   userID,
			Username: strings.TrimSpace(r.Header.Get("X-User-Username")),
			Email:    strings.TrimSpace(r.Header.Get("X-User-Email")),
		}, true
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		return Identity{}, false
	}
	ident, err := s.service.IdentityFromToken(r.Context(), token)
	if err != nil {
		s.writeMapped(w, err)
		return Identity{}, false
	}
	return ident, true
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("app: %v", err)
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
		s.setCORSHeaders(writer.Header(), r)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

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

func (s *HTTPServer) setCORSHeaders(header http.Header, r *http.Request) {
	origin := s.corsOrigin(r)
	if origin == "" {
		return
	}
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// corsOrigin echoes the request origin when the allowlist admits it.
func (s *HTTPServer) corsOrigin(r *http.Request) string {
	trimmed := strings.TrimSpace(s.allowedOrigins)
	if trimmed == "" || trimmed == "*" {
		return "*"
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return ""
	}
	for _, allowed := range strings.Split(trimmed, ",") {
		if strings.TrimSpace(allowed) == origin {
			return origin
		}
	}
	return ""
}

func parseID(w http.ResponseWriter, raw, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("malformed %s id", what), nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"error":   code,
		"message": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
