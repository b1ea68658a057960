// Package session is the realtime edge of the editor: it upgrades
// /ws/document/{id} connections, admits them against the auth verifier and
// permission oracle, and pumps binary CRDT frames between the client and
// the document's replica.
package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"inkwell/editor/internal/auth"
	"inkwell/editor/internal/crdt"
	"inkwell/editor/internal/registry"
	"inkwell/editor/internal/store"
)

// Frame type bytes on the collaborative wire. Every data message is binary
// with a one-byte type prefix.
const (
	frameSync      byte = 0x00
	frameAwareness byte = 0x01
)

// Application close codes, alongside the RFC 6455 set.
const (
	closeUnauthenticated  = 4401
	closeForbidden        = 4403
	closeDocumentNotFound = 4404
)

const (
	authBudget     = 5 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 10 << 20
)

// TokenVerifier admits bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Claims, error)
}

// Access answers permission questions for a user on a document.
type Access interface {
	CanRead(ctx context.Context, userID, documentID uuid.UUID) (bool, error)
	CanWrite(ctx context.Context, userID, documentID uuid.UUID) (bool, error)
}

// DocumentDirectory resolves whether a document exists at all; permission
// checks deliberately fold missing documents into plain denial, but the
// wire distinguishes 4404 from 4403.
type DocumentDirectory interface {
	DocumentAccess(ctx context.Context, documentID uuid.UUID) (store.DocumentAccess, error)
}

type Options struct {
	// AllowedOrigins is a comma separated list; "*" allows any origin.
	AllowedOrigins string
	// PingInterval is the server ping cadence; a client silent for two
	// intervals is disconnected.
	PingInterval time.Duration
}

// Server owns the WebSocket listener surface. One Server serves many
// documents; per-document state lives in the registry.
type Server struct {
	verifier     TokenVerifier
	access       Access
	docs         DocumentDirectory
	registry     *registry.Registry
	upgrader     websocket.Upgrader
	pingInterval time.Duration

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func NewServer(verifier TokenVerifier, access Access, docs DocumentDirectory, reg *registry.Registry, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.AllowedOrigins == "" {
		opts.AllowedOrigins = "*"
	}
	return &Server{
		verifier: verifier,
		access:   access,
		docs:     docs,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		pingInterval: opts.PingInterval,
		conns:        make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// ActiveConnections reports how many sessions are currently attached.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops admissions, tells every client the server is going away
// and waits for sessions to drain until ctx expires, then force-closes
// the stragglers. Final replica stores are the registry's job.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	goingAway := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, goingAway, deadline)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.ActiveConnections() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for c := range s.conns {
				_ = c.Close()
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if r.Method != http.MethodGet || len(parts) != 3 || parts[0] != "ws" || parts[1] != "document" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "unknown path"})
		return
	}
	documentID, err := uuid.Parse(parts[2])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation_error", "message": "malformed document id"})
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "server_error", "message": "server is shutting down"})
		return
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized", "message": "missing authentication token"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	s.serve(r.Context(), conn, documentID, token)
}

// serve runs one session to completion. Rejections after the upgrade are
// WebSocket close codes, which is what collaborative clients act on.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, documentID uuid.UUID, token string) {
	defer conn.Close()

	authCtx, cancel := context.WithTimeout(ctx, authBudget)
	claims, err := s.verifier.Verify(authCtx, token)
	if err != nil {
		cancel()
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrRevokedToken) {
			closeWith(conn, closeUnauthenticated, "authentication failed")
		} else {
			log.Printf("session: verify token: %v", err)
			closeWith(conn, websocket.CloseInternalServerErr, "authentication unavailable")
		}
		return
	}

	access, err := s.docs.DocumentAccess(authCtx, documentID)
	if err != nil {
		cancel()
		if errors.Is(err, sql.ErrNoRows) {
			closeWith(conn, closeDocumentNotFound, "document not found")
		} else {
			log.Printf("session: lookup document=%s: %v", documentID, err)
			closeWith(conn, websocket.CloseInternalServerErr, "document lookup failed")
		}
		return
	}
	if access.IsDeleted {
		cancel()
		closeWith(conn, closeDocumentNotFound, "document not found")
		return
	}

	canRead, err := s.access.CanRead(authCtx, claims.UserID, documentID)
	if err != nil {
		cancel()
		log.Printf("session: authorize user=%s document=%s: %v", claims.UserID, documentID, err)
		closeWith(conn, websocket.CloseInternalServerErr, "authorization unavailable")
		return
	}
	if !canRead {
		cancel()
		closeWith(conn, closeForbidden, "access denied")
		return
	}

	// Write capability is fixed at admission; permission changes apply on
	// the next connect.
	canWrite, err := s.access.CanWrite(authCtx, claims.UserID, documentID)
	cancel()
	if err != nil {
		log.Printf("session: authorize user=%s document=%s: %v", claims.UserID, documentID, err)
		closeWith(conn, websocket.CloseInternalServerErr, "authorization unavailable")
		return
	}

	s.admit(ctx, conn, documentID, claims, canWrite)
}

// newClientID labels a connection for registry bookkeeping and log
// correlation.
func newClientID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "conn_" + hex.EncodeToString(b)
}

func (s *Server) admit(ctx context.Context, conn *websocket.Conn, documentID uuid.UUID, claims auth.Claims, canWrite bool) {
	clientID := newClientID()
	replica, err := s.registry.Acquire(ctx, documentID, clientID)
	if err != nil {
		if errors.Is(err, registry.ErrShuttingDown) {
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		} else {
			log.Printf("session: acquire document=%s: %v", documentID, err)
			closeWith(conn, websocket.CloseInternalServerErr, "document unavailable")
		}
		return
	}
	defer s.registry.Release(documentID, clientID)

	if !s.track(conn) {
		closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)

	log.Printf("session: client=%s user=%s document=%s connected", clientID, claims.UserID, documentID)
	defer log.Printf("session: client=%s document=%s disconnected", clientID, documentID)

	// Initial full state, then the awareness already present on the
	// document. Written before the pump starts so the connection has a
	// single writer; anything broadcast meanwhile waits in the queue, and
	// a double-delivered update is harmless to merge.
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{frameSync}, replica.Encode()...)); err != nil {
		return
	}
	for id, state := range replica.AwarenessStates() {
		if id == clientID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{frameAwareness}, state...)); err != nil {
			return
		}
	}

	done := make(chan struct{})
	defer close(done)
	go s.writePump(conn, replica.Frames(clientID), done)

	s.readLoop(ctx, conn, replica, clientID, canWrite)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, replica *registry.Replica, clientID string, canWrite bool) {
	pongWait := 2 * s.pingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		switch data[0] {
		case frameSync:
			if !canWrite {
				closeWith(conn, closeForbidden, "read-only session")
				return
			}
			if err := replica.Apply(ctx, data[1:]); err != nil {
				switch {
				case errors.Is(err, crdt.ErrCorruptUpdate):
					closeWith(conn, websocket.CloseInternalServerErr, "malformed update")
				case errors.Is(err, registry.ErrQuarantined):
					closeWith(conn, websocket.CloseInternalServerErr, "document is read-only")
				default:
					log.Printf("session: client=%s store update: %v", clientID, err)
					closeWith(conn, websocket.CloseInternalServerErr, "update not stored")
				}
				return
			}
			replica.Broadcast(clientID, data)
		case frameAwareness:
			replica.SetAwareness(clientID, data[1:])
			replica.Broadcast(clientID, data)
		default:
			// Unknown frame types are dropped, not fatal, so the protocol
			// can grow.
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, frames <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case frame, ok := <-frames:
			if !ok {
				// The replica dropped this client for backpressure, unless
				// the session is already on its way out.
				select {
				case <-done:
				default:
					closeWith(conn, websocket.CloseInternalServerErr, "client too slow")
				}
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// track registers a live connection; it fails when the server has begun
// shutting down so no session starts after the 1001 sweep.
func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func originChecker(allowed string) func(*http.Request) bool {
	origins := strings.Split(allowed, ",")
	return func(r *http.Request) bool {
		if origins[0] == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, o := range origins {
			if strings.TrimSpace(o) == origin {
				return true
			}
		}
		return false
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	return parts
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
