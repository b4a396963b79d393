package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/threadsync/threadsync/internal/logging"
)

// feedBuffer bounds the events queued for one websocket subscriber. A
// subscriber that falls further behind is disconnected and resyncs.
const feedBuffer = 256

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Token, when set, is required as a bearer token on every request.
	Token string

	Logger *logging.Logger
}

// Server exposes a Store over the HTTP mapping consumed by Client.
type Server struct {
	store Store
	token string
	log   *logging.Logger
}

// NewServer creates a server backed by store.
func NewServer(store Store, cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	return &Server{
		store: store,
		token: cfg.Token,
		log:   logging.OrNop(cfg.Logger).With("component", "remote-server"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/collections/{collection}/records", s.handleList)
	mux.HandleFunc("POST /api/collections/{collection}/records", s.handleCreate)
	mux.HandleFunc("PATCH /api/collections/{collection}/records/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/collections/{collection}/records/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/collections/{collection}/feed", s.handleFeed)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.authorize(mux)
}

func (s *Server) authorize(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type listResponse struct {
	Items []json.RawMessage `json:"items"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.List(r.Context(), r.PathValue("collection"), ParseFilter(r.URL.Query()))
	if err != nil {
		s.fail(w, err)
		return
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	fields, ok := s.decodeFields(w, r)
	if !ok {
		return
	}
	id, _ := fields["id"].(string)
	if strings.TrimSpace(id) == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	rec, err := s.store.Create(r.Context(), r.PathValue("collection"), id, fields)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	fields, ok := s.decodeFields(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Update(r.Context(), r.PathValue("collection"), r.PathValue("id"), fields)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("collection"), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("feed accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// The feed is push-only; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	events := make(chan Event, feedBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	unsubscribe, err := s.store.Subscribe(ctx, collection, func(e Event) {
		select {
		case events <- e:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()

	s.log.Debug("feed client connected", "collection", collection)

	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			_ = conn.Close(websocket.StatusTryAgainLater, "feed overflow")
			return
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				s.log.Warn("failed to marshal feed event", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.log.Debug("feed write failed", "collection", collection, "error", err)
				return
			}
		}
	}
}

func (s *Server) decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return fields, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: codeNotFound})
		return
	}
	s.log.Warn("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// codeNotFound marks a 404 raised by a missing record, as opposed to an
// unknown route.
const codeNotFound = "record_not_found"

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
