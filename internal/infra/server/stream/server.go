// Package stream exposes merged output to live websocket followers.
package stream

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/logmerge/internal/domain/schema"
	"github.com/coachpo/logmerge/internal/infra/bus/entrybus"
	"github.com/coachpo/logmerge/internal/infra/filter"
	"github.com/coachpo/logmerge/internal/observability"
)

const (
	healthPath = "/healthz"
	streamPath = "/stream"

	defaultWriteTimeout = 5 * time.Second
	closeReasonComplete = "merge complete"
)

// Frame is the JSON message written for every entry.
type Frame struct {
	Seq    int64             `json:"seq"`
	TS     time.Time         `json:"ts"`
	Msg    string            `json:"msg"`
	Fields map[string]string `json:"fields,omitempty"`
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type server struct {
	bus          entrybus.Bus
	logger       observability.Logger
	writeTimeout time.Duration
	originHosts  []string

	followers atomic.Int64
}

// Option customises the handler.
type Option func(*server)

// WithLogger overrides the process logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWriteTimeout bounds each websocket frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithOriginPatterns restricts cross-origin websocket upgrades. The default accepts any origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *server) {
		s.originHosts = append([]string(nil), patterns...)
	}
}

// NewHandler serves /healthz and /stream for the given bus.
func NewHandler(bus entrybus.Bus, opts ...Option) http.Handler {
	s := &server{
		bus:          bus,
		logger:       observability.Log(),
		writeTimeout: defaultWriteTimeout,
		originHosts:  []string{"*"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	mux := http.NewServeMux()
	mux.Handle(healthPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.health,
	}))
	mux.Handle(streamPath, methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.follow,
	}))
	return withCORS(mux)
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"followers": s.followers.Load(),
	})
}

// follow upgrades the request and forwards entries until the bus closes or the client leaves.
// An optional ?filter= expression narrows the stream with the same predicate language as the sink
// filter.
func (s *server) follow(w http.ResponseWriter, r *http.Request) {
	var predicate *filter.Predicate
	if expr := strings.TrimSpace(r.URL.Query().Get("filter")); expr != "" {
		p, err := filter.Compile("stream.filter", expr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		predicate = p
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originHosts})
	if err != nil {
		s.logger.Error("stream: websocket accept failed", observability.F("error", err))
		return
	}
	defer conn.CloseNow()

	// Followers never send; CloseRead handles control frames and ends ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	id, entries, err := s.bus.Subscribe(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "stream unavailable")
		return
	}
	defer s.bus.Unsubscribe(id)

	s.followers.Add(1)
	defer s.followers.Add(-1)
	s.logger.Debug("stream: follower attached", observability.F("subscription", string(id)))

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, closeReasonComplete)
				return
			}
			if predicate != nil {
				keep, err := predicate.Match(entry)
				if err != nil {
					_ = conn.Close(websocket.StatusInternalError, "filter failed")
					return
				}
				if !keep {
					continue
				}
			}
			seq++
			if err := s.write(ctx, conn, seq, entry); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("stream: follower write failed", observability.F("error", err))
				}
				return
			}
		}
	}
}

func (s *server) write(ctx context.Context, conn *websocket.Conn, seq int64, entry schema.LogEntry) error {
	payload, err := json.Marshal(Frame{Seq: seq, TS: entry.Timestamp, Msg: entry.Message, Fields: entry.Fields})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

func methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
