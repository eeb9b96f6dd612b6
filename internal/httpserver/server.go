package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/EchoPBX/subpub/internal/config"
	"github.com/EchoPBX/subpub/internal/jwt"
	"github.com/EchoPBX/subpub/internal/trace"
	"github.com/EchoPBX/subpub/pkg/tracker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Bus is what the API reads from the event bus.
type Bus interface {
	Events() []string
	Subscriptions() map[string][]string
	Tracker() *tracker.Registry
}

// Server is the read-only introspection API. It never publishes.
type Server struct {
	log    *zap.Logger
	bus    Bus
	feed   *trace.Feed
	gather prometheus.Gatherer
	r      *chi.Mux

	// trace websocket keepalive
	pingEvery time.Duration
	readWait  time.Duration

	mu   sync.RWMutex
	auth *jwt.Validator
}

const (
	defaultPingEvery = 30 * time.Second
	defaultReadWait  = 60 * time.Second
	writeWait        = 10 * time.Second
)

func New(cfg *config.Config, log *zap.Logger, bus Bus, feed *trace.Feed, gather prometheus.Gatherer) (*Server, error) {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Authorization"},
	}))
	s := &Server{
		log:       log,
		bus:       bus,
		feed:      feed,
		gather:    gather,
		r:         r,
		pingEvery: defaultPingEvery,
		readWait:  defaultReadWait,
	}
	if err := s.Reload(cfg); err != nil {
		return nil, err
	}
	s.routes()
	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies the auth section of cfg. Keys are re-read; on error the old
// settings stay.
func (s *Server) Reload(cfg *config.Config) error {
	var v *jwt.Validator
	if cfg.Auth.Enabled {
		var err error
		v, err = jwt.NewValidator(cfg.Auth.JWTPublicKeys, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.auth = v
	s.mu.Unlock()
	return nil
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.gather != nil {
		s.r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}

	s.r.Get("/v1/info", s.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"name":   "subpub",
			"time":   time.Now().UTC(),
			"events": len(s.bus.Events()),
			"types":  len(s.bus.Tracker().Stats()),
		})
	}))

	s.r.Get("/v1/subscriptions", s.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.bus.Subscriptions())
	}))

	s.r.Get("/v1/instances", s.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.bus.Tracker().Stats())
	}))

	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.r.Get("/v1/trace", s.authed(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("ws upgrade failed", zap.Error(err))
			return
		}

		ch := s.feed.Subscribe()
		pingEvery, readWait := s.pingEvery, s.readWait

		// writer: push dispatch records, ping so idle watchers stay connected
		go func() {
			ping := time.NewTicker(pingEvery)
			defer func() {
				ping.Stop()
				s.feed.Unsubscribe(ch)
				_ = conn.Close()
			}()
			for {
				select {
				case rec, ok := <-ch:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteJSON(rec); err != nil {
						s.log.Debug("ws write error", zap.Error(err))
						return
					}
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						s.log.Debug("ws ping error", zap.Error(err))
						return
					}
				}
			}
		}()

		// minimal reader so pongs and client close are seen
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.feed.Unsubscribe(ch)
				return
			}
		}
	}))
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		v := s.auth
		s.mu.RUnlock()
		if v == nil {
			next(w, r)
			return
		}
		tok := r.Header.Get("Authorization")
		if tok == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		tok = strings.TrimPrefix(tok, "Bearer ")
		if _, err := v.Verify(tok); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
