// Package pprof serves net/http/pprof on a side listener so a live process
// can be profiled without exposing anything on the transport path.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	logx "pacebot/pkg/logx"
)

// Config controls the optional debug listener. Binding to a non-loopback
// address requires Token; there is no insecure override.
type Config struct {
	Enabled bool
	Addr    string // default "127.0.0.1:6060"
	Token   string // bearer or ?token= auth
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:6060"
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log}
}

// Start brings the listener up. Idempotent; a no-op when disabled.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}
	if s.cfg.Token == "" && !isLoopback(s.cfg.Addr) {
		return errors.New("pprof: non-loopback addr requires a token")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	auth := func(h http.HandlerFunc) http.HandlerFunc { return withToken(s.cfg.Token, h) }
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", auth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))

	srv := &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: time.Minute,
		// No WriteTimeout: CPU profiles stream for their full duration.
	}
	s.ln, s.srv = ln, srv

	log := s.log
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("pprof server exited", logx.Err(err))
		}
	}()
	s.log.Info("pprof listening",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

// Apply reconfigures the listener; an addr or token change restarts it.
// Safe to call during hot reload.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.srv != nil && (!cfg.Enabled || cfg.Addr != prev.Addr || cfg.Token != prev.Token) {
		s.stopLocked(ctx)
	}
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_ = s.srv.Shutdown(sctx)
	cancel()
	_ = s.srv.Close()
	_ = s.ln.Close()
	s.srv, s.ln = nil, nil
	s.log.Info("pprof stopped")
}

func withToken(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" && got == tok {
			h(w, r)
			return
		}
		const prefix = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, prefix) &&
			strings.TrimSpace(strings.TrimPrefix(ah, prefix)) == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
