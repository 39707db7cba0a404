// Package bridge wires the session supervisor, chat store persister, and HTTP
// gateway into one process lifecycle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/wabridge/internal/chatstore"
	"github.com/danmuck/wabridge/internal/config"
	"github.com/danmuck/wabridge/internal/gateway"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/whatsapp"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("bridge: invalid heartbeat interval")
	ErrNotStarted               = errors.New("bridge: service not started")
)

const defaultShutdownTimeout = 5 * time.Second

// Service runs the bridge as a standalone process.
type Service struct {
	cfg    config.Config
	dialer session.Dialer
	closer io.Closer

	chats      *chatstore.Store
	persister  *chatstore.Persister
	supervisor *session.Supervisor
	gateway    *gateway.Server
	httpServer *http.Server
	listener   net.Listener

	reconnects atomic.Uint64
}

func NewService(cfg config.Config) *Service {
	return &Service{cfg: cfg}
}

// WithDialer replaces the WhatsApp dialer. The credential store is not opened
// when a dialer is supplied.
func (s *Service) WithDialer(d session.Dialer) *Service {
	s.dialer = d
	return s
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Start loads persisted state, opens the credential store, and binds the
// listen address. Any failure here is fatal for the process.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Session.HeartbeatInterval.Duration <= 0 {
		return ErrInvalidHeartbeatInterval
	}

	s.chats = chatstore.New(s.cfg.Store.MaxMessagesPerChat)
	if s.cfg.Store.Enabled {
		if err := s.chats.Load(s.cfg.Store.Path); err != nil {
			return err
		}
		s.persister = chatstore.NewPersister(s.chats, s.cfg.Store.Path, s.cfg.Store.FlushInterval.Duration)
		log.Info().
			Str("path", s.cfg.Store.Path).
			Int("chats", len(s.chats.Chats())).
			Msg("bridge.Service.Start message store loaded")
	}

	if s.dialer == nil {
		if err := os.MkdirAll(s.cfg.Session.AuthDir, 0o700); err != nil {
			return fmt.Errorf("bridge: create auth dir: %w", err)
		}
		wa, err := whatsapp.Open(ctx, whatsapp.Options{
			CredentialsPath:    s.cfg.CredentialsPath(),
			FetchLatestVersion: s.cfg.Session.FetchLatestVersion,
			PrintQR:            s.cfg.Session.PrintQR,
			RetryCacheTTL:      s.cfg.Session.RetryCacheTTL.Duration,
		}, s.chats)
		if err != nil {
			return err
		}
		s.dialer = wa
		s.closer = wa
	}

	s.supervisor = session.NewSupervisor(sessionConfig(s.cfg.Session), s.dialer, session.Hooks{
		OnEvent: s.onEvent,
		OnState: s.onState,
	})

	var history gateway.History
	if s.cfg.Store.Enabled {
		history = s.chats
	}
	s.gateway = gateway.New(gateway.Options{
		CORSOrigins:       s.cfg.HTTP.CORSOrigins,
		TrustedProxies:    s.cfg.HTTP.TrustedProxies,
		APIToken:          s.cfg.HTTP.APIToken,
		AdminToken:        s.cfg.HTTP.AdminToken,
		VerboseRequestLog: s.cfg.HTTP.VerboseRequestLog,
		LogMessageContent: s.cfg.HTTP.LogMessageContent,
		ExposeSendErrors:  s.cfg.HTTP.ExposeSendErrors,
		RateLimit:         s.cfg.HTTP.RateLimit,
		RateBurst:         s.cfg.HTTP.RateBurst,
	}, s.supervisor, history)

	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		s.closeDialer()
		return fmt.Errorf("bridge: listen %s: %w", s.cfg.ListenAddr(), err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("bridge.Service.Start listening")
	return nil
}

// Serve runs every component until ctx is cancelled or one of them fails.
func (s *Service) Serve(ctx context.Context) error {
	if s.supervisor == nil || s.listener == nil {
		return ErrNotStarted
	}
	defer s.closeDialer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.supervisor.Run(gctx)
	})
	if s.persister != nil {
		g.Go(func() error {
			return s.persister.Run(gctx)
		})
	}
	g.Go(func() error {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge: http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.HTTP.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("bridge.Service.Serve http shutdown")
		}
		return nil
	})
	g.Go(func() error {
		s.heartbeat(gctx)
		return nil
	})

	err := g.Wait()
	log.Info().Err(err).Msg("bridge.Service.Serve stopped")
	return err
}

// Addr is the bound listen address; empty before Start.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) Supervisor() *session.Supervisor {
	return s.supervisor
}

func (s *Service) Chats() *chatstore.Store {
	return s.chats
}

func (s *Service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Session.HeartbeatInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.supervisor.Status()
			log.Info().
				Str("state", string(st.State)).
				Bool("ready", st.Ready).
				Int("attempts", st.Attempts).
				Uint64("reconnects", st.Reconnects).
				Int("pending_sends", len(st.PendingSends)).
				Msg("bridge.Service heartbeat")
		}
	}
}

func (s *Service) onEvent(ev session.Event) {
	observability.RecordSessionEvent(ev.Kind.String())
}

func (s *Service) onState(st session.Status) {
	observability.SetSessionState(string(st.State), stateLabels, st.Ready)
	for {
		seen := s.reconnects.Load()
		if st.Reconnects <= seen {
			return
		}
		if s.reconnects.CompareAndSwap(seen, st.Reconnects) {
			for i := seen; i < st.Reconnects; i++ {
				observability.RecordReconnect()
			}
			return
		}
	}
}

func (s *Service) closeDialer() {
	if s.closer == nil {
		return
	}
	if err := s.closer.Close(); err != nil {
		log.Warn().Err(err).Msg("bridge.Service credential store close")
	}
	s.closer = nil
}

var stateLabels = func() []string {
	out := make([]string, 0, len(session.AllStates))
	for _, st := range session.AllStates {
		out = append(out, string(st))
	}
	return out
}()

func sessionConfig(c config.SessionConfig) session.Config {
	return session.Config{
		ConnectTimeout:       c.ConnectTimeout.Duration,
		SendTimeout:          c.SendTimeout.Duration,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		Backoff: session.BackoffConfig{
			InitialDelay: c.Backoff.InitialDelay.Duration,
			Multiplier:   c.Backoff.Multiplier,
			MaxDelay:     c.Backoff.MaxDelay.Duration,
			Jitter:       c.Backoff.Jitter,
		},
	}
}
