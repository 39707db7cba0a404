package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrDialerRequired = errors.New("session: dialer required")
	ErrNoSession      = errors.New("session: not initialized")
	ErrNotReady       = errors.New("session: not ready")
	ErrSendFailed     = errors.New("session: send failed")

	errDialSuperseded = errors.New("session: dial superseded")
)

// Hooks are optional observers. They run outside the supervisor lock.
type Hooks struct {
	OnEvent func(Event)
	OnState func(Status)
}

// Supervisor owns the single session handle and keeps it connected.
type Supervisor struct {
	cfg    Config
	dialer Dialer
	hooks  Hooks
	rng    *rand.Rand
	ledger *SendLedger
	seq    atomic.Uint64
	kick   chan struct{}

	mu          sync.RWMutex
	conn        Conn
	established bool
	pending     bool
	gen         uint64
	lost        chan Event
	state       State
	ready       bool
	attempts    int
	reconnects  uint64
	lastErr     string
	connectedAt time.Time
	changedAt   time.Time
}

func NewSupervisor(cfg Config, dialer Dialer, hooks Hooks) *Supervisor {
	return &Supervisor{
		cfg:       cfg.WithDefaults(),
		dialer:    dialer,
		hooks:     hooks,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		ledger:    NewSendLedger(),
		kick:      make(chan struct{}, 1),
		state:     StateIdle,
		changedAt: time.Now(),
	}
}

// Run dials and redials until ctx is cancelled. Terminal states park the loop
// until Reconnect is called.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.dialer == nil {
		return ErrDialerRequired
	}
	defer s.teardown()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.State().Terminal() {
			if !s.awaitReconnect(ctx) {
				return nil
			}
			continue
		}

		lost, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.recordFailure(err.Error())
			if !s.backoff(ctx) {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
			log.Info().Msg("session.Supervisor.Run reconnect requested")
			s.markDisconnected("reconnect requested")
			continue
		case ev := <-lost:
			if _, terminal := ev.terminalState(); terminal {
				log.Error().
					Str("event", ev.Kind.String()).
					Str("reason", ev.Reason).
					Msg("session.Supervisor.Run session ended; not redialing until reconnect")
				continue
			}
			log.Warn().Str("reason", ev.Reason).Msg("session.Supervisor.Run session lost")
			s.recordFailure(ev.Reason)
			if !s.backoff(ctx) {
				return nil
			}
		}
	}
}

// Send forwards text to the current handle. It fails fast when no handle
// exists or the handle is not ready; nothing is queued.
func (s *Supervisor) Send(ctx context.Context, to string, text string) (Receipt, error) {
	s.mu.RLock()
	conn := s.conn
	ready := s.ready
	established := s.established
	s.mu.RUnlock()

	if !established {
		return Receipt{}, ErrNoSession
	}
	if conn == nil || !ready {
		return Receipt{}, ErrNotReady
	}

	id := fmt.Sprintf("send.%d", s.seq.Add(1))
	s.ledger.Begin(PendingSend{ID: id, To: to, QueuedAt: time.Now()})
	defer s.ledger.Finish(id)

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	receipt, err := conn.SendText(sendCtx, to, text)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if receipt.To == "" {
		receipt.To = to
	}
	return receipt, nil
}

// Reconnect clears a terminal state and the attempt counter, then asks the
// loop to redial. A ready session is dropped and redialed.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	s.attempts = 0
	var status Status
	changed := false
	if s.state.Terminal() {
		s.setStateLocked(StateIdle, "")
		status = s.statusLocked()
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notifyState(status)
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Supervisor) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// HasSession reports whether a handle has ever been created and not torn down.
// It stays true while a replacement handle is being dialed.
func (s *Supervisor) HasSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.established
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

// dial closes the current handle before opening the next one, so at most one
// handle is ever live. A connected event that arrives before Dial returns is
// held until the new handle is installed.
func (s *Supervisor) dial(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	lost := make(chan Event, 1)
	s.lost = lost
	prev := s.conn
	s.conn = nil
	s.pending = false
	s.ready = false
	s.setStateLocked(StateConnecting, "")
	status := s.statusLocked()
	s.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			log.Debug().Err(err).Msg("session.Supervisor.dial close replaced handle")
		}
	}
	s.notifyState(status)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	log.Info().Uint64("generation", gen).Msg("session.Supervisor.dial start")
	conn, err := s.dialer.Dial(dialCtx, func(ev Event) {
		s.handleEvent(gen, ev)
	})
	if err != nil {
		log.Warn().Uint64("generation", gen).Err(err).Msg("session.Supervisor.dial failed")
		return nil, err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("session.Supervisor.dial close superseded handle")
		}
		return nil, errDialSuperseded
	}
	s.conn = conn
	s.established = true
	if gen > 1 {
		s.reconnects++
	}
	if s.pending {
		s.pending = false
		s.markReadyLocked()
	}
	status = s.statusLocked()
	s.mu.Unlock()
	s.notifyState(status)
	return lost, nil
}

func (s *Supervisor) markReadyLocked() {
	s.ready = true
	s.attempts = 0
	s.lastErr = ""
	s.connectedAt = time.Now()
	s.setStateLocked(StateReady, "")
}

func (s *Supervisor) handleEvent(gen uint64, ev Event) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		log.Debug().
			Uint64("generation", gen).
			Str("event", ev.Kind.String()).
			Msg("session.Supervisor.handleEvent ignored stale event")
		return
	}
	changed := true
	switch ev.Kind {
	case EventConnected:
		if s.conn == nil {
			s.pending = true
			changed = false
			break
		}
		s.markReadyLocked()
	case EventDisconnected:
		s.pending = false
		s.ready = false
		s.setStateLocked(StateDisconnected, ev.Reason)
	case EventLoggedOut, EventReplaced, EventRejected:
		s.pending = false
		s.ready = false
		state, _ := ev.terminalState()
		s.setStateLocked(state, ev.Reason)
	default:
		changed = false
	}
	lost := s.lost
	status := s.statusLocked()
	s.mu.Unlock()

	if s.hooks.OnEvent != nil {
		s.hooks.OnEvent(ev)
	}
	switch ev.Kind {
	case EventConnected:
		log.Info().Uint64("generation", gen).Msg("session.Supervisor connection established")
	case EventCredentialsUpdated:
		log.Info().Str("reason", ev.Reason).Msg("session.Supervisor credentials updated")
	}
	if changed {
		s.notifyState(status)
	}
	if ev.endsSession() {
		select {
		case lost <- ev:
		default:
		}
	}
}

// recordFailure counts one failed attempt and enters StateFailed once the
// configured bound is reached.
func (s *Supervisor) recordFailure(reason string) {
	s.mu.Lock()
	s.attempts++
	s.lastErr = reason
	s.ready = false
	if s.cfg.MaxReconnectAttempts > 0 && s.attempts >= s.cfg.MaxReconnectAttempts {
		s.setStateLocked(StateFailed, reason)
		log.Error().
			Int("attempts", s.attempts).
			Str("reason", reason).
			Msg("session.Supervisor reconnect attempts exhausted")
	} else if !s.state.Terminal() {
		s.setStateLocked(StateDisconnected, reason)
	}
	status := s.statusLocked()
	s.mu.Unlock()
	s.notifyState(status)
}

// backoff waits before the next attempt. It returns false when ctx is done.
// A Reconnect call cuts the wait short.
func (s *Supervisor) backoff(ctx context.Context) bool {
	s.mu.RLock()
	attempt := s.attempts
	terminal := s.state.Terminal()
	s.mu.RUnlock()
	if terminal {
		return true
	}

	delay := s.cfg.Backoff.Delay(attempt, s.rng)
	log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("session.Supervisor.backoff redial scheduled")
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) awaitReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.kick:
		return true
	}
}

func (s *Supervisor) markDisconnected(reason string) {
	s.mu.Lock()
	s.ready = false
	s.setStateLocked(StateDisconnected, reason)
	status := s.statusLocked()
	s.mu.Unlock()
	s.notifyState(status)
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.established = false
	s.pending = false
	s.ready = false
	s.gen++
	s.setStateLocked(StateIdle, "")
	status := s.statusLocked()
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("session.Supervisor.teardown close handle")
		}
	}
	s.notifyState(status)
}

func (s *Supervisor) setStateLocked(state State, reason string) {
	if reason != "" {
		s.lastErr = reason
	}
	if s.state == state {
		return
	}
	s.state = state
	s.changedAt = time.Now()
}

func (s *Supervisor) statusLocked() Status {
	return Status{
		State:        s.state,
		Ready:        s.ready,
		HasSession:   s.established,
		Generation:   s.gen,
		Attempts:     s.attempts,
		Reconnects:   s.reconnects,
		LastError:    s.lastErr,
		ConnectedAt:  s.connectedAt,
		ChangedAt:    s.changedAt,
		PendingSends: s.ledger.List(),
	}
}

func (s *Supervisor) notifyState(status Status) {
	if s.hooks.OnState != nil {
		s.hooks.OnState(status)
	}
}
