package chatstore

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/wabridge/internal/observability"
)

const DefaultFlushInterval = 10 * time.Second

// Persister mirrors a Store to disk on a fixed interval.
type Persister struct {
	store    *Store
	path     string
	interval time.Duration
}

func NewPersister(store *Store, path string, interval time.Duration) *Persister {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Persister{store: store, path: path, interval: interval}
}

// Run flushes every interval until ctx is done, then flushes once more.
// Write failures are logged and retried on the next tick.
func (p *Persister) Run(ctx context.Context) error {
	log.Info().
		Str("path", p.path).
		Dur("interval", p.interval).
		Msg("chatstore.Persister.Run start")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.Flush(); err != nil {
				log.Error().Err(err).Msg("chatstore.Persister.Run final flush failed")
				return err
			}
			log.Info().Str("path", p.path).Msg("chatstore.Persister.Run stopped")
			return nil
		case <-ticker.C:
			if err := p.Flush(); err != nil {
				log.Warn().Err(err).Msg("chatstore.Persister.Run flush failed")
			}
		}
	}
}

// Flush saves the store if it changed since the last save.
func (p *Persister) Flush() error {
	if !p.store.Dirty() {
		return nil
	}
	start := time.Now()
	err := p.store.Save(p.path)
	observability.RecordSnapshot(err == nil, time.Since(start))
	if err != nil {
		return err
	}
	log.Debug().
		Str("path", p.path).
		Dur("duration", time.Since(start)).
		Msg("chatstore.Persister.Flush saved")
	return nil
}
