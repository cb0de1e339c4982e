package sweep

import (
	"context"
	"time"

	"inksign.org/internal/audit"
	"inksign.org/internal/envelope"
	"inksign.org/internal/notify"
	"inksign.org/internal/obs"
	"inksign.org/internal/session"
)

// DefaultInterval between expiration passes.
const DefaultInterval = time.Minute

// Sweeper periodically expires envelopes whose deadline has passed, records
// the transitions on the audit chain, and notifies subscribers.
type Sweeper struct {
	svc      envelope.Service
	stream   *notify.Stream
	chain    *audit.Chain
	sessions *session.Manager
	interval time.Duration
	now      func() time.Time
}

// New wires a sweeper. stream, chain, and sessions may be nil when the caller
// does not need the corresponding side effects.
func New(svc envelope.Service, stream *notify.Stream, chain *audit.Chain, sessions *session.Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		svc:      svc,
		stream:   stream,
		chain:    chain,
		sessions: sessions,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run sweeps on a ticker until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				obs.Logger().Printf(`{"level":"error","msg":"expiration sweep failed","err":%q}`, err.Error())
			}
		}
	}
}

// SweepOnce runs a single expiration pass and returns how many envelopes it
// expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.svc.SweepExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, env := range expired {
		obs.CountTransition(string(envelope.StatusExpired))
		obs.CountSweepExpiration()
		if s.sessions != nil {
			s.sessions.InvalidateEnvelope(env.ID)
		}
		if s.chain != nil {
			if _, err := s.chain.Append(ctx, audit.Event{
				EnvelopeID: env.ID,
				Type:       "envelope.expired",
				Actor:      "system",
				OccurredAt: now,
			}); err != nil {
				return len(expired), err
			}
		}
		if s.stream != nil {
			s.stream.Publish(notify.Event{
				EnvelopeID: env.ID,
				Status:     string(envelope.StatusExpired),
				Timestamp:  now,
			})
		}
	}
	return len(expired), nil
}
