// Package expiry evicts tracks that have not been played or looked up for
// longer than a configured time-to-live.
//
// Access times are kept in an [AccessStore], keyed by track URI and
// independent from the PCM cache itself: a track can be registered (and
// therefore expire) without ever having been cached, and a cached file
// survives until its access record expires. URIs outlive the process, so a
// persistent store still finds the cached files of tracks accessed before a
// restart. A [Scheduler] sweeps the store on a cron schedule, hands expired
// URIs to an [Evictor] and announces them in one batched [Notifier] call.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxstream/internal/observe"
	"github.com/MrWong99/voxstream/internal/track"
)

// DefaultSchedule sweeps every six hours on the hour.
const DefaultSchedule = "0 */6 * * *"

// Default time-to-live values. The longer TTL is used when the server runs in
// single-guild high-quality mode where the same small library is replayed.
const (
	DefaultTTL     = 48 * time.Hour
	HighQualityTTL = 7 * 24 * time.Hour
)

// AccessStore persists the last access time per track URI. Implementations
// must be safe for concurrent use.
type AccessStore interface {
	// Touch records at as the last access time of uri.
	Touch(ctx context.Context, uri string, at time.Time) error

	// Stale returns every URI whose last access is strictly before cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]string, error)

	// Remove deletes the records for uris. Unknown URIs are ignored.
	Remove(ctx context.Context, uris ...string) error

	// Len returns the number of tracked URIs.
	Len(ctx context.Context) (int, error)
}

// Expired is one sweep's batch.
type Expired struct {
	// URIs are the expired records in ascending order.
	URIs []string

	// TrackIDs are the registry handles the [Evictor] released for them.
	// URIs registered by an earlier process have none.
	TrackIDs []track.ID
}

// Evictor releases everything held for expired URIs: registry entries, query
// cache entries and cached PCM files. It returns the track ids it released.
type Evictor interface {
	Evict(ctx context.Context, uris []string) []track.ID
}

// Notifier announces a batch of expired tracks, e.g. to connected clients.
type Notifier interface {
	NotifyExpired(ctx context.Context, batch Expired)
}

// EvictorFunc adapts a function to [Evictor].
type EvictorFunc func(ctx context.Context, uris []string) []track.ID

// Evict implements [Evictor].
func (f EvictorFunc) Evict(ctx context.Context, uris []string) []track.ID { return f(ctx, uris) }

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(ctx context.Context, batch Expired)

// NotifyExpired implements [Notifier].
func (f NotifierFunc) NotifyExpired(ctx context.Context, batch Expired) { f(ctx, batch) }

// Config configures a [Scheduler].
type Config struct {
	// TTL is the maximum idle time before a track expires. Zero expires every
	// record older than the sweep instant; a negative value is rejected.
	// Callers normally pass [DefaultTTL] or [HighQualityTTL].
	TTL time.Duration

	// Schedule is a cron expression for [Scheduler.Run]. Empty selects
	// [DefaultSchedule].
	Schedule string

	// Store holds access times. Nil selects an in-memory store.
	Store AccessStore

	Evictor  Evictor
	Notifier Notifier

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Scheduler marks accesses and sweeps expired tracks.
type Scheduler struct {
	ttl      time.Duration
	schedule *cronexpr.Expression
	store    AccessStore
	evictor  Evictor
	notifier Notifier
	now      func() time.Time

	// sweepMu serialises sweeps so that a URI is evicted and announced once.
	sweepMu sync.Mutex
}

// New creates a Scheduler. It fails on an invalid cron expression.
func New(cfg Config) (*Scheduler, error) {
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("expiry: ttl must not be negative, got %s", cfg.TTL)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	expr, err := cronexpr.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("expiry: parse schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		ttl:      cfg.TTL,
		schedule: expr,
		store:    cfg.Store,
		evictor:  cfg.Evictor,
		notifier: cfg.Notifier,
		now:      cfg.Now,
	}, nil
}

// TTL returns the configured time-to-live.
func (s *Scheduler) TTL() time.Duration { return s.ttl }

// Store returns the access store.
func (s *Scheduler) Store() AccessStore { return s.store }

// MarkAccessed records that uri was used now. It implements
// [track.AccessMarker].
func (s *Scheduler) MarkAccessed(ctx context.Context, uri string) error {
	if err := s.store.Touch(ctx, uri, s.now()); err != nil {
		return fmt.Errorf("expiry: mark %q: %w", uri, err)
	}
	return nil
}

// Sweep evicts every URI idle for longer than the TTL and returns the batch.
// A second sweep without new accesses evicts nothing.
func (s *Scheduler) Sweep(ctx context.Context) (_ Expired, err error) {
	ctx, span := observe.StartSpan(ctx, "expiry.sweep", attribute.String("expiry.ttl", s.ttl.String()))
	defer func() { observe.EndSpan(span, err) }()

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	uris, err := s.store.Stale(ctx, cutoff)
	if err != nil {
		return Expired{}, fmt.Errorf("expiry: list stale: %w", err)
	}
	if len(uris) == 0 {
		slog.Debug("expiry: sweep found nothing to evict")
		return Expired{}, nil
	}
	sort.Strings(uris)
	span.SetAttributes(attribute.Int("expiry.evicted", len(uris)))

	if err := s.store.Remove(ctx, uris...); err != nil {
		return Expired{}, fmt.Errorf("expiry: remove records: %w", err)
	}
	batch := Expired{URIs: uris}
	if s.evictor != nil {
		batch.TrackIDs = s.evictor.Evict(ctx, uris)
	}
	if s.notifier != nil {
		s.notifier.NotifyExpired(ctx, batch)
	}
	slog.Info("expiry: evicted tracks", "count", len(uris), "registered", len(batch.TrackIDs), "ttl", s.ttl)
	return batch, nil
}

// Next returns the next scheduled sweep after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run sweeps on the cron schedule until ctx is cancelled. Sweep errors are
// logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.now()
		next := s.schedule.Next(now)
		if next.IsZero() {
			return errors.New("expiry: schedule has no future activation")
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := s.Sweep(ctx); err != nil {
			slog.Warn("expiry: sweep failed", "err", err)
		}
	}
}

// MemoryStore is an in-process [AccessStore].
type MemoryStore struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[string]time.Time)}
}

// Touch implements [AccessStore].
func (m *MemoryStore) Touch(_ context.Context, uri string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[uri] = at
	return nil
}

// Stale implements [AccessStore].
func (m *MemoryStore) Stale(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uris []string
	for uri, at := range m.last {
		if at.Before(cutoff) {
			uris = append(uris, uri)
		}
	}
	return uris, nil
}

// Remove implements [AccessStore].
func (m *MemoryStore) Remove(_ context.Context, uris ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uri := range uris {
		delete(m.last, uri)
	}
	return nil
}

// Len implements [AccessStore].
func (m *MemoryStore) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.last), nil
}
