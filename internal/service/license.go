package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/qqqwwwyeee-boop/server5/internal/lifecycle"
	"github.com/qqqwwwyeee-boop/server5/internal/model"
	"github.com/qqqwwwyeee-boop/server5/internal/store"
)

const (
	mirrorTimeout   = 30 * time.Second
	mirrorQueueSize = 256
)

// KeyMirror receives every committed record, e.g. the sheet sync.
type KeyMirror interface {
	SyncKey(ctx context.Context, key *model.LicenseKey) error
}

// CheckObserver is told the outcome of every check.
type CheckObserver interface {
	ObserveCheck(result string)
}

// CheckResult is what a protected installation learns from a check.
type CheckResult struct {
	Found bool
	Key   *model.LicenseKey
	// Expired is advisory; the stored status is not changed by time.
	Expired  bool
	Resumed  bool
	Captured bool
}

// LicenseService applies lifecycle transitions through the store.
type LicenseService struct {
	store  store.Store
	nowFn  func() time.Time
	checks CheckObserver

	// mirror writes are applied one at a time in commit order
	mirror     KeyMirror
	mirrorMu   sync.RWMutex
	mirrorQ    chan *model.LicenseKey
	mirrorDone chan struct{}
}

type Option func(*LicenseService)

func WithClock(now func() time.Time) Option {
	return func(s *LicenseService) { s.nowFn = now }
}

func WithMirror(m KeyMirror) Option {
	return func(s *LicenseService) { s.mirror = m }
}

func WithCheckObserver(o CheckObserver) Option {
	return func(s *LicenseService) { s.checks = o }
}

func NewLicenseService(st store.Store, opts ...Option) *LicenseService {
	s := &LicenseService{store: st, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.mirror != nil {
		s.mirrorQ = make(chan *model.LicenseKey, mirrorQueueSize)
		s.mirrorDone = make(chan struct{})
		go s.runMirror(s.mirrorQ)
	}
	return s
}

// Close flushes pending mirror writes and stops the mirror worker.
func (s *LicenseService) Close() {
	s.mirrorMu.Lock()
	q := s.mirrorQ
	s.mirrorQ = nil
	s.mirrorMu.Unlock()
	if q == nil {
		return
	}
	close(q)
	<-s.mirrorDone
}

func (s *LicenseService) now() time.Time { return s.nowFn().UTC() }

// Activate creates the key or fully replaces an existing record, binding
// included. months == 0 makes the key permanent.
func (s *LicenseService) Activate(ctx context.Context, key string, months int) (*model.LicenseKey, error) {
	key = model.NormalizeKey(key)
	if key == "" {
		return nil, invalidf("empty key")
	}
	if months < 0 || months > lifecycle.MaxMonths {
		return nil, invalidf("months must be between 0 and %d, got %d", lifecycle.MaxMonths, months)
	}

	now := s.now()
	rec, err := s.store.Upsert(ctx, key, func(cur *model.LicenseKey) (*model.LicenseKey, error) {
		if cur != nil && cur.Registered() {
			log.Warn().Str("key", model.MaskKey(key)).Msg("re-activation drops existing device binding")
		}
		return lifecycle.NewKey(key, months, now), nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "activate %s", model.MaskKey(key))
	}

	log.Info().
		Str("key", model.MaskKey(rec.Key)).
		Int("months", months).
		Str("expiry", rec.Expiry.String()).
		Msg("license key activated")
	s.mirrorKey(rec)
	return rec, nil
}

func (s *LicenseService) Deactivate(ctx context.Context, key string) (*model.LicenseKey, error) {
	return s.update(ctx, "deactivate", key, lifecycle.Deactivate)
}

func (s *LicenseService) Extend(ctx context.Context, key string, months int) (*model.LicenseKey, error) {
	if months <= 0 || months > lifecycle.MaxMonths {
		return nil, invalidf("months must be between 1 and %d, got %d", lifecycle.MaxMonths, months)
	}
	return s.update(ctx, "extend", key, func(k *model.LicenseKey) {
		lifecycle.Extend(k, months)
	})
}

func (s *LicenseService) Suspend(ctx context.Context, key string, hours int) (*model.LicenseKey, error) {
	if hours <= 0 || hours > lifecycle.MaxHours {
		return nil, invalidf("hours must be between 1 and %d, got %d", lifecycle.MaxHours, hours)
	}
	now := s.now()
	return s.update(ctx, "suspend", key, func(k *model.LicenseKey) {
		lifecycle.Suspend(k, hours, now)
	})
}

func (s *LicenseService) Resume(ctx context.Context, key string) (*model.LicenseKey, error) {
	return s.update(ctx, "resume", key, lifecycle.Resume)
}

// update runs apply on an existing key; store.ErrNotFound when absent.
func (s *LicenseService) update(ctx context.Context, action, key string, apply func(k *model.LicenseKey)) (*model.LicenseKey, error) {
	key = model.NormalizeKey(key)
	rec, err := s.store.Upsert(ctx, key, func(cur *model.LicenseKey) (*model.LicenseKey, error) {
		if cur == nil {
			return nil, store.ErrNotFound
		}
		apply(cur)
		return cur, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "%s %s", action, model.MaskKey(key))
	}

	log.Info().
		Str("action", action).
		Str("key", model.MaskKey(rec.Key)).
		Str("status", string(rec.Status)).
		Str("expiry", rec.Expiry.String()).
		Msg("license key updated")
	s.mirrorKey(rec)
	return rec, nil
}

// Check validates a key for a protected installation. An elapsed suspension
// is lifted first, then an unbound active key is bound to the fingerprint,
// then the fingerprint is compared with the binding.
func (s *LicenseService) Check(ctx context.Context, key string, fp lifecycle.Fingerprint) (*CheckResult, error) {
	key = model.NormalizeKey(key)
	now := s.now()

	rec, err := s.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		s.observe(model.CheckResultNotFound)
		return &CheckResult{Found: false}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "check %s", model.MaskKey(key))
	}

	var resumed, captured bool
	if pending := rec.Clone(); transition(pending, fp, now) {
		// re-evaluate against the latest committed record
		rec, err = s.store.Upsert(ctx, key, func(cur *model.LicenseKey) (*model.LicenseKey, error) {
			if cur == nil {
				return nil, store.ErrNotFound
			}
			resumed = lifecycle.AutoResume(cur, now)
			captured = lifecycle.CaptureBinding(cur, fp, now)
			if !resumed && !captured {
				return nil, nil
			}
			return cur, nil
		})
		if errors.Is(err, store.ErrNotFound) {
			s.observe(model.CheckResultNotFound)
			return &CheckResult{Found: false}, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "check %s", model.MaskKey(key))
		}
	}

	if resumed {
		log.Info().Str("key", model.MaskKey(rec.Key)).Msg("suspension elapsed, license key resumed")
	}
	if captured {
		log.Info().Str("key", model.MaskKey(rec.Key)).Msg("license key bound to device on first use")
	}
	if resumed || captured {
		s.mirrorKey(rec)
	}

	if mismatches := lifecycle.Mismatches(rec, fp); len(mismatches) > 0 {
		log.Warn().
			Str("key", model.MaskKey(rec.Key)).
			Strs("mismatches", mismatches).
			Msg("license check blocked")
		s.observe(model.CheckResultBlocked)
		return nil, &BlockedError{Key: rec.Key, Mismatches: mismatches}
	}

	s.observe(string(rec.Status))
	return &CheckResult{
		Found:    true,
		Key:      rec,
		Expired:  lifecycle.IsExpired(rec, now),
		Resumed:  resumed,
		Captured: captured,
	}, nil
}

// transition applies the check-time transitions to k and reports whether
// anything changed.
func transition(k *model.LicenseKey, fp lifecycle.Fingerprint, now time.Time) bool {
	resumed := lifecycle.AutoResume(k, now)
	captured := lifecycle.CaptureBinding(k, fp, now)
	return resumed || captured
}

func (s *LicenseService) List(ctx context.Context) ([]*model.LicenseKey, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	return recs, nil
}

func (s *LicenseService) Stats(ctx context.Context) (model.Stats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return model.Stats{}, errors.Wrap(err, "load stats")
	}
	return stats, nil
}

func (s *LicenseService) observe(result string) {
	if s.checks != nil {
		s.checks.ObserveCheck(result)
	}
}

func (s *LicenseService) mirrorKey(rec *model.LicenseKey) {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()
	if s.mirrorQ == nil {
		return
	}
	select {
	case s.mirrorQ <- rec.Clone():
	default:
		// the next export rewrites the whole sheet
		log.Warn().Str("key", model.MaskKey(rec.Key)).Msg("mirror queue full, dropping update")
	}
}

func (s *LicenseService) runMirror(q <-chan *model.LicenseKey) {
	defer close(s.mirrorDone)
	for rec := range q {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := s.mirror.SyncKey(ctx, rec); err != nil {
			log.Warn().Err(err).Str("key", model.MaskKey(rec.Key)).Msg("failed to mirror license key")
		}
		cancel()
	}
}
