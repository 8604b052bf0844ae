package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qqqwwwyeee-boop/server5/internal/lifecycle"
	"github.com/qqqwwwyeee-boop/server5/internal/model"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func activate(months int) Mutator {
	return func(*model.LicenseKey) (*model.LicenseKey, error) {
		return lifecycle.NewKey("ignored", months, t0), nil
	}
}

func existing(apply func(k *model.LicenseKey)) Mutator {
	return func(cur *model.LicenseKey) (*model.LicenseKey, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		apply(cur)
		return cur, nil
	}
}

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "NOPE")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("upsert creates and normalizes key", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.Upsert(ctx, "abc123", activate(1))
		require.NoError(t, err)
		assert.Equal(t, "ABC123", rec.Key)

		got, err := s.Get(ctx, "Abc123")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, got.Status)
		assert.Equal(t, rec.Expiry.String(), got.Expiry.String())
		assert.True(t, got.ActivatedAt.Equal(t0))
	})

	t.Run("mutator error aborts without write", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, "K1", activate(1))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.Upsert(ctx, "K1", func(cur *model.LicenseKey) (*model.LicenseKey, error) {
			cur.Status = model.StatusInactive
			return nil, boom
		})
		assert.Equal(t, boom, err)

		got, err := s.Get(ctx, "K1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, got.Status)
	})

	t.Run("missing key through mutator", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, "GHOST", existing(lifecycle.Deactivate))
		assert.True(t, errors.Is(err, ErrNotFound))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.TotalKeys)
	})

	t.Run("nil result skips write", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, "K1", activate(0))
		require.NoError(t, err)

		rec, err := s.Upsert(ctx, "K1", func(*model.LicenseKey) (*model.LicenseKey, error) { return nil, nil })
		require.NoError(t, err)
		assert.True(t, rec.Expiry.Permanent)

		_, err = s.Upsert(ctx, "K2", func(*model.LicenseKey) (*model.LicenseKey, error) { return nil, nil })
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("invalid transition rejected", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, "K1", activate(1))
		require.NoError(t, err)

		_, err = s.Upsert(ctx, "K1", existing(func(k *model.LicenseKey) {
			k.Status = model.StatusSuspended // without resume time
		}))
		assert.True(t, errors.Is(err, model.ErrMalformedRecord))

		got, err := s.Get(ctx, "K1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, got.Status)
	})

	t.Run("binding round trip and overwrite clears it", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, "K1", activate(1))
		require.NoError(t, err)

		fp := lifecycle.Fingerprint{DeviceID: "dev", FilePath: `C:\EA\tool.ex5`, FileHash: "f00d"}
		_, err = s.Upsert(ctx, "K1", existing(func(k *model.LicenseKey) {
			lifecycle.CaptureBinding(k, fp, t0.Add(time.Hour))
		}))
		require.NoError(t, err)

		got, err := s.Get(ctx, "K1")
		require.NoError(t, err)
		require.NotNil(t, got.Binding)
		assert.Equal(t, model.Binding{DeviceID: "dev", FilePath: `C:\EA\tool.ex5`, FileHash: "f00d"}, *got.Binding)
		require.NotNil(t, got.FirstUseAt)

		_, err = s.Upsert(ctx, "K1", activate(2))
		require.NoError(t, err)
		got, err = s.Get(ctx, "K1")
		require.NoError(t, err)
		assert.Nil(t, got.Binding)
		assert.Nil(t, got.FirstUseAt)
		assert.Equal(t, 2, got.Months)
	})

	t.Run("stats follow status changes", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"A", "B", "C", "D"} {
			_, err := s.Upsert(ctx, k, activate(1))
			require.NoError(t, err)
		}
		_, err := s.Upsert(ctx, "B", existing(func(k *model.LicenseKey) { lifecycle.Suspend(k, 2, t0) }))
		require.NoError(t, err)
		_, err = s.Upsert(ctx, "C", existing(lifecycle.Deactivate))
		require.NoError(t, err)
		// re-activating an existing key does not add to the total
		_, err = s.Upsert(ctx, "a", activate(3))
		require.NoError(t, err)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.TotalKeys)
		assert.Equal(t, int64(2), stats.ActiveKeys)
		assert.Equal(t, int64(1), stats.SuspendedKeys)
		assert.Equal(t, int64(1), stats.InactiveKeys)

		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 4)
		assert.Equal(t, lifecycle.ComputeStats(list).TotalKeys, stats.TotalKeys)
	})

	t.Run("concurrent updates on one key are not lost", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, "HOT", activate(1))
		require.NoError(t, err)

		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Upsert(ctx, "HOT", existing(func(k *model.LicenseKey) { lifecycle.Extend(k, 1) }))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, "HOT")
		require.NoError(t, err)
		assert.Equal(t, 1+workers, got.Months)
		assert.True(t, lifecycle.AddMonths(t0, 1+workers).Equal(got.Expiry.Time))
	})

	t.Run("concurrent first use binds exactly one device", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Upsert(ctx, "RACE", activate(1))
		require.NoError(t, err)

		const devices = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := 0; i < devices; i++ {
			dev := fmt.Sprintf("dev-%d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				var captured bool
				_, err := s.Upsert(ctx, "RACE", func(cur *model.LicenseKey) (*model.LicenseKey, error) {
					captured = lifecycle.CaptureBinding(cur, lifecycle.Fingerprint{DeviceID: dev}, t0)
					if !captured {
						return nil, nil
					}
					return cur, nil
				})
				assert.NoError(t, err)
				if captured {
					mu.Lock()
					winners = append(winners, dev)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, winners, 1)
		got, err := s.Get(ctx, "RACE")
		require.NoError(t, err)
		assert.Equal(t, winners[0], got.Binding.DeviceID)
	})

	t.Run("stats stay consistent across disjoint keys", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			key := fmt.Sprintf("KEY%d", i)
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Upsert(ctx, key, activate(i%3))
				assert.NoError(t, err)
				switch i % 3 {
				case 1:
					_, err = s.Upsert(ctx, key, existing(func(k *model.LicenseKey) { lifecycle.Suspend(k, 1, t0) }))
				case 2:
					_, err = s.Upsert(ctx, key, existing(lifecycle.Deactivate))
				}
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.Stats{TotalKeys: 12, ActiveKeys: 4, SuspendedKeys: 4, InactiveKeys: 4}, withoutMeta(stats))
	})
}

func withoutMeta(s model.Stats) model.Stats {
	s.ID = 0
	s.UpdatedAt = time.Time{}
	return s
}
