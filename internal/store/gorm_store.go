package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qqqwwwyeee-boop/server5/internal/lifecycle"
	"github.com/qqqwwwyeee-boop/server5/internal/model"
)

// GormStore keeps records in a SQL database. Each Upsert is one transaction;
// on servers with row locks the record and the stats row are taken FOR UPDATE.
type GormStore struct {
	db       *gorm.DB
	lockRows bool
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:       db,
		lockRows: db.Dialector.Name() != "sqlite",
	}
}

func (s *GormStore) Get(ctx context.Context, key string) (*model.LicenseKey, error) {
	return s.load(s.db.WithContext(ctx), model.NormalizeKey(key), false)
}

func (s *GormStore) load(tx *gorm.DB, key string, forUpdate bool) (*model.LicenseKey, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	if forUpdate && s.lockRows {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var rec model.LicenseKey
	err := tx.Where(&model.LicenseKey{Key: key}).Take(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, classify(err)
	}
	return checkLoaded(&rec)
}

func (s *GormStore) Upsert(ctx context.Context, key string, fn Mutator) (*model.LicenseKey, error) {
	key = model.NormalizeKey(key)
	if key == "" {
		return nil, ErrNotFound
	}

	var (
		out   *model.LicenseKey
		fnErr error
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.load(tx, key, true)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		next, err := fn(cur.Clone())
		if err != nil {
			fnErr = err
			return err
		}
		if next == nil {
			out = cur
			return nil
		}

		next.Key = key
		if err := next.Validate(); err != nil {
			fnErr = err
			return err
		}

		if cur == nil {
			err = tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(next).Error
		} else {
			if next.CreatedAt.IsZero() {
				next.CreatedAt = cur.CreatedAt
			}
			err = tx.Save(next).Error
		}
		if err != nil {
			return classify(err)
		}

		if cur == nil || cur.Status != next.Status {
			if err := s.refreshStats(tx); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		if fnErr != nil && err == fnErr {
			return nil, err
		}
		return nil, classify(err)
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out.Clone(), nil
}

// refreshStats recounts every record and rewrites the stats row inside tx.
func (s *GormStore) refreshStats(tx *gorm.DB) error {
	if s.lockRows {
		var locked model.Stats
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&locked, model.StatsRowID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return classify(err)
		}
	}

	stats, err := countStats(tx)
	if err != nil {
		return err
	}
	stats.ID = model.StatsRowID
	if err := tx.Save(&stats).Error; err != nil {
		return classify(err)
	}
	return nil
}

func countStats(tx *gorm.DB) (model.Stats, error) {
	var rows []struct {
		Status model.Status
		N      int64
	}
	err := tx.Model(&model.LicenseKey{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return model.Stats{}, classify(err)
	}

	counts := make(map[model.Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return lifecycle.StatsFromCounts(counts), nil
}

func (s *GormStore) List(ctx context.Context) ([]*model.LicenseKey, error) {
	var recs []*model.LicenseKey
	err := s.db.WithContext(ctx).Order("activated_at asc").Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).Find(&recs).Error
	if err != nil {
		return nil, classify(err)
	}
	for _, rec := range recs {
		if _, err := checkLoaded(rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (s *GormStore) Stats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats
	err := s.db.WithContext(ctx).Take(&stats, model.StatsRowID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// row lost or never seeded; the records are the source of truth
		return countStats(s.db.WithContext(ctx))
	case err != nil:
		return model.Stats{}, classify(err)
	}
	return stats, nil
}

// Close is a no-op: the database handle is shared with the audit log and
// closed by its owner.
func (s *GormStore) Close() error { return nil }
