// Package store persists license records behind an atomic read-modify-write
// contract. Implementations must run each Upsert as one indivisible unit per
// key: the mutator always sees the latest committed record and either its
// whole result is committed or nothing is.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/qqqwwwyeee-boop/server5/internal/model"
)

var (
	ErrNotFound    = errors.New("license key not found")
	ErrUnavailable = errors.New("license store unavailable")
	// ErrCorrupt always travels together with ErrUnavailable.
	ErrCorrupt = errors.New("license record corrupt")
)

// Mutator computes the next record from the current one. current is a private
// copy, nil when the key does not exist. Returning a nil record skips the
// write; returning an error aborts the unit and is passed back unchanged.
type Mutator func(current *model.LicenseKey) (*model.LicenseKey, error)

type Store interface {
	Get(ctx context.Context, key string) (*model.LicenseKey, error)
	Upsert(ctx context.Context, key string, fn Mutator) (*model.LicenseKey, error)
	List(ctx context.Context) ([]*model.LicenseKey, error)
	Stats(ctx context.Context) (model.Stats, error)
	Close() error
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %w: %w", ErrUnavailable, ErrCorrupt, err)
}

// classify maps a backend error to ErrCorrupt when the stored bytes could not
// be decoded, otherwise to ErrUnavailable.
func classify(err error) error {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, model.ErrMalformedRecord), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return corrupt(err)
	default:
		return unavailable(err)
	}
}

// checkLoaded validates a record read from a backend.
func checkLoaded(rec *model.LicenseKey) (*model.LicenseKey, error) {
	if err := rec.Validate(); err != nil {
		return nil, corrupt(err)
	}
	return rec, nil
}
