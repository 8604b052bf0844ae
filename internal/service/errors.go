package service

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidInput = errors.New("invalid input")

// BlockedError is returned by Check when the presented fingerprint does not
// match the key's binding. It deliberately carries no status information.
type BlockedError struct {
	Key        string
	Mismatches []string
}

func (e *BlockedError) Error() string {
	return "Access denied: " + strings.Join(e.Mismatches, ", ")
}

func invalidf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}
