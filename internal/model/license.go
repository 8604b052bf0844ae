package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrMalformedRecord is returned when a persisted record does not satisfy the
// LicenseKey invariants.
var ErrMalformedRecord = errors.New("malformed license record")

// PermanentExpiry is the wire and storage sentinel for keys that never expire.
const PermanentExpiry = "permanent"

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusInactive  Status = "inactive"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusInactive:
		return true
	}
	return false
}

func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, errors.Wrapf(ErrMalformedRecord, "status %q", string(s))
	}
	return string(s), nil
}

func (s *Status) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return errors.Wrapf(ErrMalformedRecord, "status column type %T", src)
	}
	st := Status(raw)
	if !st.Valid() {
		return errors.Wrapf(ErrMalformedRecord, "status %q", raw)
	}
	*s = st
	return nil
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return s.Scan(raw)
}

// Expiry is either an instant or the permanent sentinel.
type Expiry struct {
	Time      time.Time
	Permanent bool
}

func Permanent() Expiry { return Expiry{Permanent: true} }

func ExpiresAt(t time.Time) Expiry { return Expiry{Time: t.UTC()} }

func (e Expiry) String() string {
	if e.Permanent {
		return PermanentExpiry
	}
	return e.Time.UTC().Format(time.RFC3339)
}

// ParseExpiry accepts "permanent" or an RFC3339 timestamp.
func ParseExpiry(raw string) (Expiry, error) {
	raw = strings.TrimSpace(raw)
	if raw == PermanentExpiry {
		return Permanent(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return Expiry{}, errors.Wrapf(ErrMalformedRecord, "expiry %q", raw)
	}
	return ExpiresAt(t), nil
}

func (e Expiry) Value() (driver.Value, error) {
	if e.Permanent {
		return PermanentExpiry, nil
	}
	if e.Time.IsZero() {
		return nil, errors.Wrap(ErrMalformedRecord, "zero expiry")
	}
	return e.Time.UTC().Format(time.RFC3339Nano), nil
}

func (e *Expiry) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return errors.Wrapf(ErrMalformedRecord, "expiry column type %T", src)
	}
	parsed, err := ParseExpiry(raw)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func (e Expiry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *Expiry) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseExpiry(raw)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Binding is the fingerprint locked to a key on first use.
type Binding struct {
	DeviceID string `json:"device_id"`
	FilePath string `json:"file_path"`
	FileHash string `json:"file_hash"`
}

// LicenseKey is the lifecycle record stored per key identifier.
type LicenseKey struct {
	Key         string     `json:"key" gorm:"primaryKey;size:128"`
	Status      Status     `json:"status" gorm:"type:varchar(16);not null;index"`
	ActivatedAt time.Time  `json:"activated_at" gorm:"not null"`
	Expiry      Expiry     `json:"expiry" gorm:"type:varchar(40);not null"`
	Months      int        `json:"months" gorm:"not null"`
	ResumeAt    *time.Time `json:"resume_at,omitempty"`
	Binding     *Binding   `json:"binding,omitempty" gorm:"serializer:json;type:text"`
	FirstUseAt  *time.Time `json:"first_use_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (LicenseKey) TableName() string { return "license_keys" }

// Registered reports whether a binding has been captured.
func (k *LicenseKey) Registered() bool { return k.Binding != nil }

// Clone returns a deep copy so mutators never touch the caller's record.
func (k *LicenseKey) Clone() *LicenseKey {
	if k == nil {
		return nil
	}
	out := *k
	if k.ResumeAt != nil {
		t := *k.ResumeAt
		out.ResumeAt = &t
	}
	if k.FirstUseAt != nil {
		t := *k.FirstUseAt
		out.FirstUseAt = &t
	}
	if k.Binding != nil {
		b := *k.Binding
		out.Binding = &b
	}
	return &out
}

// Validate checks the record invariants.
func (k *LicenseKey) Validate() error {
	if k.Key == "" || k.Key != NormalizeKey(k.Key) {
		return errors.Wrapf(ErrMalformedRecord, "key %q", k.Key)
	}
	if !k.Status.Valid() {
		return errors.Wrapf(ErrMalformedRecord, "key %s: status %q", k.Key, string(k.Status))
	}
	if k.ActivatedAt.IsZero() {
		return errors.Wrapf(ErrMalformedRecord, "key %s: missing activation time", k.Key)
	}
	if !k.Expiry.Permanent && k.Expiry.Time.IsZero() {
		return errors.Wrapf(ErrMalformedRecord, "key %s: missing expiry", k.Key)
	}
	if k.Months < 0 {
		return errors.Wrapf(ErrMalformedRecord, "key %s: negative months", k.Key)
	}
	if (k.Status == StatusSuspended) != (k.ResumeAt != nil) {
		return errors.Wrapf(ErrMalformedRecord, "key %s: resume time does not match status %s", k.Key, k.Status)
	}
	if k.Binding != nil && k.Binding.DeviceID == "" {
		return errors.Wrapf(ErrMalformedRecord, "key %s: binding without device", k.Key)
	}
	if (k.Binding != nil) != (k.FirstUseAt != nil) {
		return errors.Wrapf(ErrMalformedRecord, "key %s: binding and first use out of step", k.Key)
	}
	return nil
}

// NormalizeKey maps a caller-supplied identifier to its stored form.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// MaskKey hides most of a key for logging.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	return key[:4] + "***"
}

func (k *LicenseKey) String() string {
	return fmt.Sprintf("%s(%s, expiry=%s)", MaskKey(k.Key), k.Status, k.Expiry)
}
