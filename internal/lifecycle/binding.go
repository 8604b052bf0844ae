package lifecycle

import (
	"time"

	"github.com/qqqwwwyeee-boop/server5/internal/model"
)

// Mismatch messages reported to blocked callers.
const (
	MismatchDevice = "Different device"
	MismatchPath   = "Different path"
	MismatchFile   = "Different file"
)

// Fingerprint is what a protected installation presents on each check.
type Fingerprint struct {
	DeviceID string
	FilePath string
	FileHash string
}

// CaptureBinding locks the fingerprint to an active, unbound key. Only a
// caller that supplies a device id can claim the key.
func CaptureBinding(k *model.LicenseKey, fp Fingerprint, now time.Time) bool {
	if k.Status != model.StatusActive || k.Binding != nil || fp.DeviceID == "" {
		return false
	}
	first := now.UTC()
	k.Binding = &model.Binding{
		DeviceID: fp.DeviceID,
		FilePath: fp.FilePath,
		FileHash: fp.FileHash,
	}
	k.FirstUseAt = &first
	return true
}

// Mismatches compares a fingerprint with the captured binding field by field.
// An unbound key never mismatches.
func Mismatches(k *model.LicenseKey, fp Fingerprint) []string {
	if k.Binding == nil {
		return nil
	}
	var out []string
	if k.Binding.DeviceID != fp.DeviceID {
		out = append(out, MismatchDevice)
	}
	if k.Binding.FilePath != fp.FilePath {
		out = append(out, MismatchPath)
	}
	if k.Binding.FileHash != fp.FileHash {
		out = append(out, MismatchFile)
	}
	return out
}
