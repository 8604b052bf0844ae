package licenseclient

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/keygen-sh/machineid"
	"github.com/pkg/errors"
)

// Fingerprint is the body of a check request.
type Fingerprint struct {
	DeviceID string `json:"device_id,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	FileHash string `json:"file_hash,omitempty"`
}

// DeviceID returns a machine id hashed with appID, stable across restarts.
func DeviceID(appID string) (string, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", errors.Wrap(err, "read machine id")
	}
	return id, nil
}

// FileHash returns the hex sha256 of the file at path.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open protected file")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hash protected file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewFingerprint describes this installation of the protected file at path.
func NewFingerprint(appID, path string) (Fingerprint, error) {
	deviceID, err := DeviceID(appID)
	if err != nil {
		return Fingerprint{}, err
	}
	return fileFingerprint(deviceID, path)
}

func fileFingerprint(deviceID, path string) (Fingerprint, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Fingerprint{}, errors.Wrap(err, "resolve protected file path")
	}
	hash, err := FileHash(abs)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{DeviceID: deviceID, FilePath: abs, FileHash: hash}, nil
}
