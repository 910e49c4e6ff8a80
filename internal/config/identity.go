package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DeviceIdentity names this installation. The device id travels with
// nothing on the wire today, but gives logs and exports a stable origin
// and survives reinstalls of the binary.
type DeviceIdentity struct {
	// DeviceID is a UUID minted on first run.
	DeviceID string `yaml:"device_id"`

	// UserID is set once the installation is tied to an account. Empty
	// until then.
	UserID string `yaml:"user_id,omitempty"`

	// InstalledAt is when the identity file was first created.
	InstalledAt time.Time `yaml:"installed_at"`
}

// DefaultIdentityPath returns ~/.zeke/device.yaml.
func DefaultIdentityPath() (string, error) {
	dir, err := ZekeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "device.yaml"), nil
}

// LoadOrCreateIdentity reads the device identity, minting and
// persisting a fresh one on first run.
func LoadOrCreateIdentity(path string) (*DeviceIdentity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id DeviceIdentity
		if err := yaml.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
		}
		if id.DeviceID == "" {
			return nil, fmt.Errorf("identity file %s has no device_id", path)
		}
		return &id, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	id := &DeviceIdentity{
		DeviceID:    uuid.NewString(),
		InstalledAt: time.Now().UTC(),
	}
	if err := saveIdentity(path, id); err != nil {
		return nil, err
	}
	return id, nil
}

// SaveIdentity persists an updated identity, e.g. after the user id is
// assigned.
func SaveIdentity(path string, id *DeviceIdentity) error {
	if id == nil || id.DeviceID == "" {
		return fmt.Errorf("identity requires a device_id")
	}
	return saveIdentity(path, id)
}

func saveIdentity(path string, id *DeviceIdentity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}
