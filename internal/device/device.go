// Package device manages the identity of this client installation.
// Every device has a persistent ULID generated on first start and stored in
// the data directory. Queue items, tombstones and transport handshakes carry
// it so the server can tell replicas of the same account apart.
package device

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const deviceIDFile = "device_id"

// ID is a ULID string that uniquely identifies a client installation.
// It is stable across restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Device holds the persistent identity of this installation.
type Device struct {
	id      ID
	dataDir string
}

// New returns a Device whose ID is loaded from dataDir/device_id.
// If the file does not exist a new ULID is generated and written.
// An override of "" or "auto" uses the file-based ID.
func New(dataDir string, override string) (*Device, error) {
	if dataDir == "" {
		return nil, errors.New("device: dataDir must not be empty")
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("device: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if err := validateULID(override); err != nil {
			return nil, fmt.Errorf("device: invalid id override %q: %w", override, err)
		}
		return &Device{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Device{id: id, dataDir: dataDir}, nil
}

// ID returns the device's stable ULID.
func (d *Device) ID() ID { return d.id }

// DataDir returns the root data directory for this device.
func (d *Device) DataDir() string { return d.dataDir }

func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, deviceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := validateULID(id); err != nil {
			return "", fmt.Errorf("device: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("device: read id file: %w", err)
	}

	raw, err := NewID()
	if err != nil {
		return "", fmt.Errorf("device: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(raw+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("device: persist id: %w", err)
	}
	return ID(raw), nil
}

// A single monotone entropy source keeps ULIDs generated within the same
// millisecond lexicographically ordered. Queue ordering ties rely on it.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh time-ordered ULID. Used for queue item ids and
// locally composed message ids.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("device.MustNewID: %v", err))
	}
	return id
}
