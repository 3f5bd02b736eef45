// Package ident generates the ULID strings used as record IDs throughout
// the system and manages the identity of this rasel server instance. The
// instance ID is generated on first start and stored in the data directory
// so that log lines and exported reports stay attributable across restarts.
package ident

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

const instanceIDFile = "instance_id"

// entropy is shared across all NewID calls. A single monotonic source keeps
// IDs lexicographically ordered even within the same millisecond; the mutex
// extends that guarantee across goroutines.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a fresh ULID string. Used by every package that needs
// unique record IDs (messages, customers, campaigns, delivery reports).
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", fmt.Errorf("ident: generate ulid: %w", err)
	}
	return id.String(), nil
}

// Instance holds the persistent identity of this server process.
type Instance struct {
	id      string
	dataDir string
}

// New returns an Instance whose ID is loaded from dataDir/instance_id,
// generating and persisting one if the file does not exist. idOverride,
// when neither empty nor "auto", is validated and used instead of the
// file-based ID.
func New(dataDir string, idOverride string) (*Instance, error) {
	if dataDir == "" {
		return nil, errors.New("ident: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("ident: create data dir: %w", err)
	}

	if idOverride != "" && idOverride != "auto" {
		if _, err := ulid.ParseStrict(idOverride); err != nil {
			return nil, fmt.Errorf("ident: invalid id override %q: %w", idOverride, err)
		}
		return &Instance{id: idOverride, dataDir: dataDir}, nil
	}

	path := filepath.Join(dataDir, instanceIDFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(id); err != nil {
			return nil, fmt.Errorf("ident: persisted id %q is invalid: %w", id, err)
		}
		return &Instance{id: id, dataDir: dataDir}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("ident: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return nil, fmt.Errorf("ident: persist id: %w", err)
	}
	return &Instance{id: id, dataDir: dataDir}, nil
}

// ID returns the instance's stable ULID string.
func (n *Instance) ID() string { return n.id }

// DataDir returns the root data directory for this instance.
func (n *Instance) DataDir() string { return n.dataDir }
