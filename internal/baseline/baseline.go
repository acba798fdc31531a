// Package baseline persists a fingerprint collection as the trusted
// reference for later comparisons.
package baseline

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schaermu/driftwatch/internal/fingerprint"
)

// DefaultFile is the record name used when no path is configured.
const DefaultFile = "snapshot.json"

// TempPattern names the temporary files Save creates next to the record.
const TempPattern = ".driftwatch-tmp-*"

var (
	// ErrBaselineMissing is returned by Load when no record exists yet.
	ErrBaselineMissing = errors.New("no baseline found, run 'snapshot' first")

	// ErrBaselineCorrupt is returned by Load when the record cannot be parsed.
	ErrBaselineCorrupt = errors.New("baseline is corrupt")
)

// entry is the on-disk shape of one fingerprint. Hash is the field name
// older records used for the digest; it is only read, never written.
type entry struct {
	Path   string `json:"path"`
	Digest string `json:"digest,omitempty"`
	Hash   string `json:"hash,omitempty"`
}

// Store reads and writes the baseline record at a fixed path.
type Store struct {
	path string
}

// NewStore creates a store backed by the file at path.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultFile
	}
	return &Store{path: path}
}

// Path returns the location of the baseline record.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a baseline record is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save replaces the baseline record with c. The record is written to a
// temporary file next to the destination and renamed into place.
func (s *Store) Save(c fingerprint.Collection) error {
	entries := make([]entry, 0, len(c))
	for _, fp := range c {
		entries = append(entries, entry{Path: fp.Path, Digest: fp.Digest})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	data = append(data, '\n')

	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write baseline %s: %w", s.path, err)
	}
	return nil
}

// Load reads the baseline record.
func (s *Store) Load() (fingerprint.Collection, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w (expected %s)", ErrBaselineMissing, s.path)
		}
		return nil, fmt.Errorf("failed to read baseline %s: %w", s.path, err)
	}

	c, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBaselineCorrupt, s.path, err)
	}
	return c, nil
}

func decode(data []byte) (fingerprint.Collection, error) {
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, errors.New("record is not a list of fingerprints")
	}

	seen := make(map[string]bool, len(entries))
	c := make(fingerprint.Collection, 0, len(entries))
	for i, e := range entries {
		digest := e.Digest
		if digest == "" {
			digest = e.Hash
		}

		if e.Path == "" {
			return nil, fmt.Errorf("entry %d has no path", i)
		}
		if err := validDigest(digest); err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, e.Path, err)
		}
		if seen[e.Path] {
			return nil, fmt.Errorf("entry %d: duplicate path %s", i, e.Path)
		}
		seen[e.Path] = true

		c = append(c, fingerprint.Fingerprint{Path: e.Path, Digest: digest})
	}
	return c, nil
}

func validDigest(digest string) error {
	decoded, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("digest is not hex: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("digest is %d bytes, want 32", len(decoded))
	}
	return nil
}

// writeAtomic writes data to path via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, TempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
