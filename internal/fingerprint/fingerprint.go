// Package fingerprint computes content digests for the regular files that
// sit directly inside a directory.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
)

var (
	// ErrInvalidDirectory is returned when the target path is missing or
	// is not a directory.
	ErrInvalidDirectory = errors.New("not a valid directory")

	// ErrUnreadable marks a single entry that could not be inspected or read.
	ErrUnreadable = errors.New("entry could not be read")

	// ErrEmptyDirectory is reported as a warning when no regular file was found.
	ErrEmptyDirectory = errors.New("directory contains no regular files")

	// ErrInvalidPattern indicates an exclude pattern could not be compiled.
	ErrInvalidPattern = errors.New("invalid exclude pattern")
)

// Fingerprint is the identity of one file at the time it was read.
type Fingerprint struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}

// Collection holds the fingerprints of one directory in directory-read order.
type Collection []Fingerprint

// Index maps every path in the collection to its digest.
func (c Collection) Index() map[string]string {
	idx := make(map[string]string, len(c))
	for _, fp := range c {
		idx[fp.Path] = fp.Digest
	}
	return idx
}

// Paths returns the paths of the collection in order.
func (c Collection) Paths() []string {
	paths := make([]string, 0, len(c))
	for _, fp := range c {
		paths = append(paths, fp.Path)
	}
	return paths
}

// EntryError describes a directory entry that was skipped because it could
// not be inspected or read.
type EntryError struct {
	Path string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Unwrap exposes both ErrUnreadable and the underlying cause to errors.Is.
func (e *EntryError) Unwrap() []error {
	return []error{ErrUnreadable, e.Err}
}

// Options tunes a Compute call.
type Options struct {
	// Exclude holds glob patterns matched against entry base names.
	Exclude []string

	// ExcludePaths lists exact file paths that are never fingerprinted.
	ExcludePaths []string

	// Logger receives warnings about skipped entries. Nil discards them.
	Logger *slog.Logger

	openFile func(path string) (io.ReadCloser, error)
}

// Result is the outcome of fingerprinting a directory. Warnings collects
// every non-fatal problem; a non-empty Warnings slice does not invalidate
// Fingerprints.
type Result struct {
	Fingerprints Collection
	Warnings     []error
}

// ValidateDirectory checks that dir exists and is a directory.
func ValidateDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s does not exist", ErrInvalidDirectory, dir)
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalidDirectory, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidDirectory, dir)
	}
	return nil
}

// Compute fingerprints every regular file directly inside dir.
// Subdirectories and non-regular entries are skipped; unreadable entries are
// reported in Result.Warnings and do not abort the run.
func Compute(dir string, opts Options) (*Result, error) {
	if err := ValidateDirectory(dir); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	excludes, err := CompilePatterns(opts.Exclude)
	if err != nil {
		return nil, err
	}
	skipPaths := absoluteSet(opts.ExcludePaths)

	hash := HashFile
	if opts.openFile != nil {
		hash = func(path string) (string, error) { return hashWith(opts.openFile, path) }
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	result := &Result{Fingerprints: make(Collection, 0, len(entries))}
	warn := func(path string, cause error) {
		logger.Warn("skipping unreadable entry", "path", path, "error", cause)
		result.Warnings = append(result.Warnings, &EntryError{Path: path, Err: cause})
	}

	// files counts regular files seen, readable or not. Entries whose type
	// cannot be determined count as files.
	files := 0
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if Matches(excludes, entry.Name()) || (len(skipPaths) > 0 && skipPaths[absolute(path)]) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			files++
			warn(path, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		files++

		digest, err := hash(path)
		if err != nil {
			warn(path, err)
			continue
		}

		result.Fingerprints = append(result.Fingerprints, Fingerprint{Path: path, Digest: digest})
	}

	if files == 0 {
		logger.Warn("directory contains no regular files", "dir", dir)
		result.Warnings = append(result.Warnings, fmt.Errorf("%w: %s", ErrEmptyDirectory, dir))
	}

	return result, nil
}

// HashFile computes the hex-encoded SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	return hashWith(func(p string) (io.ReadCloser, error) { return os.Open(p) }, path)
}

func hashWith(open func(string) (io.ReadCloser, error), path string) (string, error) {
	f, err := open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	return Digest(f)
}

// Digest streams r through SHA-256 and returns the lowercase hex digest.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CompilePatterns compiles glob patterns for base-name matching.
func CompilePatterns(patterns []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

// Matches reports whether name matches any of the compiled patterns.
func Matches(patterns []glob.Glob, name string) bool {
	for _, p := range patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}

func absoluteSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[absolute(p)] = true
	}
	return set
}

func absolute(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
