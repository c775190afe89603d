package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Load errors.
var (
	// ErrStateNotFound is returned when no snapshot has been saved yet.
	ErrStateNotFound = errors.New("state not found")

	// ErrStateCorrupt is returned when every stored copy exists but none
	// decodes. Retrying cannot help.
	ErrStateCorrupt = errors.New("state corrupt")
)

// Persister stores and loads supervisor snapshots.
type Persister interface {
	// Load returns the most recent valid snapshot, preferring the primary copy
	// and falling back to the backup.
	Load(ctx context.Context) (*SupervisorState, error)
	// Save writes the snapshot so that a crash at any point leaves either the
	// previous or the new snapshot readable.
	Save(ctx context.Context, st *SupervisorState) error
	Close() error
}

// FilePersister keeps the snapshot as JSON in a primary and a backup file.
type FilePersister struct {
	path       string
	backupPath string
}

// NewFilePersister creates the parent directories of both files.
func NewFilePersister(path, backupPath string) (*FilePersister, error) {
	for _, p := range []string{path, backupPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	return &FilePersister{path: path, backupPath: backupPath}, nil
}

// Load reads the primary file, then the backup when the primary is missing
// or unreadable.
func (p *FilePersister) Load(_ context.Context) (*SupervisorState, error) {
	st, primaryErr := readStateFile(p.path)
	if primaryErr == nil {
		return st, nil
	}
	st, backupErr := readStateFile(p.backupPath)
	if backupErr == nil {
		return st, nil
	}
	if errors.Is(primaryErr, ErrStateNotFound) && errors.Is(backupErr, ErrStateNotFound) {
		return nil, ErrStateNotFound
	}
	if unusable(primaryErr) && unusable(backupErr) {
		return nil, fmt.Errorf("%w: primary: %v; backup: %v", ErrStateCorrupt, primaryErr, backupErr)
	}
	return nil, fmt.Errorf("load state: primary: %w; backup: %v", primaryErr, backupErr)
}

// Save writes the primary file atomically, then the backup.
func (p *FilePersister) Save(_ context.Context, st *SupervisorState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := writeFileAtomic(p.path, data); err != nil {
		return fmt.Errorf("write primary state: %w", err)
	}
	if err := writeFileAtomic(p.backupPath, data); err != nil {
		return fmt.Errorf("write backup state: %w", err)
	}
	return nil
}

// Close is a no-op.
func (p *FilePersister) Close() error { return nil }

func readStateFile(path string) (*SupervisorState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeState(data)
}

// unusable reports whether a copy is missing or undecodable, as opposed to
// unreadable for a reason that may pass.
func unusable(err error) bool {
	return errors.Is(err, ErrStateNotFound) || errors.Is(err, ErrStateCorrupt)
}

func decodeState(data []byte) (*SupervisorState, error) {
	var st SupervisorState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateCorrupt, err)
	}
	if st.Version == 0 || st.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrStateCorrupt, st.Version)
	}
	return &st, nil
}

// writeFileAtomic writes to a temp file in the target directory, syncs it and
// renames it over the target.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}

	// Persist the rename itself; not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
