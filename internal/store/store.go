package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/apperrors"
	"github.com/poemonsense/codex-account-proxy/internal/logging"
)

// lockTimeout bounds how long a caller waits for the exclusive file lock
// before failing with StorageBusy.
const lockTimeout = 10 * time.Second

// Store is the persistent, file-locked JSON account document.
type Store struct {
	path string
	lock *fileLock
}

// New returns a Store backed by the document at path.
func New(path string) *Store {
	return &Store{path: path, lock: newFileLock(path)}
}

// Load reads the document, migrating or quarantining as needed. A missing
// file yields a fresh empty document. Load does not take the file lock
// itself; callers that need read-then-write atomicity use UpdateWithLock.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, apperrors.StorageIO(err)
	}
	if len(data) == 0 {
		return NewDocument(), nil
	}

	doc, err := parseDocument(data)
	if err != nil {
		s.quarantine(data)
		logging.Warn("account store at %s was corrupt and has been quarantined: %v", s.path, err)
		return NewDocument(), nil
	}
	doc.Clamp()
	return doc, nil
}

// Save atomically replaces the document on disk: write to a sibling temp
// file, fsync, then rename into place. The rename is the only observable
// state transition, so an interrupted write never yields a partially written
// primary file.
func (s *Store) Save(doc *Document) error {
	doc.Clamp()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.StorageIO(err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperrors.StorageIO(err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return apperrors.StorageIO(err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperrors.StorageIO(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperrors.StorageIO(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperrors.StorageIO(err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return apperrors.StorageIO(err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return apperrors.StorageIO(err)
	}
	return nil
}

// UpdateWithLock holds the exclusive file lock from read to write. fn
// receives the freshly-read on-disk document (not a stale snapshot) and
// returns the document to persist; it must be a pure function of that
// snapshot so concurrent writers from other processes never lose accounts.
func (s *Store) UpdateWithLock(fn func(*Document) (*Document, error)) error {
	if err := s.lock.acquire(lockTimeout); err != nil {
		return apperrors.StorageBusy(err)
	}
	defer s.lock.release()

	doc, err := s.Load()
	if err != nil {
		return err
	}

	next, err := fn(doc)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return s.Save(next)
}

// quarantine moves an unparseable store file aside with 0600 permissions,
// best-effort, so the next Load starts from an empty document instead of
// looping on the same corrupt bytes.
func (s *Store) quarantine(data []byte) {
	quarantinePath := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.WriteFile(quarantinePath, data, 0600); err != nil {
		logging.Warn("failed to quarantine corrupt account store: %v", err)
		return
	}
	_ = os.Chmod(quarantinePath, 0600)
	if err := os.Remove(s.path); err != nil {
		logging.Warn("failed to remove corrupt account store after quarantine: %v", err)
	}
}

// parseDocument parses a document, migrating legacy (pre-v3) shapes.
func parseDocument(data []byte) (*Document, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	if probe.Version == schemaVersion {
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if doc.ActiveIndexByFamily == nil {
			doc.ActiveIndexByFamily = map[string]int{}
		}
		return &doc, nil
	}

	return migrateLegacy(data)
}

// legacyDocument models the pre-v3 shapes this store has seen: a bare
// accounts array, or a v1/v2 object missing active_index_by_family.
type legacyDocument struct {
	Accounts    []Account `json:"accounts"`
	ActiveIndex int       `json:"active_index"`
}

func migrateLegacy(data []byte) (*Document, error) {
	var legacy legacyDocument
	if err := json.Unmarshal(data, &legacy); err == nil && legacy.Accounts != nil {
		return &Document{
			Version:             schemaVersion,
			Accounts:            legacy.Accounts,
			ActiveIndex:         legacy.ActiveIndex,
			ActiveIndexByFamily: map[string]int{},
		}, nil
	}

	var bare []Account
	if err := json.Unmarshal(data, &bare); err == nil {
		return &Document{
			Version:             schemaVersion,
			Accounts:            bare,
			ActiveIndex:         0,
			ActiveIndexByFamily: map[string]int{},
		}, nil
	}

	return nil, fmt.Errorf("unrecognized account store schema")
}
