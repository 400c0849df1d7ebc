package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LoadFailedMarker is recorded as the session's last error when a persisted
// record cannot be read or decoded. The conversation stays usable: the
// caller gets a fresh session with this diagnostic set.
const LoadFailedMarker = "session_load_failed"

// Store persists one JSON file per session under a base directory and
// provides per-key mutual exclusion. Unrelated sessions never contend on
// the same lock.
type Store struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// BaseDir returns the store's base directory.
func (st *Store) BaseDir() string {
	return st.baseDir
}

// WithLock runs fn while holding the per-key lock for the channel/user
// pair. Callers must load, mutate, and save entirely inside fn to avoid
// lost updates. Locks are never nested across keys.
func (st *Store) WithLock(channelID, userID string, fn func() error) error {
	lock := st.lockFor(Key(channelID, userID))
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// lockFor returns (creating on first use) the mutex for a session key.
func (st *Store) lockFor(key string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()
	lock, ok := st.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		st.locks[key] = lock
	}
	return lock
}

// Load reads the session for the channel/user pair. A missing record
// yields a freshly initialized session; a corrupt record yields a fresh
// session with LastError set to LoadFailedMarker so one bad file never
// makes a conversation unusable.
func (st *Store) Load(channelID, userID string) (*Session, error) {
	if err := st.ensureBaseDir(); err != nil {
		return nil, err
	}

	path := st.sessionPath(channelID, userID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(channelID, userID), nil
		}
		s := New(channelID, userID)
		s.LastError = LoadFailedMarker
		return s, nil
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		fresh := New(channelID, userID)
		fresh.LastError = LoadFailedMarker
		return fresh, nil
	}
	s.ChannelID = channelID
	s.UserID = userID
	s.ID = Key(channelID, userID)
	s.normalize()
	return &s, nil
}

// Save writes the session atomically: the record is written to a temporary
// file and renamed into place, so a crash mid-write cannot corrupt the
// record the next Load would see. File permissions are restricted to the
// owning process.
func (st *Store) Save(s *Session) error {
	if err := st.ensureBaseDir(); err != nil {
		return err
	}
	s.Touch()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", s.ID, err)
	}

	path := st.sessionPath(s.ChannelID, s.UserID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: rename %s: %w", path, err)
	}
	// Best effort: the rename preserves the tmp file's 0600 mode, but an
	// older record may predate the permission tightening.
	os.Chmod(path, 0o600)
	return nil
}

// Reset discards history and run state for the channel/user pair while
// preserving the session's identity, and persists the fresh record.
func (st *Store) Reset(channelID, userID string) (*Session, error) {
	s := New(channelID, userID)
	if err := st.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Sessions loads every persisted session record. Corrupt records are
// skipped: listing is a read-only observability surface and must not fail
// on one bad file.
func (st *Store) Sessions() ([]*Session, error) {
	entries, err := os.ReadDir(st.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: list %s: %w", st.baseDir, err)
	}
	var sessions []*Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(st.baseDir, name))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

func (st *Store) sessionPath(channelID, userID string) string {
	return filepath.Join(st.baseDir, fmt.Sprintf("%s-%s.json", channelID, userID))
}

func (st *Store) ensureBaseDir() error {
	if err := os.MkdirAll(st.baseDir, 0o700); err != nil {
		return fmt.Errorf("session: create %s: %w", st.baseDir, err)
	}
	os.Chmod(st.baseDir, 0o700)
	return nil
}
