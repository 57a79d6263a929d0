package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"satutoko/internal/appdata"
)

// ErrNotFound reports that a device has never cached anything for a store.
var ErrNotFound = errors.New("not found")

// snapshot is the on-disk shape, one file per store identifier so multiple
// stores on the same device never collide.
type snapshot struct {
	Document   *appdata.AppData `json:"document,omitempty"`
	Session    *appdata.User    `json:"session,omitempty"`
	LocalUsers []appdata.User   `json:"localUsers,omitempty"`
	SavedAt    int64            `json:"savedAt"`
}

// FileCache is the device-local durable snapshot: the last-known store
// document, the logged-in session, and the directory of users registered on
// this device. It survives restarts and is the source of truth while
// offline; the remote store overrides it on the next successful pull.
type FileCache struct {
	mu  sync.RWMutex
	dir string
}

func Open(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileCache{dir: dir}, nil
}

func (c *FileCache) path(storeID string) string {
	return filepath.Join(c.dir, appdata.NormalizeStoreID(storeID)+".json")
}

func (c *FileCache) read(storeID string) (*snapshot, error) {
	raw, err := os.ReadFile(c.path(storeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("corrupt cache for store %q: %w", storeID, err)
	}
	return &snap, nil
}

// write replaces the snapshot atomically: temp file then rename, so a crash
// mid-write never leaves a truncated cache.
func (c *FileCache) write(storeID string, snap *snapshot) error {
	snap.SavedAt = time.Now().UnixMilli()
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path(storeID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path(storeID))
}

// update applies fn to the current snapshot (empty when none exists) and
// writes it back.
func (c *FileCache) update(storeID string, fn func(*snapshot)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, err := c.read(storeID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		snap = &snapshot{}
	}
	fn(snap)
	return c.write(storeID, snap)
}

// LoadDocument returns the cached document, ErrNotFound when the store has
// never been cached.
func (c *FileCache) LoadDocument(storeID string) (*appdata.AppData, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, err := c.read(storeID)
	if err != nil {
		return nil, err
	}
	if snap.Document == nil {
		return nil, ErrNotFound
	}
	snap.Document.Normalize()
	return snap.Document, nil
}

func (c *FileCache) SaveDocument(storeID string, doc *appdata.AppData) error {
	return c.update(storeID, func(s *snapshot) { s.Document = doc.Clone() })
}

// Session returns the logged-in user on this device, if any.
func (c *FileCache) Session(storeID string) (*appdata.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, err := c.read(storeID)
	if err != nil {
		return nil, err
	}
	if snap.Session == nil {
		return nil, ErrNotFound
	}
	return snap.Session, nil
}

func (c *FileCache) SetSession(storeID string, user *appdata.User) error {
	return c.update(storeID, func(s *snapshot) { s.Session = user })
}

func (c *FileCache) ClearSession(storeID string) error {
	return c.update(storeID, func(s *snapshot) { s.Session = nil })
}

// RememberUser records a locally-registered user so a device keeps its
// account directory even before the registration round-trips.
func (c *FileCache) RememberUser(storeID string, user appdata.User) error {
	return c.update(storeID, func(s *snapshot) {
		for i, u := range s.LocalUsers {
			if u.ID == user.ID {
				s.LocalUsers[i] = user
				return
			}
		}
		s.LocalUsers = append(s.LocalUsers, user)
	})
}

func (c *FileCache) LocalUsers(storeID string) ([]appdata.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, err := c.read(storeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []appdata.User{}, nil
		}
		return nil, err
	}
	return append([]appdata.User{}, snap.LocalUsers...), nil
}
