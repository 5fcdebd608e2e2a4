package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/applyd/applyd/pkg/models"
)

// Store persists session snapshots as JSON files, one per session. Each
// snapshot carries the full transition history, fill log and cursor, which
// is what makes exact resume after a process restart possible.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the snapshot store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the session snapshot atomically (temp file + rename) so a
// crash mid-write never leaves a torn snapshot behind.
func (s *Store) Save(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}

	tmp := s.path(sess.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write session snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path(sess.ID)); err != nil {
		return fmt.Errorf("failed to commit session snapshot: %w", err)
	}
	return nil
}

// Load reads one session snapshot.
func (s *Store) Load(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session snapshot: %w", err)
	}

	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

// LoadAll reads every persisted session, used to repopulate the manager on
// startup.
func (s *Store) LoadAll() ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list session store: %w", err)
	}

	var sessions []*models.Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		var sess models.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", entry.Name(), err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

// SaveArtifact stores step evidence (screenshots) under the session's
// artifact directory and returns its reference path.
func (s *Store) SaveArtifact(sessionID string, step int, data []byte) (string, error) {
	dir := filepath.Join(s.dir, "artifacts", sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("step-%04d.png", step))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}
