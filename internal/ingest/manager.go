package ingest

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/jo-hoe/carsort/internal/backend/database"
	"github.com/jo-hoe/carsort/internal/classifier"
	"github.com/jo-hoe/carsort/internal/codec"
)

// Manager tracks active upload sessions by id. Sessions themselves are
// single-threaded; the manager only guards the session map so independent
// user sessions can run side by side.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	db         database.DatabaseService
	gateway    *classifier.Gateway
	normalizer *codec.Normalizer
	scratchDir string
}

func NewManager(db database.DatabaseService, gateway *classifier.Gateway, normalizer *codec.Normalizer, scratchDir string) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		db:         db,
		gateway:    gateway,
		normalizer: normalizer,
		scratchDir: scratchDir,
	}
}

// Create opens a new session with its own scratch subdirectory and a
// freshly seeded deduplication index.
func (m *Manager) Create(userID sql.NullInt64) (string, error) {
	id := uuid.NewString()
	session, err := NewSession(m.db, m.gateway, m.normalizer, filepath.Join(m.scratchDir, id), userID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown upload session: %s", id)
	}
	return session, nil
}

// Close drops the session from the manager; orphaned scratch files are left
// to the periodic temp sweep.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
