// Package file provides the file-based persistence implementation. Each
// entity is stored as one JSON document under the root directory; it is the
// default backend for development and tests.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loomline/loomline/pkg/persistence"
)

// Persistence implements persistence.Persistence on the local filesystem.
type Persistence struct {
	root string

	definitions   *DefinitionRepository
	executions    *ExecutionRepository
	sessions      *SessionRepository
	secrets       *SecretRepository
	pendingInputs *PendingInputRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
// Accepts plain paths and "file://" URLs.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:          cleanRoot,
		definitions:   &DefinitionRepository{store: newStore(cleanRoot, "definitions")},
		executions:    &ExecutionRepository{store: newStore(cleanRoot, "executions")},
		sessions:      &SessionRepository{store: newStore(cleanRoot, "sessions")},
		secrets:       &SecretRepository{store: newStore(cleanRoot, "secrets")},
		pendingInputs: &PendingInputRepository{store: newStore(cleanRoot, "pending_inputs")},
	}
}

func (p *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return p.definitions
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) SessionRepository() persistence.SessionRepository {
	return p.sessions
}

func (p *Persistence) SecretRepository() persistence.SecretRepository {
	return p.secrets
}

func (p *Persistence) PendingInputRepository() persistence.PendingInputRepository {
	return p.pendingInputs
}

// HealthCheck verifies the root directory is usable.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		return fmt.Errorf("persistence root %s is not writable: %w", p.root, err)
	}

	return nil
}

// Close is a no-op for file persistence.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// store serializes one entity collection as JSON files in a directory. All
// operations lock the collection; per-execution write serialization is the
// ledger's concern, this lock only protects file-level consistency.
type store struct {
	dir string
	mu  sync.RWMutex
}

func newStore(root, collection string) *store {
	return &store{dir: filepath.Join(root, collection)}
}

func (s *store) path(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".json")
}

func sanitizeID(id string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")

	return replacer.Replace(id)
}

func (s *store) write(id string, entity any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	return os.Rename(tmp, s.path(id))
}

func (s *store) read(id string, entity any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", s.path(id), err)
	}

	if err := json.Unmarshal(data, entity); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}

	return true, nil
}

func (s *store) remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// list calls fn with the raw JSON of every entity in the collection.
func (s *store) list(fn func(data []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		if err := fn(data); err != nil {
			return err
		}
	}

	return nil
}
