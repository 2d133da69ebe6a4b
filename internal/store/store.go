// Package store provides crash-safe position persistence using JSON files.
//
// Each strategy runtime owns one file keyed by its wallet address:
// positions_<shortaddr>.json, a map from outcome token ID to position
// record. Every mutation persists via write-to-temp-then-rename, which is
// atomic on POSIX, so the file on disk is always a superset of what the
// runtime believes it holds. A corrupt file is renamed aside with a
// timestamp suffix and replaced by an empty store — the engine never
// aborts on load.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"polyarb/pkg/types"
)

// Store is a durable mapping from token ID to Position. Two-leg positions
// appear under both token IDs with a shared GroupID.
// All operations are mutex-protected.
type Store struct {
	path      string
	mu        sync.Mutex
	positions map[string]types.Position
	logger    *slog.Logger
}

// Open loads (or creates) the store for one wallet. shortAddr is the
// first characters of the wallet address, enough to keep accounts on the
// same machine apart.
func Open(dataDir, shortAddr string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &Store{
		path:      filepath.Join(dataDir, fmt.Sprintf("positions_%s.json", shortAddr)),
		positions: make(map[string]types.Position),
		logger:    logger.With("component", "store"),
	}
	s.load()
	return s, nil
}

// load reads the file if present. A corrupt file is backed up and the
// store starts empty.
func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("read positions file", "error", err, "path", s.path)
		}
		return
	}

	var positions map[string]types.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		backup := s.corruptBackupPath(time.Now())
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			s.logger.Error("CRITICAL: corrupt positions file could not be backed up",
				"error", renameErr, "path", s.path)
		} else {
			s.logger.Error("corrupt positions file backed up, starting empty",
				"error", err, "backup", backup)
		}
		return
	}

	s.positions = positions
	s.logger.Info("positions restored", "count", len(positions), "path", s.path)
}

func (s *Store) corruptBackupPath(now time.Time) string {
	base := s.path[:len(s.path)-len(".json")]
	return fmt.Sprintf("%s.corrupt_%s.json", base, now.Format("20060102_150405"))
}

// save writes the full map atomically. Caller holds mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.positions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace positions: %w", err)
	}
	return nil
}

// Add inserts (or replaces) the position under tokenID and persists
// before returning, so durability precedes in-memory bookkeeping by the
// caller.
func (s *Store) Add(tokenID string, pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[tokenID] = pos
	return s.save()
}

// AddGroup inserts a multi-leg position under every leg's token ID in a
// single persisted write.
func (s *Store) AddGroup(pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, leg := range pos.Legs {
		s.positions[leg.TokenID] = pos
	}
	return s.save()
}

// Get returns the position for a token.
func (s *Store) Get(tokenID string) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[tokenID]
	return pos, ok
}

// Has reports whether a token has an open record.
func (s *Store) Has(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[tokenID]
	return ok
}

// Remove deletes the position under tokenID and persists.
func (s *Store) Remove(tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[tokenID]; !ok {
		return nil
	}
	delete(s.positions, tokenID)
	return s.save()
}

// RemoveGroup deletes every record sharing the group ID.
func (s *Store) RemoveGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for token, pos := range s.positions {
		if pos.GroupID == groupID {
			delete(s.positions, token)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	return s.save()
}

// Update applies fn to the position under tokenID (if present) and
// persists the result. Returns false when the token is unknown.
func (s *Store) Update(tokenID string, fn func(*types.Position)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[tokenID]
	if !ok {
		return false, nil
	}
	fn(&pos)
	s.positions[tokenID] = pos
	return true, s.save()
}

// UpdateGroup applies fn to every record sharing the group ID.
func (s *Store) UpdateGroup(groupID string, fn func(*types.Position)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for token, pos := range s.positions {
		if pos.GroupID == groupID {
			fn(&pos)
			s.positions[token] = pos
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.save()
}

// GetAll returns a snapshot copy of the full map.
func (s *Store) GetAll() map[string]types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// GetByStrategy returns a snapshot of positions owned by one strategy,
// deduplicated by group (one entry per multi-leg position).
func (s *Store) GetByStrategy(name string) []types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []types.Position
	for _, pos := range s.positions {
		if pos.Strategy != name {
			continue
		}
		if pos.GroupID != "" {
			if seen[pos.GroupID] {
				continue
			}
			seen[pos.GroupID] = true
		}
		out = append(out, pos)
	}
	return out
}

// Count returns the number of distinct positions (groups counted once).
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	n := 0
	for _, pos := range s.positions {
		if pos.GroupID != "" {
			if seen[pos.GroupID] {
				continue
			}
			seen[pos.GroupID] = true
		}
		n++
	}
	return n
}

// Flush forces a persist of the current state (used during shutdown).
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }
