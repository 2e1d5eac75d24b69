// Package session persists per-run pipeline state: stage, discovered
// organizations, the ordered candidate id list and the pagination
// offset. All mutation goes through merge-style updates behind a
// per-session lock so concurrent stage workers cannot clobber each
// other's fields.
package session

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spigell/hh-sourcer/internal/resolver"
	"github.com/spigell/hh-sourcer/internal/store"

	"go.uber.org/zap"
)

// Stage is the pipeline stage a session is in.
type Stage string

const (
	StageDiscovery  Stage = "discovery"
	StagePreview    Stage = "preview"
	StageCollection Stage = "collection"
	StageEvaluation Stage = "evaluation"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// stageOrder enforces monotonic transitions. StageFailed is reachable
// from anywhere.
var stageOrder = map[Stage]int{
	StageDiscovery:  0,
	StagePreview:    1,
	StageCollection: 2,
	StageEvaluation: 3,
	StageCompleted:  4,
}

var (
	// ErrNotFound is returned when the session id is unknown.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt indicates undecodable persisted state. This is fatal:
	// it means a writer bypassed the merge contract.
	ErrCorrupt = errors.New("session state corrupt")
	// ErrStageRegression is returned on a non-monotonic stage transition.
	ErrStageRegression = errors.New("stage transition would move backwards")
	// ErrOffsetOutOfRange is returned when an offset update violates
	// 0 <= old <= new <= len(candidate_ids). A programming error.
	ErrOffsetOutOfRange = errors.New("pagination offset out of range")
)

// DefaultCandidateCap bounds the candidate id list per session.
const DefaultCandidateCap = 1000

// State is the durable session record.
type State struct {
	ID           string
	Stage        Stage
	Discovered   []*resolver.Resolved
	CandidateIDs []string
	Offset       int
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns how many candidate ids have not been collected yet.
func (s *State) Remaining() int {
	return len(s.CandidateIDs) - s.Offset
}

// Patch is a partial update. Zero-valued fields are left untouched;
// Metadata keys are merged into the existing map, never replacing it
// wholesale.
type Patch struct {
	Stage      Stage
	Discovered []*resolver.Resolved
	Metadata   map[string]any
}

type Store struct {
	db           *store.DB
	logger       *zap.Logger
	candidateCap int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(db *store.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		db:           db,
		logger:       logger,
		candidateCap: DefaultCandidateCap,
		locks:        make(map[string]*sync.Mutex),
	}
}

// SetCandidateCap overrides DefaultCandidateCap.
func (s *Store) SetCandidateCap(limit int) {
	if limit > 0 {
		s.candidateCap = limit
	}
}

// lockFor returns the single writer lock for a session id.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Create inserts a new session in the discovery stage. An empty id
// generates a random one.
func (s *Store) Create(id string) (*State, error) {
	if id == "" {
		id = newSessionID()
	}

	now := time.Now().UTC()
	state := &State{
		ID:        id,
		Stage:     StageDiscovery,
		Metadata:  make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Write().Exec(`
		INSERT INTO sessions (session_id, stage, discovered, candidate_ids, pagination_offset, metadata, created_at, updated_at)
		VALUES (?, ?, '[]', '[]', 0, '{}', ?, ?)
	`, id, string(StageDiscovery), now, now)
	if err != nil {
		return nil, fmt.Errorf("creating session %s: %w", id, err)
	}

	return state, nil
}

// Read loads a session by id.
func (s *Store) Read(id string) (*State, error) {
	return s.read(id)
}

func (s *Store) read(id string) (*State, error) {
	row := s.db.Read().QueryRow(`
		SELECT stage, discovered, candidate_ids, pagination_offset, metadata, created_at, updated_at
		FROM sessions WHERE session_id = ?
	`, id)

	var stage, discovered, candidateIDs, metadata string
	var offset int
	var createdAt, updatedAt time.Time
	if err := row.Scan(&stage, &discovered, &candidateIDs, &offset, &metadata, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}

	state := &State{
		ID:        id,
		Stage:     Stage(stage),
		Offset:    offset,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}

	if err := json.Unmarshal([]byte(discovered), &state.Discovered); err != nil {
		return nil, fmt.Errorf("%w: discovered list of %s: %v", ErrCorrupt, id, err)
	}
	if err := json.Unmarshal([]byte(candidateIDs), &state.CandidateIDs); err != nil {
		return nil, fmt.Errorf("%w: candidate ids of %s: %v", ErrCorrupt, id, err)
	}
	if err := json.Unmarshal([]byte(metadata), &state.Metadata); err != nil {
		return nil, fmt.Errorf("%w: metadata of %s: %v", ErrCorrupt, id, err)
	}
	if state.Metadata == nil {
		state.Metadata = make(map[string]any)
	}
	if state.Offset > len(state.CandidateIDs) {
		return nil, fmt.Errorf("%w: offset %d beyond %d candidate ids of %s",
			ErrCorrupt, state.Offset, len(state.CandidateIDs), id)
	}

	return state, nil
}

// MergeUpdate applies the patch with read-before-write semantics: the
// current record is loaded, patch metadata keys are merged into the
// existing metadata map, and the result is written back. Stage changes
// must be monotonic; StageFailed is always allowed.
func (s *Store) MergeUpdate(id string, patch Patch) (*State, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.read(id)
	if err != nil {
		return nil, err
	}

	if patch.Stage != "" && patch.Stage != state.Stage {
		if err := validateTransition(state.Stage, patch.Stage); err != nil {
			return nil, err
		}
		state.Stage = patch.Stage
	}

	if patch.Discovered != nil {
		state.Discovered = patch.Discovered
	}

	for key, value := range patch.Metadata {
		state.Metadata[key] = value
	}

	if err := s.write(state); err != nil {
		return nil, err
	}

	return state, nil
}

// AppendCandidateIDs appends ids not already present, preserving
// first-seen order, bounded by the candidate cap. Re-appending the same
// ids is a no-op, which makes stage retries idempotent.
func (s *Store) AppendCandidateIDs(id string, ids []string) (added, total int, err error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.read(id)
	if err != nil {
		return 0, 0, err
	}

	seen := make(map[string]bool, len(state.CandidateIDs))
	for _, existing := range state.CandidateIDs {
		seen[existing] = true
	}

	for _, candidate := range ids {
		if candidate == "" || seen[candidate] {
			continue
		}
		if len(state.CandidateIDs) >= s.candidateCap {
			s.logger.Warn("candidate id cap reached, dropping the rest",
				zap.String("session_id", id),
				zap.Int("cap", s.candidateCap),
			)
			break
		}
		seen[candidate] = true
		state.CandidateIDs = append(state.CandidateIDs, candidate)
		added++
	}

	if added > 0 {
		if err := s.write(state); err != nil {
			return 0, 0, err
		}
	}

	return added, len(state.CandidateIDs), nil
}

// AdvanceOffset moves the pagination offset forward. Moving backwards or
// beyond the candidate list is a programming error.
func (s *Store) AdvanceOffset(id string, newOffset int) (*State, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.read(id)
	if err != nil {
		return nil, err
	}

	if newOffset < state.Offset || newOffset > len(state.CandidateIDs) {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]",
			ErrOffsetOutOfRange, newOffset, state.Offset, len(state.CandidateIDs))
	}

	if newOffset == state.Offset {
		return state, nil
	}

	state.Offset = newOffset
	if err := s.write(state); err != nil {
		return nil, err
	}

	return state, nil
}

// List returns all stored sessions, newest first.
func (s *Store) List() ([]*State, error) {
	rows, err := s.db.Read().Query("SELECT session_id FROM sessions ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	states := make([]*State, 0, len(ids))
	for _, id := range ids {
		state, err := s.read(id)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}

	return states, nil
}

// PurgeOlderThan deletes sessions (and their evaluations) created before
// the retention window.
func (s *Store) PurgeOlderThan(retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)

	if _, err := s.db.Write().Exec(`
		DELETE FROM evaluations WHERE session_id IN
			(SELECT session_id FROM sessions WHERE created_at < ?)
	`, cutoff); err != nil {
		return 0, err
	}

	res, err := s.db.Write().Exec("DELETE FROM sessions WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}

	purged, _ := res.RowsAffected()
	return int(purged), nil
}

func (s *Store) write(state *State) error {
	discovered, err := json.Marshal(state.Discovered)
	if err != nil {
		return err
	}
	candidateIDs, err := json.Marshal(state.CandidateIDs)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(state.Metadata)
	if err != nil {
		return err
	}

	state.UpdatedAt = time.Now().UTC()

	_, err = s.db.Write().Exec(`
		UPDATE sessions
		SET stage = ?, discovered = ?, candidate_ids = ?, pagination_offset = ?, metadata = ?, updated_at = ?
		WHERE session_id = ?
	`, string(state.Stage), string(discovered), string(candidateIDs), state.Offset, string(metadata), state.UpdatedAt, state.ID)
	if err != nil {
		return fmt.Errorf("writing session %s: %w", state.ID, err)
	}

	return nil
}

func validateTransition(from, to Stage) error {
	if to == StageFailed {
		return nil
	}

	fromOrder, ok := stageOrder[from]
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", ErrCorrupt, from)
	}
	toOrder, ok := stageOrder[to]
	if !ok {
		return fmt.Errorf("unknown stage %q", to)
	}

	if toOrder < fromOrder {
		return fmt.Errorf("%w: %s -> %s", ErrStageRegression, from, to)
	}

	return nil
}

func newSessionID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102"), hex.EncodeToString(buf))
}
