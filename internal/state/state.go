// Package state implements the atomic per-session state store:
// create/load/save plus the status-transition operations the group
// scheduler and session driver call as tasks progress.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cklxx/orchestrate/internal/filestore"
	"github.com/google/uuid"
)

// TaskStatus is one task's position in the state machine.
type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusRunning TaskStatus = "running"
	StatusPassed  TaskStatus = "passed"
	StatusFailed  TaskStatus = "failed"
	StatusSkipped TaskStatus = "skipped"
)

// SessionStatus is the session's overall lifecycle position.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// TaskRecord is the per-task bookkeeping stored in SessionState.
type TaskRecord struct {
	Status     TaskStatus `json:"status" yaml:"status"`
	Attempts   int        `json:"attempts" yaml:"attempts"`
	StartedAt  *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	LastError  string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// SessionState is the per-run mutable record persisted under the session
// id.
type SessionState struct {
	SessionID    string                 `json:"session_id" yaml:"session_id"`
	PlanChecksum string                 `json:"plan_checksum" yaml:"plan_checksum"`
	SourcePath   string                 `json:"source_path" yaml:"source_path"`
	Tasks        map[string]*TaskRecord `json:"tasks" yaml:"tasks"`
	CurrentGroup int                    `json:"current_group" yaml:"current_group"`
	CreatedAt    time.Time              `json:"created_at" yaml:"created_at"`
	Status       SessionStatus          `json:"status" yaml:"status"`

	// Version counts successful writes of this file. Save compares it
	// against the on-disk copy before persisting, so two processes
	// resuming the same session id can't silently clobber each other's
	// progress. Version is how Store enforces the single-writer rule
	// across processes.
	Version int `json:"version"`
}

// ErrCorrupt wraps the sentinel StateCorrupt error kind: an
// unreadable state file on resume is never silently reconstructed.
var ErrCorrupt = errors.New("state: session file is corrupt")

// ErrNotFound is returned by Load when no state file exists for the id.
var ErrNotFound = errors.New("state: session not found")

// ErrConflict is returned by Save when the on-disk session file has been
// written by another process since this Store last loaded or saved it.
var ErrConflict = errors.New("state: session was modified by another process")

// Store owns one session's on-disk state and serialises every mutation
// through a single writer backed by filestore's atomic replace.
type Store struct {
	mu    sync.Mutex
	dir   string
	id    string
	state *SessionState
}

// NewSessionID returns a new random 128-bit session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Open returns a Store rooted at dir for the given session id. It does not
// read or write anything until Create or Load is called.
func Open(dir, id string) *Store {
	return &Store{dir: dir, id: id}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, s.id+".state.json")
}

// StatePath returns the on-disk path of this session's state file.
func (s *Store) StatePath() string {
	return s.path()
}

// Create initialises a fresh SessionState for plan and persists it
// immediately.
func (s *Store) Create(sourcePath, planChecksum string, taskIDs []string) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make(map[string]*TaskRecord, len(taskIDs))
	for _, id := range taskIDs {
		tasks[id] = &TaskRecord{Status: StatusPending}
	}
	s.state = &SessionState{
		SessionID:    s.id,
		PlanChecksum: planChecksum,
		SourcePath:   sourcePath,
		Tasks:        tasks,
		CurrentGroup: 0,
		CreatedAt:    time.Now().UTC(),
		Status:       SessionRunning,
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s.state, nil
}

// versionOnDiskLocked peeks at the Version field of whatever is currently
// on disk, without disturbing s.state. It returns 0, nil if no file exists
// yet, so Create's first write and a fresh Store both proceed normally.
func (s *Store) versionOnDiskLocked() (int, error) {
	data, err := filestore.ReadFileOrEmpty(s.path())
	if err != nil {
		return 0, fmt.Errorf("state: read %s: %w", s.path(), err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	var onDisk struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path(), err)
	}
	return onDisk.Version, nil
}

// Load reads the existing state file for id, demoting any task observed
// "running" back to "pending": whatever worker held it is dead.
func (s *Store) Load() (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := filestore.ReadFileOrEmpty(s.path())
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", s.path(), err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.id)
	}

	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path(), err)
	}

	for _, rec := range st.Tasks {
		if rec.Status == StatusRunning {
			rec.Status = StatusPending
		}
	}
	if st.Status == SessionRunning {
		// A crash mid-run leaves the session file at "running"; resume
		// treats it the same as an explicit pause.
		st.Status = SessionPaused
	}

	s.state = &st
	return s.state, nil
}

// Save persists the current in-memory state atomically. It fails with
// ErrConflict if the file on disk has advanced past the version this Store
// last loaded or saved, rather than silently overwriting a concurrent
// writer's progress.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked writes s.state to disk, rejecting the write with
// ErrConflict if another process has advanced the on-disk version since
// this copy was loaded or last saved. On success s.state.Version is bumped
// to match what was just written, so later calls in this process compare
// against it correctly.
func (s *Store) persistLocked() error {
	if s.state == nil {
		return fmt.Errorf("state: no session loaded")
	}
	onDisk, err := s.versionOnDiskLocked()
	if err != nil {
		return err
	}
	if onDisk > s.state.Version {
		return fmt.Errorf("%w: %s", ErrConflict, s.id)
	}

	s.state.Version = onDisk + 1
	data, err := filestore.MarshalJSONIndent(s.state)
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}
	if err := filestore.EnsureDir(s.dir); err != nil {
		return fmt.Errorf("state: ensure dir: %w", err)
	}
	if err := filestore.AtomicWrite(s.path(), data, 0o644); err != nil {
		s.state.Version = onDisk
		return err
	}
	return nil
}

// Current returns the in-memory state without touching disk.
func (s *Store) Current() *SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkRunning transitions a task to running and records its start time.
func (s *Store) MarkRunning(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Status = StatusRunning
	rec.StartedAt = &now
	return s.persistLocked()
}

// RecordAttempt increments a task's attempt counter. The executor calls it
// at the start of every attempt, so a retried task's count survives in the
// state file even if the process dies mid-attempt.
func (s *Store) RecordAttempt(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(taskID)
	if err != nil {
		return err
	}
	rec.Attempts++
	return s.persistLocked()
}

// MarkPassed transitions a task to passed.
func (s *Store) MarkPassed(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Status = StatusPassed
	rec.FinishedAt = &now
	rec.LastError = ""
	return s.persistLocked()
}

// MarkFailed transitions a task to failed, recording the finish time and
// error. Attempts are counted separately by RecordAttempt.
func (s *Store) MarkFailed(taskID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Status = StatusFailed
	rec.FinishedAt = &now
	rec.LastError = errMsg
	return s.persistLocked()
}

// MarkSkipped transitions a task to skipped (a dependency failed under
// continue-on-error).
func (s *Store) MarkSkipped(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(taskID)
	if err != nil {
		return err
	}
	rec.Status = StatusSkipped
	return s.persistLocked()
}

// MarkPending resets a task to pending (used by the executor when a task
// is cancelled, so a later resume runs it again; Load itself demotes
// running tasks on resume).
func (s *Store) MarkPending(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(taskID)
	if err != nil {
		return err
	}
	rec.Status = StatusPending
	rec.StartedAt = nil
	rec.FinishedAt = nil
	return s.persistLocked()
}

// AdvanceGroup moves the current-group pointer forward by one.
func (s *Store) AdvanceGroup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("state: no session loaded")
	}
	s.state.CurrentGroup++
	return s.persistLocked()
}

// Complete marks the session completed.
func (s *Store) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("state: no session loaded")
	}
	s.state.Status = SessionCompleted
	return s.persistLocked()
}

// Fail marks the session failed.
func (s *Store) Fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("state: no session loaded")
	}
	s.state.Status = SessionFailed
	return s.persistLocked()
}

// Pause marks the session paused, for interrupt handling.
func (s *Store) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("state: no session loaded")
	}
	s.state.Status = SessionPaused
	return s.persistLocked()
}

func (s *Store) recordLocked(taskID string) (*TaskRecord, error) {
	if s.state == nil {
		return nil, fmt.Errorf("state: no session loaded")
	}
	rec, ok := s.state.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("state: unknown task %q", taskID)
	}
	return rec, nil
}

const stateFileSuffix = ".state.json"

// ListSessions scans dir for session state files and returns their
// contents sorted newest-first by CreatedAt, for the `orchestrate status`
// command. Unreadable or corrupt files are skipped rather than failing the
// whole listing, since one bad file should not hide every other session.
func ListSessions(dir string) ([]SessionState, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: list %s: %w", dir, err)
	}

	var sessions []SessionState
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), stateFileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var st SessionState
		if err := json.Unmarshal(data, &st); err != nil {
			continue
		}
		sessions = append(sessions, st)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// TaskStatus returns the current status of taskID.
func (s *Store) TaskStatus(taskID string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return "", false
	}
	rec, ok := s.state.Tasks[taskID]
	if !ok {
		return "", false
	}
	return rec.Status, true
}
