package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cklxx/orchestrate/internal/filestore"
)

// Registry persists the job map as a single jobs.json document at one
// path. All operations are thread-safe and go through
// filestore.AtomicWrite so the external scheduler never observes a torn
// file.
type Registry struct {
	mu   sync.Mutex
	coll *filestore.Collection[string, Job]
}

// NewRegistry returns a registry backed by path. The file is not created
// until the first Save; call Load to populate from an existing file.
func NewRegistry(path string) *Registry {
	return &Registry{
		coll: filestore.NewCollection[string, Job](filestore.CollectionConfig{
			FilePath: path,
			Name:     "jobs",
		}),
	}
}

// Load reads the backing jobs.json into memory. No-op if the file is absent.
func (r *Registry) Load() error {
	return r.coll.Load()
}

// Save validates and upserts job, preserving CreatedAt across overwrites.
func (r *Registry) Save(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.Status == "" {
		job.Status = JobStatusEnabled
	}
	if err := job.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if existing, ok := r.coll.Get(job.Name); ok && job.CreatedAt.IsZero() {
		job.CreatedAt = existing.CreatedAt
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	return r.coll.Put(job.Name, job)
}

// Load a single job by name.
func (r *Registry) Get(_ context.Context, name string) (*Job, error) {
	if name == "" {
		return nil, fmt.Errorf("jobs: name is required")
	}
	job, ok := r.coll.Get(name)
	if !ok {
		return nil, fmt.Errorf("jobs: %w: %s", ErrJobNotFound, name)
	}
	return &job, nil
}

// List returns all registered jobs sorted by CreatedAt ascending.
func (r *Registry) List(_ context.Context) ([]Job, error) {
	snap := r.coll.Snapshot()
	out := make([]Job, 0, len(snap))
	for _, job := range snap {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a job by name.
func (r *Registry) Delete(_ context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("jobs: name is required")
	}
	if _, ok := r.coll.Get(name); !ok {
		return fmt.Errorf("jobs: %w: %s", ErrJobNotFound, name)
	}
	return r.coll.Delete(name)
}

// SetEnabled toggles a job's Enabled/Status fields and refreshes UpdatedAt.
func (r *Registry) SetEnabled(_ context.Context, name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.coll.Get(name)
	if !ok {
		return fmt.Errorf("jobs: %w: %s", ErrJobNotFound, name)
	}
	job.Enabled = enabled
	if enabled {
		job.Status = JobStatusEnabled
	} else {
		job.Status = JobStatusDisabled
	}
	job.UpdatedAt = time.Now().UTC()
	return r.coll.Put(name, job)
}

// RecordRun updates LastRun/NextRun/LastError bookkeeping after a fire.
func (r *Registry) RecordRun(_ context.Context, name string, ran time.Time, next time.Time, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.coll.Get(name)
	if !ok {
		return fmt.Errorf("jobs: %w: %s", ErrJobNotFound, name)
	}
	job.LastRun = ran
	job.NextRun = next
	if runErr != nil {
		job.LastError = runErr.Error()
	} else {
		job.LastError = ""
	}
	job.UpdatedAt = time.Now().UTC()
	return r.coll.Put(name, job)
}

// MarshalSnapshot renders the current registry wrapped as {jobs: {...}} for
// diagnostics. The on-disk jobs.json is the bare name → job map, without
// this wrapper.
func (r *Registry) MarshalSnapshot() ([]byte, error) {
	return json.MarshalIndent(struct {
		Jobs map[string]Job `json:"jobs"`
	}{Jobs: r.coll.Snapshot()}, "", "  ")
}
