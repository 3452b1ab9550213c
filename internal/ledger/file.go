package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileLedger is a Ledger backed by a single JSON file. Mutations are
// written to a temp file and renamed into place, so the on-disk mapping is
// never observed half-written; a mutation that fails validation or
// persistence leaves both memory and file untouched.
type FileLedger struct {
	memoryLedger
	path string
}

// Open loads the ledger file, creating an empty ledger when the file does
// not exist yet.
func Open(path string) (*FileLedger, error) {
	l := &FileLedger{path: path}
	l.jobs = make(map[string]*Job)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &l.jobs); err != nil {
		return nil, fmt.Errorf("ledger: parse %s: %w", path, err)
	}
	return l, nil
}

// Path returns the backing file location.
func (l *FileLedger) Path() string {
	return l.path
}

// RecordSubmission creates the job entry for its (model, trial) key.
func (l *FileLedger) RecordSubmission(job *Job) error {
	if job.ModelKey == "" || job.Trial < 1 {
		return fmt.Errorf("ledger: invalid job key %q/%d", job.ModelKey, job.Trial)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := job.Key()
	if existing, ok := l.jobs[key]; ok && existing.Status.live() {
		return fmt.Errorf("ledger: %s held by %s job %s: %w",
			key, existing.Status, existing.ProviderJobID, ErrDuplicateTrial)
	}

	rec := cloneJob(job)
	if rec.Status == "" {
		rec.Status = StatusSubmitted
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.SubmittedAt

	prev, had := l.jobs[key]
	l.jobs[key] = rec
	if err := l.flushLocked(); err != nil {
		if had {
			l.jobs[key] = prev
		} else {
			delete(l.jobs, key)
		}
		return err
	}
	return nil
}

// UpdateStatus transitions a job per the state machine and flushes.
func (l *FileLedger) UpdateStatus(modelKey string, trial int, status Status, rawOutputRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key(modelKey, trial)
	job, ok := l.jobs[key]
	if !ok {
		return fmt.Errorf("ledger: %s: %w", key, ErrNotFound)
	}
	if !validTransition(job.Status, status) {
		return fmt.Errorf("ledger: %s: %s -> %s: %w", key, job.Status, status, ErrInvalidTransition)
	}

	updated := cloneJob(job)
	updated.Status = status
	updated.UpdatedAt = time.Now().UTC()
	if rawOutputRef != "" {
		updated.RawOutputRef = rawOutputRef
	}

	l.jobs[key] = updated
	if err := l.flushLocked(); err != nil {
		l.jobs[key] = job
		return err
	}
	return nil
}

// RecordError stores failure detail on a job without changing its status.
func (l *FileLedger) RecordError(modelKey string, trial int, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key(modelKey, trial)
	job, ok := l.jobs[key]
	if !ok {
		return fmt.Errorf("ledger: %s: %w", key, ErrNotFound)
	}
	updated := cloneJob(job)
	updated.Error = detail
	updated.UpdatedAt = time.Now().UTC()

	l.jobs[key] = updated
	if err := l.flushLocked(); err != nil {
		l.jobs[key] = job
		return err
	}
	return nil
}

// Get returns a copy of the job for the key.
func (l *FileLedger) Get(modelKey string, trial int) (*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[Key(modelKey, trial)]
	if !ok {
		return nil, fmt.Errorf("ledger: %s: %w", Key(modelKey, trial), ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListPending returns submitted and pending jobs in key order.
func (l *FileLedger) ListPending() []*Job {
	return l.filter(func(j *Job) bool {
		return j.Status == StatusSubmitted || j.Status == StatusPending
	})
}

// Completed returns completed jobs in key order.
func (l *FileLedger) Completed() []*Job {
	return l.filter(func(j *Job) bool { return j.Status == StatusCompleted })
}

// List returns all jobs in key order.
func (l *FileLedger) List() []*Job {
	return l.filter(func(*Job) bool { return true })
}

func (l *FileLedger) filter(keep func(*Job) bool) []*Job {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.jobs))
	for k := range l.jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*Job
	for _, k := range keys {
		if keep(l.jobs[k]) {
			out = append(out, cloneJob(l.jobs[k]))
		}
	}
	return out
}

// flushLocked writes the job map durably. Callers hold l.mu.
func (l *FileLedger) flushLocked() error {
	if dir := filepath.Dir(l.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ledger: create dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(l.jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("ledger: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ledger: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ledger: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: close: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: rename: %w", err)
	}
	return nil
}
