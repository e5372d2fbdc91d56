package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// ErrJobNotFound is returned when no manifest exists for a job directory.
var ErrJobNotFound = errors.New("job not found")

// Store persists and loads job manifests.
//
// Directory layout:
//
//	<root>/<job dir>/dive_job_manifest.json
//	<root>/<job dir>/runlog.txt
//
// Root is normally <dataPath>/DIVE_Jobs. Manifests are always written next to
// the job's working directory, which may live outside root.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

// JobDir resolves a job directory name (or absolute path) against root.
func (s *Store) JobDir(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.root, name)
}

func (s *Store) ManifestPath(dir string) string {
	return filepath.Join(s.JobDir(dir), ManifestFileName)
}

// Write atomically replaces the manifest in job.WorkingDir.
func (s *Store) Write(job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	dir := strings.TrimSpace(job.WorkingDir)
	if dir == "" {
		return fmt.Errorf("job working dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job manifest: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, ManifestFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, ManifestFileName)); err != nil {
		return fmt.Errorf("rename job manifest: %w", err)
	}
	return nil
}

// Get loads the manifest for a job directory.
//
// A manifest that claims to be running but whose pid is gone is reported
// (and rewritten) as unknown.
func (s *Store) Get(dir string) (*Job, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("job dir is required")
	}
	b, err := os.ReadFile(s.ManifestPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, dir)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%s is empty", ManifestFileName)
	}

	var job Job
	if err := json.Unmarshal([]byte(trimmed), &job); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFileName, err)
	}
	if job.WorkingDir == "" {
		job.WorkingDir = s.JobDir(dir)
	}

	if !job.Done() && job.State == StateRunning && job.PID > 0 && !isProcessAlive(job.PID) {
		job.State = StateUnknown
		now := time.Now().UTC()
		job.LastHeartbeat = &now
		_ = s.Write(&job)
	}

	return &job, nil
}

// List returns every job under root, newest first.
func (s *Store) List() ([]Job, error) {
	if strings.TrimSpace(s.root) == "" {
		return nil, fmt.Errorf("job store root dir is empty")
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *j)
	}

	sort.Slice(out, func(i, k int) bool {
		return out[i].StartTime.After(out[k].StartTime)
	})

	return out, nil
}

// Find resolves a job by exact key, directory name, or unique key prefix.
func (s *Store) Find(input string) (*Job, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("job key is required")
	}

	if j, err := s.Get(input); err == nil {
		return j, nil
	}

	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var matches []Job
	for _, j := range all {
		if j.Key == input {
			jj := j
			return &jj, nil
		}
		if strings.HasPrefix(j.Key, input) || strings.HasPrefix(filepath.Base(j.WorkingDir), input) {
			matches = append(matches, j)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, input)
	}
	if len(matches) > 1 {
		return nil, fmt.Errorf("job key prefix is ambiguous (%d matches); use the full key", len(matches))
	}
	return &matches[0], nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
