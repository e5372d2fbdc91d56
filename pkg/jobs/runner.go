// Package jobs launches external tool processes and relays their output.
//
// Each job is one OS process started through a platform shell. Its stdout and
// stderr are split into lines and delivered to an Updater; when the process
// exits, an optional success hook runs and a single terminal update carrying
// the exit code is emitted.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Precondition errors. Launches failing these never spawn a process.
var (
	ErrSetupScriptMissing    = errors.New("setup script missing")
	ErrPipelineMissing       = errors.New("pipeline file missing")
	ErrTrainingConfigMissing = errors.New("training config missing")
	ErrPrerequisite          = errors.New("prerequisite missing")
)

// DefaultHeartbeatInterval bounds how often a running job's manifest is
// rewritten while output is flowing.
const DefaultHeartbeatInterval = 30 * time.Second

// Shell builds the command that runs a shell line. Implementations live in
// pkg/platform.
type Shell interface {
	Command(ctx context.Context, line string) *exec.Cmd
}

// Prerequisite is a file that must exist before a job may start.
type Prerequisite struct {
	Path string
	// Err is wrapped into the launch error when Path is absent.
	Err error
}

// Spec describes one process launch.
type Spec struct {
	Kind       Kind
	Title      string
	DatasetIDs []string

	// Key overrides the generated key. When empty the key is
	// "<KeyPrefix>_<pid>_<KeySuffix>", with KeySuffix defaulting to WorkingDir.
	Key       string
	KeyPrefix string
	KeySuffix string

	Shell       Shell
	CommandLine string
	WorkingDir  string

	// LogFile receives raw output; RunLogFileName in WorkingDir when empty
	// and WorkingDir is set.
	LogFile string

	Prerequisites []Prerequisite

	// OnSuccess runs after a zero exit, before the terminal update. Its
	// error is logged and never changes the exit code.
	OnSuccess func(ctx context.Context, job Job) error
}

// CheckPrerequisites returns the first missing prerequisite as an error
// wrapping its sentinel. Prerequisites must be regular files.
func CheckPrerequisites(pre []Prerequisite) error {
	for _, p := range pre {
		sentinel := p.Err
		if sentinel == nil {
			sentinel = ErrPrerequisite
		}
		st, err := os.Stat(p.Path)
		if err != nil {
			return fmt.Errorf("%w: %s does not exist", sentinel, p.Path)
		}
		if !st.Mode().IsRegular() {
			return fmt.Errorf("%w: %s is not a file", sentinel, p.Path)
		}
	}
	return nil
}

// Launcher starts jobs. *Runner is the production implementation.
type Launcher interface {
	Start(ctx context.Context, spec Spec, updater Updater) (*Job, error)
}

// Runner spawns jobs and tracks them in a Store.
type Runner struct {
	store     *Store
	logger    *zap.Logger
	heartbeat time.Duration
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore persists job manifests through s.
func WithStore(s *Store) Option {
	return func(r *Runner) { r.store = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithHeartbeatInterval sets the minimum spacing of manifest heartbeats.
// Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runner) { r.heartbeat = d }
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		store:     NewStore(""),
		logger:    zap.NewNop(),
		heartbeat: DefaultHeartbeatInterval,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Launcher = (*Runner)(nil)

// Start validates prerequisites, spawns the process and returns immediately.
//
// The returned Job has no exit code. Updates are delivered to updater from
// background goroutines; the terminal update arrives after both output
// streams have drained and the process has been reaped. ctx carries values
// to the success hook; its cancellation affects neither the process nor
// the hook.
func (r *Runner) Start(ctx context.Context, spec Spec, updater Updater) (*Job, error) {
	if spec.Shell == nil {
		return nil, fmt.Errorf("job shell is required")
	}
	if strings.TrimSpace(spec.CommandLine) == "" {
		return nil, fmt.Errorf("job command line is empty")
	}
	if updater == nil {
		updater = func(Update) {}
	}

	if err := CheckPrerequisites(spec.Prerequisites); err != nil {
		return nil, err
	}

	if spec.WorkingDir != "" {
		if err := os.MkdirAll(spec.WorkingDir, 0755); err != nil {
			return nil, fmt.Errorf("create working dir: %w", err)
		}
	}

	logPath := spec.LogFile
	if logPath == "" && spec.WorkingDir != "" {
		logPath = filepath.Join(spec.WorkingDir, RunLogFileName)
	}
	var logFile *os.File
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open run log: %w", err)
		}
		logFile = f
	}

	ctx = context.WithoutCancel(ctx)
	cmd := spec.Shell.Command(ctx, spec.CommandLine)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeQuietly(logFile)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeQuietly(logFile)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := r.now()
	t := &tracker{
		runner:  r,
		updater: updater,
		job: Job{
			Kind:       spec.Kind,
			Title:      spec.Title,
			Command:    spec.CommandLine,
			DatasetIDs: append([]string(nil), spec.DatasetIDs...),
			WorkingDir: spec.WorkingDir,
			State:      StateRunning,
			StartTime:  start,
			LogPath:    logPath,
		},
	}
	if r.heartbeat > 0 {
		t.limiter = rate.NewLimiter(rate.Every(r.heartbeat), 1)
		t.limiter.Allow()
	}

	if err := cmd.Start(); err != nil {
		// Spawn failures surface like any other failed run: one terminal
		// update with a non-zero exit code.
		t.job.Key = jobKey(spec, 0)
		r.logger.Warn("Job failed to spawn", zap.String("key", t.job.Key), zap.Error(err))
		if logFile != nil {
			_, _ = fmt.Fprintf(logFile, "%v\n", err)
			closeQuietly(logFile)
		}
		snapshot := t.job.Clone()
		go t.finish(-1, []string{err.Error()}, nil)
		return &snapshot, nil
	}

	t.job.PID = cmd.Process.Pid
	t.job.Key = jobKey(spec, t.job.PID)
	t.job.LastHeartbeat = &start

	if spec.WorkingDir != "" {
		if err := r.store.Write(&t.job); err != nil {
			r.logger.Warn("Failed to write job manifest", zap.String("key", t.job.Key), zap.Error(err))
		}
	}

	r.logger.Debug("Job started",
		zap.String("key", t.job.Key),
		zap.String("kind", string(t.job.Kind)),
		zap.Int("pid", t.job.PID),
	)

	t.emit(nil)
	snapshot := t.job.Clone()

	var tee io.Writer
	if logFile != nil {
		tee = &lockedWriter{w: logFile}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go t.relayStream(&wg, stdout, tee, "stdout")
	go t.relayStream(&wg, stderr, tee, "stderr")

	go func() {
		wg.Wait()
		code := exitCodeOf(cmd.Wait())
		var hookErr error
		if code == 0 && spec.OnSuccess != nil {
			t.mu.Lock()
			done := t.job.Clone()
			t.mu.Unlock()
			if err := spec.OnSuccess(ctx, done); err != nil {
				hookErr = err
				r.logger.Error("Post-processing failed", zap.String("key", done.Key), zap.Error(err))
				if tee != nil {
					_, _ = fmt.Fprintf(tee, "post-processing failed: %v\n", err)
				}
			}
		}
		closeQuietly(logFile)
		t.finish(code, nil, hookErr)
	}()

	return &snapshot, nil
}

// tracker owns one job's mutable state. mu serializes updater calls.
type tracker struct {
	runner  *Runner
	updater Updater
	limiter *rate.Limiter

	mu  sync.Mutex
	job Job
}

func (t *tracker) relayStream(wg *sync.WaitGroup, r io.Reader, tee io.Writer, name string) {
	defer wg.Done()
	if err := relay(r, tee, t.emit); err != nil {
		t.runner.logger.Debug("Output relay ended with error",
			zap.String("key", t.job.Key), zap.String("stream", name), zap.Error(err))
	}
}

func (t *tracker) emit(lines []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limiter != nil && len(lines) > 0 && t.job.WorkingDir != "" && t.limiter.Allow() {
		now := t.runner.now()
		t.job.LastHeartbeat = &now
		_ = t.runner.store.Write(&t.job)
	}

	body := lines
	if body == nil {
		body = []string{}
	}
	t.updater(Update{Job: t.job.Clone(), Body: body})
}

func (t *tracker) finish(code int, body []string, hookErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.runner.now()
	t.job.ExitCode = &code
	t.job.EndTime = &end
	t.job.State = stateForExit(code)

	if t.job.WorkingDir != "" {
		if err := t.runner.store.Write(&t.job); err != nil {
			t.runner.logger.Warn("Failed to write job manifest", zap.String("key", t.job.Key), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("key", t.job.Key),
		zap.Int("exit_code", code),
		zap.Duration("elapsed", end.Sub(t.job.StartTime)),
	}
	if hookErr != nil {
		fields = append(fields, zap.NamedError("post_process_error", hookErr))
	}
	t.runner.logger.Debug("Job finished", fields...)

	if body == nil {
		body = []string{}
	}
	t.updater(Update{Job: t.job.Clone(), Body: body})
}

func jobKey(spec Spec, pid int) string {
	if spec.Key != "" {
		return spec.Key
	}
	prefix := spec.KeyPrefix
	if prefix == "" {
		prefix = string(spec.Kind)
	}
	suffix := spec.KeySuffix
	if suffix == "" {
		suffix = spec.WorkingDir
	}
	return fmt.Sprintf("%s_%d_%s", prefix, pid, suffix)
}

// exitCodeOf maps a Wait error to a process exit code. Processes killed by a
// signal report -1.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
