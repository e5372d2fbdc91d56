package jobs

import "time"

// Kind identifies what a job runs.
//
// NOTE: These values are persisted in dive_job_manifest.json and are part of
// the on-disk contract shared with the desktop client.
type Kind string

const (
	KindPipeline   Kind = "pipeline"
	KindTraining   Kind = "training"
	KindConversion Kind = "conversion"
)

// State is the lifecycle state of a job as recorded in its manifest.
type State string

const (
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
	StateUnknown State = "unknown"
)

// ManifestFileName is written into every job working directory.
const ManifestFileName = "dive_job_manifest.json"

// RunLogFileName receives the raw stdout and stderr of a job.
const RunLogFileName = "runlog.txt"

// Job identifies one spawned process.
//
// Key is stable for the lifetime of the job. ExitCode stays nil until the
// process has exited and is set exactly once.
type Job struct {
	Key        string     `json:"key"`
	Kind       Kind       `json:"jobType"`
	Title      string     `json:"title"`
	Command    string     `json:"command"`
	DatasetIDs []string   `json:"datasetIds"`
	PID        int        `json:"pid"`
	WorkingDir string     `json:"workingDir"`
	State      State      `json:"state"`
	ExitCode   *int       `json:"exitCode"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`

	LogPath       string     `json:"logPath,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// Done reports whether the job has exited.
func (j Job) Done() bool {
	return j.ExitCode != nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j Job) Clone() Job {
	out := j
	if j.DatasetIDs != nil {
		out.DatasetIDs = append([]string(nil), j.DatasetIDs...)
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		out.ExitCode = &code
	}
	if j.EndTime != nil {
		t := *j.EndTime
		out.EndTime = &t
	}
	if j.LastHeartbeat != nil {
		t := *j.LastHeartbeat
		out.LastHeartbeat = &t
	}
	return out
}

// Update is a Job snapshot plus a batch of output lines.
//
// An update whose Job carries an exit code is terminal; exactly one terminal
// update is delivered per job and it is always the last.
type Update struct {
	Job
	Body []string `json:"body"`
}

// Terminal reports whether this is the final update for its job.
func (u Update) Terminal() bool {
	return u.Job.ExitCode != nil
}

// Updater receives job updates. Calls for a single job never overlap.
type Updater func(Update)

func stateForExit(code int) State {
	if code == 0 {
		return StateSuccess
	}
	return StateFailed
}
