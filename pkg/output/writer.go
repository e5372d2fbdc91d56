package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/3leaps/viamerun/pkg/jobs"
)

// Writer emits JSONL records. Implementations are safe for concurrent use.
type Writer interface {
	WriteUpdate(ctx context.Context, u *UpdateRecord) error
	WriteError(ctx context.Context, e *ErrorRecord) error
	WriteSummary(ctx context.Context, s *SummaryRecord) error
	WritePublish(ctx context.Context, p *PublishRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w        io.Writer
	runID    string
	platform string
	now      func() time.Time

	mu     sync.Mutex
	closed bool
}

func NewJSONLWriter(w io.Writer, runID, platform string) *JSONLWriter {
	return &JSONLWriter{
		w:        w,
		runID:    runID,
		platform: platform,
		now:      time.Now,
	}
}

func (jw *JSONLWriter) WriteUpdate(ctx context.Context, u *UpdateRecord) error {
	return jw.writeRecord(ctx, TypeUpdate, u)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, e *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, e)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, s *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, s)
}

func (jw *JSONLWriter) WritePublish(ctx context.Context, p *PublishRecord) error {
	return jw.writeRecord(ctx, TypePublish, p)
}

// Close marks the writer closed. The underlying io.Writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:     recordType,
		TS:       jw.now().UTC(),
		RunID:    jw.runID,
		Platform: jw.platform,
		Data:     dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)

// NewUpdateRecord flattens a job update.
func NewUpdateRecord(u jobs.Update) *UpdateRecord {
	return &UpdateRecord{
		Key:        u.Key,
		Kind:       string(u.Kind),
		Title:      u.Title,
		PID:        u.PID,
		State:      string(u.State),
		ExitCode:   u.ExitCode,
		WorkingDir: u.WorkingDir,
		Lines:      u.Body,
	}
}

// Follower turns a job's update stream into JSONL. Update is a
// jobs.Updater; Done is closed after the terminal update has been written
// together with its summary.
type Follower struct {
	w     Writer
	ctx   context.Context
	lines int64
	errs  []error

	done    chan struct{}
	summary SummaryRecord
}

func NewFollower(ctx context.Context, w Writer) *Follower {
	return &Follower{w: w, ctx: ctx, done: make(chan struct{})}
}

// Update records u. Calls for one job never overlap, so no locking is needed
// beyond what the Writer does.
func (f *Follower) Update(u jobs.Update) {
	f.lines += int64(len(u.Body))
	if err := f.w.WriteUpdate(f.ctx, NewUpdateRecord(u)); err != nil {
		f.errs = append(f.errs, err)
	}
	if !u.Terminal() {
		return
	}

	end := time.Now()
	if u.EndTime != nil {
		end = *u.EndTime
	}
	elapsed := end.Sub(u.StartTime)
	f.summary = SummaryRecord{
		Key:           u.Key,
		Kind:          string(u.Kind),
		ExitCode:      *u.ExitCode,
		WorkingDir:    u.WorkingDir,
		Lines:         f.lines,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	}
	if err := f.w.WriteSummary(f.ctx, &f.summary); err != nil {
		f.errs = append(f.errs, err)
	}
	close(f.done)
}

// Done is closed once the job has finished.
func (f *Follower) Done() <-chan struct{} { return f.done }

// Summary returns the final summary. Valid after Done is closed.
func (f *Follower) Summary() SummaryRecord { return f.summary }

// Errors returns write failures seen while following. Valid after Done is
// closed.
func (f *Follower) Errors() []error { return f.errs }
