package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/viamerun/pkg/jobs"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var r Record
		require.NoError(t, json.Unmarshal([]byte(line), &r), line)
		out = append(out, r)
	}
	return out
}

func TestJSONLWriter_WriteUpdate(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "linux")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	code := 0
	err := w.WriteUpdate(context.Background(), &UpdateRecord{
		Key: "pipeline_42_/wd", Kind: "pipeline", PID: 42, State: "success",
		ExitCode: &code, Lines: []string{"frame 1", "frame 2"},
	})
	require.NoError(t, err)

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, TypeUpdate, records[0].Type)
	assert.Equal(t, "run-123", records[0].RunID)
	assert.Equal(t, "linux", records[0].Platform)
	assert.Equal(t, fixed, records[0].TS)

	var data UpdateRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &data))
	assert.Equal(t, "pipeline_42_/wd", data.Key)
	assert.Equal(t, []string{"frame 1", "frame 2"}, data.Lines)
	require.NotNil(t, data.ExitCode)
	assert.Equal(t, 0, *data.ExitCode)
}

func TestJSONLWriter_RunningUpdateOmitsExitCode(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "linux")
	require.NoError(t, w.WriteUpdate(context.Background(), &UpdateRecord{Key: "k", State: "running"}))

	records := decodeLines(t, &buf)
	assert.NotContains(t, string(records[0].Data), "exit_code")
	assert.NotContains(t, string(records[0].Data), "lines")
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "windows")

	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{
		Code: ErrCodePrecondition, Message: "setup script missing",
	}))

	records := decodeLines(t, &buf)
	assert.Equal(t, TypeError, records[0].Type)
	var data ErrorRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &data))
	assert.Equal(t, ErrCodePrecondition, data.Code)
	assert.Empty(t, data.Key)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "linux")
	require.NoError(t, w.WriteUpdate(context.Background(), &UpdateRecord{Key: "a"}))
	require.NoError(t, w.WritePublish(context.Background(), &PublishRecord{Key: "a", Bytes: 3}))

	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	records := decodeLines(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, TypePublish, records[1].Type)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "linux")
	require.NoError(t, w.Close())

	err := w.WriteUpdate(context.Background(), &UpdateRecord{Key: "k"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "linux")

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = w.WriteUpdate(context.Background(), &UpdateRecord{Key: "k", PID: id*perWriter + j})
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, &buf), writers*perWriter)
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "linux")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteUpdate(ctx, &UpdateRecord{Key: "k"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

type failingWriter struct{ err error }

func (f *failingWriter) Write(p []byte) (int, error) { return 0, f.err }

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	return sw.buf.Write(p[:min(len(p), sw.bytesPerWrite)])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (int, error) { return 0, nil }

func TestJSONLWriter_WriteFailures(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run", "linux")
	err := w.WriteUpdate(context.Background(), &UpdateRecord{Key: "k"})
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "write", writeErr.Op)

	short := &shortWriteWriter{bytesPerWrite: 7}
	w = NewJSONLWriter(short, "run", "linux")
	require.NoError(t, w.WriteUpdate(context.Background(), &UpdateRecord{Key: "pipeline_1_/some/long/dir"}))
	assert.Len(t, decodeLines(t, &short.buf), 1)

	w = NewJSONLWriter(zeroWriteWriter{}, "run", "linux")
	assert.ErrorIs(t, w.WriteUpdate(context.Background(), &UpdateRecord{Key: "k"}), io.ErrShortWrite)

	w = NewJSONLWriter(io.Discard, "run", "linux")
	err = w.WriteError(context.Background(), &ErrorRecord{Details: func() {}})
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "marshal_data", writeErr.Op)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}
	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestFollower(t *testing.T) {
	var buf bytes.Buffer
	f := NewFollower(context.Background(), NewJSONLWriter(&buf, "run", "linux"))

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	job := jobs.Job{Key: "training_7_/wd", Kind: jobs.KindTraining, PID: 7, State: jobs.StateRunning, StartTime: start, WorkingDir: "/wd"}

	f.Update(jobs.Update{Job: job, Body: []string{}})
	f.Update(jobs.Update{Job: job, Body: []string{"epoch 1", "epoch 2"}})
	select {
	case <-f.Done():
		t.Fatal("follower finished before terminal update")
	default:
	}

	code := 3
	job.ExitCode = &code
	job.EndTime = &end
	job.State = jobs.StateFailed
	f.Update(jobs.Update{Job: job, Body: []string{"boom"}})

	<-f.Done()
	assert.Empty(t, f.Errors())
	sum := f.Summary()
	assert.Equal(t, 3, sum.ExitCode)
	assert.Equal(t, int64(3), sum.Lines)
	assert.Equal(t, 1500*time.Millisecond, sum.Duration)
	assert.Equal(t, "1.5s", sum.DurationHuman)

	records := decodeLines(t, &buf)
	require.Len(t, records, 4)
	assert.Equal(t, TypeUpdate, records[2].Type)
	assert.Equal(t, TypeSummary, records[3].Type)
}
