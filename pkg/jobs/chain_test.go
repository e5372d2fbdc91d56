package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLauncher completes each launch asynchronously with the next exit
// code from codes.
type scriptedLauncher struct {
	mu       sync.Mutex
	codes    []int
	launched []Spec
	failAt   int
}

func (l *scriptedLauncher) Start(ctx context.Context, spec Spec, updater Updater) (*Job, error) {
	l.mu.Lock()
	n := len(l.launched)
	if l.failAt > 0 && n+1 == l.failAt {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: step %d", ErrPrerequisite, n+1)
	}
	l.launched = append(l.launched, spec)
	code := l.codes[n]
	l.mu.Unlock()

	job := Job{Key: fmt.Sprintf("convert_%d_base", 100+n), Kind: spec.Kind, PID: 100 + n, State: StateRunning}
	updater(Update{Job: job, Body: []string{}})
	go func() {
		updater(Update{Job: job, Body: []string{fmt.Sprintf("frame from step %d", n+1)}})
		done := job
		done.ExitCode = &code
		done.State = stateForExit(code)
		updater(Update{Job: done, Body: []string{}})
	}()
	return &job, nil
}

func (l *scriptedLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func steps(n int) []Spec {
	out := make([]Spec, n)
	for i := range out {
		out[i] = Spec{Kind: KindConversion, KeyPrefix: "convert", KeySuffix: "base", CommandLine: fmt.Sprintf("step %d", i+1)}
	}
	return out
}

func TestChain_AllStepsSucceed(t *testing.T) {
	l := &scriptedLauncher{codes: []int{0, 0, 0}}
	completed := make(chan Job, 1)
	chain := &Chain{
		Launcher: l,
		OnComplete: func(ctx context.Context, job Job) error {
			completed <- job
			return nil
		},
	}
	c := newCollector()

	job, err := chain.Start(context.Background(), steps(3), c.update)
	require.NoError(t, err)
	assert.Equal(t, "convert_100_base", job.Key)

	updates := c.wait(t)
	assert.Equal(t, 3, l.launches())
	assert.Empty(t, l.launched[0].Key)
	assert.Equal(t, "convert_100_base", l.launched[1].Key)
	assert.Equal(t, "convert_100_base", l.launched[2].Key)

	terminals := 0
	for _, u := range updates {
		assert.Equal(t, "convert_100_base", u.Key)
		assert.Equal(t, KindConversion, u.Kind)
		if u.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	last := updates[len(updates)-1]
	require.True(t, last.Terminal())
	assert.Equal(t, 0, *last.ExitCode)
	assert.Contains(t, last.Body, "Conversion 3 of 3 Complete")
	assert.Equal(t,
		[]string{"Conversion 1 of 3 Complete", "Conversion 2 of 3 Complete", "Conversion 3 of 3 Complete"},
		linesOf(updates, "Conversion "))

	select {
	case got := <-completed:
		assert.Equal(t, "convert_100_base", got.Key)
	case <-time.After(time.Second):
		t.Fatal("completion hook not called")
	}
}

func TestChain_StopsAtFirstFailure(t *testing.T) {
	l := &scriptedLauncher{codes: []int{0, 5, 0, 0}}
	called := false
	failed := make(chan Job, 1)
	chain := &Chain{
		Launcher: l,
		OnComplete: func(context.Context, Job) error {
			called = true
			return nil
		},
		OnFailure: func(ctx context.Context, job Job) error {
			failed <- job
			return errors.New("logged only")
		},
	}
	c := newCollector()

	_, err := chain.Start(context.Background(), steps(4), c.update)
	require.NoError(t, err)

	updates := c.wait(t)
	assert.Equal(t, 2, l.launches())
	assert.False(t, called)
	select {
	case job := <-failed:
		assert.Equal(t, "convert_100_base", job.Key)
		assert.Equal(t, 5, *job.ExitCode)
	default:
		t.Fatal("failure hook must run before the terminal update")
	}

	last := updates[len(updates)-1]
	require.True(t, last.Terminal())
	assert.Equal(t, 5, *last.ExitCode)
	assert.Equal(t, "convert_100_base", last.Key)
}

func TestChain_LaunchErrorMidChainIsTerminal(t *testing.T) {
	l := &scriptedLauncher{codes: []int{0, 0, 0}, failAt: 2}
	c := newCollector()

	var failedKey string
	chain := &Chain{Launcher: l, OnFailure: func(ctx context.Context, job Job) error {
		failedKey = job.Key
		return nil
	}}
	_, err := chain.Start(context.Background(), steps(3), c.update)
	require.NoError(t, err)

	updates := c.wait(t)
	assert.Equal(t, 1, l.launches())
	assert.Equal(t, "convert_100_base", failedKey)
	last := updates[len(updates)-1]
	assert.Equal(t, -1, *last.ExitCode)
	assert.Equal(t, "convert_100_base", last.Key)
}

func TestChain_FirstStepPreconditionIsSynchronous(t *testing.T) {
	l := &scriptedLauncher{codes: []int{0}, failAt: 1}
	_, err := (&Chain{Launcher: l}).Start(context.Background(), steps(1), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPrerequisite))
	assert.Equal(t, 0, l.launches())
}

func TestChain_RealProcesses(t *testing.T) {
	skipOnWindows(t)
	specs := []Spec{
		{Kind: KindConversion, KeyPrefix: "convert", KeySuffix: "/media", Shell: shShell{}, CommandLine: "echo one"},
		{Kind: KindConversion, KeyPrefix: "convert", KeySuffix: "/media", Shell: shShell{}, CommandLine: "echo two"},
	}
	c := newCollector()
	job, err := (&Chain{Launcher: NewRunner()}).Start(context.Background(), specs, c.update)
	require.NoError(t, err)

	updates := c.wait(t)
	last := updates[len(updates)-1]
	assert.Equal(t, job.Key, last.Key)
	assert.Equal(t, 0, *last.ExitCode)
	assert.Equal(t, []string{"one"}, linesOf(updates, "one"))
	assert.Equal(t, []string{"two"}, linesOf(updates, "two"))
}
