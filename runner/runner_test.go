package runner_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cytovae/runner"
)

// recorder tracks which jobs ran and on which device.
type recorder struct {
	mu   sync.Mutex
	runs map[string]string
}

func newRecorder() *recorder {
	return &recorder{runs: make(map[string]string)}
}

func (r *recorder) job(name string) runner.Job {
	return runner.Job{
		Name: name,
		Run: func(_ context.Context, device string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.runs[name] = device
			return nil
		},
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func TestRun_AllJobs(t *testing.T) {
	rec := newRecorder()
	jobs := make([]runner.Job, 0, 5)
	for i := 0; i < 5; i++ {
		jobs = append(jobs, rec.job(fmt.Sprintf("job-%d", i)))
	}

	require.NoError(t, runner.Run(context.Background(), []string{"go", "go"}, jobs))
	require.Equal(t, 5, rec.count())
	for name, device := range rec.runs {
		assert.Equal(t, "go", device, "job %s", name)
	}
}

func TestRun_DefaultDevice(t *testing.T) {
	rec := newRecorder()
	require.NoError(t, runner.Run(context.Background(), nil, []runner.Job{rec.job("only")}))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, "", rec.runs["only"])
}

func TestRun_ErrorStopsDispatch(t *testing.T) {
	rec := newRecorder()
	boom := errors.New("boom")
	jobs := []runner.Job{
		rec.job("first"),
		{Name: "failing", Run: func(context.Context, string) error { return boom }},
		rec.job("after"),
	}

	// A single worker runs jobs in order, so nothing after the failure runs.
	err := runner.Run(context.Background(), []string{"go"}, jobs)
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "runner: job failing")
	assert.Equal(t, 1, rec.count())
	assert.NotContains(t, rec.runs, "after")
}

func TestRun_ContextCancel(t *testing.T) {
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runner.Run(ctx, []string{"go"}, []runner.Job{rec.job("never")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rec.count())
}

func TestRun_NilRun(t *testing.T) {
	err := runner.Run(context.Background(), nil, []runner.Job{{Name: "empty"}})
	require.ErrorContains(t, err, "runner: job empty has no Run function")
}

func TestRun_NoJobs(t *testing.T) {
	require.NoError(t, runner.Run(context.Background(), []string{"go"}, nil))
}
