package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jkatigb/storai-app/internal/generation"
	"github.com/jkatigb/storai-app/internal/story"
)

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func newPool(t *testing.T, opts PoolOptions) *Pool {
	t.Helper()
	opts.Log = quietLogger()
	p := NewPool(opts)
	t.Cleanup(p.Close)
	return p
}

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	stages := story.NewStages(generation.TemplateAdapter{}, time.Second, quietLogger())
	d, err := New(newPool(t, PoolOptions{Workers: 2}), NewOperations(stages), quietLogger())
	require.NoError(t, err)
	return d
}

const storyParams = `{"age_range":"4-6","themes":["friendship"],"moral":"share","characters":[{"name":"Luna","description":"a rabbit"}],"story_setting":"meadow"}`

func TestParseTaskType(t *testing.T) {
	for _, tt := range TaskTypes {
		got, err := ParseTaskType(string(tt))
		require.NoError(t, err)
		assert.Equal(t, tt, got)
	}
	got, err := ParseTaskType("generate_image_description")
	require.NoError(t, err)
	assert.Equal(t, TaskGenerateImageDescription, got)

	_, err = ParseTaskType("summarize")
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}

func TestStatus_CanMoveTo(t *testing.T) {
	assert.True(t, StatusQueued.CanMoveTo(StatusRunning))
	assert.True(t, StatusRunning.CanMoveTo(StatusDone))
	assert.True(t, StatusRunning.CanMoveTo(StatusFailed))
	assert.False(t, StatusRunning.CanMoveTo(StatusQueued))
	assert.False(t, StatusDone.CanMoveTo(StatusFailed))
	assert.False(t, StatusFailed.CanMoveTo(StatusDone))

	data, err := json.Marshal(map[string]Status{"status": StatusRunning})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"running"}`, string(data))
}

func TestPool_RunsJobsWithTheirOwnIDs(t *testing.T) {
	p := newPool(t, PoolOptions{Workers: 2})
	ctx := context.Background()

	id1, err := p.Submit(ctx, func(ctx context.Context) (any, error) { return "a", nil })
	require.NoError(t, err)
	id2, err := p.Submit(ctx, func(ctx context.Context) (any, error) { return nil, errors.New("nope") })
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id1)
	assert.Equal(t, "exec-2", id2)

	st, res, err := p.Wait(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, st)
	assert.Equal(t, "a", res)

	st, _, err = p.Wait(ctx, id2)
	assert.Equal(t, StatusFailed, st)
	assert.EqualError(t, err, "nope")

	_, err = p.Status("exec-99")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestPool_StatusIsMonotonic(t *testing.T) {
	p := newPool(t, PoolOptions{Workers: 1})
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})

	id, err := p.Submit(ctx, func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return 1, nil
	})
	require.NoError(t, err)
	<-started
	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	close(release)
	st, _, err = p.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, st)

	// finishing twice keeps the first outcome
	p.mu.RLock()
	e := p.execs[id]
	p.mu.RUnlock()
	p.finish(e, nil, errors.New("late"))
	st, res, err := p.Result(id)
	assert.Equal(t, StatusDone, st)
	assert.Equal(t, 1, res)
	assert.NoError(t, err)
}

func TestPool_TimeoutAndPanic(t *testing.T) {
	p := newPool(t, PoolOptions{Workers: 1, Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	id, err := p.Submit(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	st, _, err := p.Wait(ctx, id)
	assert.Equal(t, StatusFailed, st)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	id, err = p.Submit(ctx, func(ctx context.Context) (any, error) { panic("boom") })
	require.NoError(t, err)
	st, _, err = p.Wait(ctx, id)
	assert.Equal(t, StatusFailed, st)
	assert.ErrorContains(t, err, "boom")
}

func TestPool_CloseStopsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := NewPool(PoolOptions{Workers: 3, QueueSize: 4, Log: quietLogger()})
	ctx := context.Background()
	block := make(chan struct{})
	running, err := p.Submit(ctx, func(ctx context.Context) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	p.Close()
	p.Close()

	st, _, err := p.Result(running)
	assert.True(t, st == StatusFailed || st == StatusDone, "status %s", st)
	if st == StatusFailed {
		assert.Error(t, err)
	}

	_, err = p.Submit(ctx, func(ctx context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_SubmitHonorsContextWhenQueueFull(t *testing.T) {
	p := newPool(t, PoolOptions{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	job := func(ctx context.Context) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	}

	started := make(chan struct{})
	_, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		return job(ctx)
	})
	require.NoError(t, err)
	<-started
	_, err = p.Submit(context.Background(), job)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Submit(ctx, job)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_RequiresEveryTaskType(t *testing.T) {
	stages := story.NewStages(generation.TemplateAdapter{}, 0, quietLogger())
	ops := NewOperations(stages)
	delete(ops, TaskGenerateImage)

	_, err := New(newPool(t, PoolOptions{Workers: 1}), ops, quietLogger())
	assert.ErrorIs(t, err, ErrUnboundTaskType)
}

func TestDispatcher_EveryTaskType(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	payloads := map[TaskType]string{
		TaskSynopsis:                 storyParams,
		TaskOutline:                  storyParams,
		TaskEnhanceOutline:           `{"parameters":` + storyParams + `,"title":"T","sections":[{"name":"Beginning","outline":"Luna wakes"}]}`,
		TaskDevelopSection:           `{"section_name":"Beginning","section_outline":"Luna wakes","additional_context":{"mood":"calm"}}`,
		TaskGenerateImageDescription: `{"scene":{"setting":"meadow","text":"Luna wakes"},"story_parameters":` + storyParams + `}`,
		TaskGenerateImage:            `{"image_prompt":"a rabbit in a meadow"}`,
	}
	for tt, payload := range payloads {
		id, err := d.Enqueue(ctx, "user-1", string(tt), json.RawMessage(payload))
		require.NoError(t, err, tt)

		res, err := d.Wait(ctx, id, "user-1")
		require.NoError(t, err, tt)
		assert.NotNil(t, res, tt)

		st, err := d.Status(id, "user-1")
		require.NoError(t, err)
		assert.Equal(t, StatusDone, st)
	}
}

func TestDispatcher_TaskResultsAreTyped(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "u", "generate_image", json.RawMessage(`{"image_prompt":"cat"}`))
	require.NoError(t, err)
	res, err := d.Wait(ctx, id, "u")
	require.NoError(t, err)
	img, ok := res.(ImageResult)
	require.True(t, ok)
	assert.NotEmpty(t, img.ImageURL)

	id, err = d.Enqueue(ctx, "u", "develop_section", json.RawMessage(`{"section_name":"Middle","section_outline":"the fox"}`))
	require.NoError(t, err)
	res, err = d.Wait(ctx, id, "u")
	require.NoError(t, err)
	sec, ok := res.(SectionResult)
	require.True(t, ok)
	assert.Equal(t, "Middle", sec.SectionName)
	assert.Len(t, sec.Scenes, 2)
}

func TestDispatcher_OwnershipIsolation(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "alice", "synopsis", json.RawMessage(storyParams))
	require.NoError(t, err)
	_, err = d.Wait(ctx, id, "alice")
	require.NoError(t, err)

	_, err = d.Status(id, "bob")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = d.Result(id, "bob")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = d.Result("no-such-task", "alice")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDispatcher_WaitMapsMissingExecutionAndDeadline(t *testing.T) {
	d := newDispatcher(t)
	d.tasks["orphan"] = taskRecord{userID: "u", execID: "exec-missing", taskType: TaskSynopsis, created: time.Now()}

	_, err := d.Wait(context.Background(), "orphan", "u")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = d.Result("orphan", "u")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	release := make(chan struct{})
	defer close(release)
	ops := Operations{}
	for _, tt := range TaskTypes {
		ops[tt] = func(ctx context.Context, userID string, params json.RawMessage) (any, error) {
			<-release
			return nil, nil
		}
	}
	slow, err := New(newPool(t, PoolOptions{Workers: 1}), ops, quietLogger())
	require.NoError(t, err)
	id, err := slow.Enqueue(context.Background(), "u", "synopsis", json.RawMessage(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slow.Wait(ctx, id, "u")
	assert.ErrorIs(t, err, ErrResultPending)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_UnknownTypeAndMissingUser(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Enqueue(context.Background(), "u", "translate", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	_, err = d.Enqueue(context.Background(), "", "synopsis", json.RawMessage(storyParams))
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestDispatcher_PendingFailedAndIdempotentResults(t *testing.T) {
	release := make(chan struct{})
	ops := Operations{}
	for _, tt := range TaskTypes {
		ops[tt] = func(ctx context.Context, userID string, params json.RawMessage) (any, error) {
			return nil, errors.New("unused")
		}
	}
	ops[TaskSynopsis] = func(ctx context.Context, userID string, params json.RawMessage) (any, error) {
		<-release
		return map[string]string{"synopsis": "done"}, nil
	}
	ops[TaskOutline] = func(ctx context.Context, userID string, params json.RawMessage) (any, error) {
		return nil, errors.New("model unavailable")
	}
	d, err := New(newPool(t, PoolOptions{Workers: 2}), ops, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()

	slow, err := d.Enqueue(ctx, "u", "synopsis", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = d.Result(slow, "u")
	assert.ErrorIs(t, err, ErrResultPending)

	close(release)
	first, err := d.Wait(ctx, slow, "u")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := d.Result(slow, "u")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	failed, err := d.Enqueue(ctx, "u", "outline", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = d.Wait(ctx, failed, "u")
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.ErrorContains(t, err, "model unavailable")
	st, err := d.Status(failed, "u")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st)
}

func TestDispatcher_InvalidPayloadFailsTask(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	id, err := d.Enqueue(ctx, "u", "generate-image", json.RawMessage(`{"image_prompt":""}`))
	require.NoError(t, err)
	_, err = d.Wait(ctx, id, "u")
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDispatcher_ConcurrentEnqueue(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := d.Enqueue(ctx, "u", "generate-image", json.RawMessage(`{"image_prompt":"x"}`))
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id])
		seen[id] = true
		_, err := d.Wait(ctx, id, "u")
		assert.NoError(t, err)
	}
}
