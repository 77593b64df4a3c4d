// ABOUTME: Tests for task/result correlation.
// ABOUTME: Covers dispatch scenarios, exactly-once settlement, late and unknown results, and eager failure.

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/taskrelay/internal/protocol"
)

type recordingObserver struct {
	mu         sync.Mutex
	dispatched []string
	settled    []*protocol.Result
	discarded  map[string]bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{discarded: make(map[string]bool)}
}

func (o *recordingObserver) TaskDispatched(_ string, task *protocol.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatched = append(o.dispatched, task.TaskID)
}

func (o *recordingObserver) TaskSettled(_ string, _ *protocol.Task, res *protocol.Result, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settled = append(o.settled, res)
}

func (o *recordingObserver) ResultDiscarded(taskID string, late bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.discarded[taskID] = late
}

func (o *recordingObserver) settledCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.settled)
}

func (o *recordingObserver) wasDiscarded(taskID string) (late, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	late, ok = o.discarded[taskID]
	return late, ok
}

func newTestCorrelator(t *testing.T, opts CorrelatorOptions) (*Manager, *Correlator, *recordingObserver) {
	t.Helper()
	mgr := NewManager(testLogger())
	obs := newRecordingObserver()
	opts.Observers = append(opts.Observers, obs)
	corr := NewCorrelator(mgr, opts, testLogger())
	t.Cleanup(corr.Close)
	return mgr, corr, obs
}

func TestDispatchSuccess(t *testing.T) {
	mgr, corr, obs := newTestCorrelator(t, CorrelatorOptions{})
	_, stream := registerAgent(t, mgr, "dev-1")

	go func() {
		task := stream.nextTask(t)
		corr.Resolve(&protocol.Result{
			TaskID:   task.TaskID,
			Success:  true,
			Message:  "scanned",
			Duration: 12.34,
		})
	}()

	res := corr.Dispatch(context.Background(), DispatchRequest{
		ClientID: "dev-1",
		App:      "wechat",
		Workflow: "scan_from_album",
		Params:   protocol.Params{"image_index": 0},
		Timeout:  5 * time.Second,
	})

	require.True(t, res.Success, "unexpected failure: %+v", res)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, 12.34, res.Duration)
	assert.Equal(t, "scanned", res.Message)
	assert.Equal(t, 0, corr.Pending())
	assert.Equal(t, 1, obs.settledCount())

	sent := stream.sentMessages()
	require.Len(t, sent, 1)
	task := sent[0].(*protocol.Task)
	assert.Equal(t, res.TaskID, task.TaskID)
	assert.Equal(t, "wechat", task.App)
	assert.Equal(t, "scan_from_album", task.Workflow)
	assert.Equal(t, float64(5), task.Timeout)
	assert.Equal(t, float64(0), task.Params["image_index"])
}

func TestDispatchUnknownClient(t *testing.T) {
	mgr, corr, obs := newTestCorrelator(t, CorrelatorOptions{})
	_, stream := registerAgent(t, mgr, "dev-1")

	res := corr.Dispatch(context.Background(), DispatchRequest{
		ClientID: "dev-2",
		App:      "wechat",
		Workflow: "scan_from_album",
	})

	assert.False(t, res.Success)
	assert.Equal(t, protocol.CodeClientNotFound, res.ErrorCode)
	assert.Contains(t, res.Error, "dev-2")
	assert.Empty(t, stream.sentMessages(), "nothing may be sent")
	assert.Equal(t, 0, corr.Pending())
	assert.Equal(t, 1, obs.settledCount())
}

func TestDispatchTimeoutThenLateResult(t *testing.T) {
	mgr, corr, obs := newTestCorrelator(t, CorrelatorOptions{})
	conn, stream := registerAgent(t, mgr, "dev-1")

	var taskID string
	done := make(chan struct{})
	go func() {
		defer close(done)
		taskID = stream.nextTask(t).TaskID
		// Agent drops mid-task.
		mgr.Unregister(conn)
	}()

	res := corr.Dispatch(context.Background(), DispatchRequest{
		ClientID: "dev-1",
		App:      "wechat",
		Workflow: "scan_from_album",
		Timeout:  50 * time.Millisecond,
	})
	<-done

	assert.False(t, res.Success)
	assert.Equal(t, protocol.CodeTimeout, res.ErrorCode)
	assert.Equal(t, taskID, res.TaskID)
	assert.Equal(t, 0, corr.Pending())

	corr.Resolve(&protocol.Result{TaskID: taskID, Success: true})

	late, ok := obs.wasDiscarded(taskID)
	assert.True(t, ok, "late result should be discarded")
	assert.True(t, late, "discarded result should be classed as late")
	assert.Equal(t, 1, obs.settledCount())
}

func TestResolveUnknownTask(t *testing.T) {
	_, corr, obs := newTestCorrelator(t, CorrelatorOptions{})

	assert.NotPanics(t, func() {
		corr.Resolve(&protocol.Result{TaskID: "forged", Success: true})
	})

	late, ok := obs.wasDiscarded("forged")
	assert.True(t, ok)
	assert.False(t, late)
}

func TestDuplicateResultIsDiscarded(t *testing.T) {
	mgr, corr, obs := newTestCorrelator(t, CorrelatorOptions{})
	_, stream := registerAgent(t, mgr, "dev-1")

	var taskID string
	go func() {
		task := stream.nextTask(t)
		taskID = task.TaskID
		corr.Resolve(&protocol.Result{TaskID: task.TaskID, Success: true, Message: "first"})
	}()

	res := corr.Dispatch(context.Background(), DispatchRequest{ClientID: "dev-1", App: "a", Workflow: "w"})
	require.True(t, res.Success)

	corr.Resolve(&protocol.Result{TaskID: taskID, Success: false, Error: "second"})
	late, ok := obs.wasDiscarded(taskID)
	assert.True(t, ok)
	assert.True(t, late)
	assert.Equal(t, "first", res.Message)
}

func TestDispatchSendError(t *testing.T) {
	mgr, corr, _ := newTestCorrelator(t, CorrelatorOptions{})
	_, stream := registerAgent(t, mgr, "dev-1")
	stream.sendErr = errors.New("broken pipe")

	res := corr.Dispatch(context.Background(), DispatchRequest{ClientID: "dev-1", App: "a", Workflow: "w"})

	assert.False(t, res.Success)
	assert.Equal(t, protocol.CodeSendError, res.ErrorCode)
	assert.Contains(t, res.Error, "broken pipe")
	assert.Equal(t, 0, corr.Pending())
}

func TestDispatchCancelled(t *testing.T) {
	mgr, corr, _ := newTestCorrelator(t, CorrelatorOptions{})
	_, stream := registerAgent(t, mgr, "dev-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stream.nextTask(t)
		cancel()
	}()

	res := corr.Dispatch(ctx, DispatchRequest{ClientID: "dev-1", App: "a", Workflow: "w", Timeout: 5 * time.Second})

	assert.False(t, res.Success)
	assert.Equal(t, protocol.CodeCancelled, res.ErrorCode)
	assert.Equal(t, 0, corr.Pending())
}

func TestDispatchWriteIgnoresCallerCancellation(t *testing.T) {
	mgr, corr, _ := newTestCorrelator(t, CorrelatorOptions{})
	_, stream := registerAgent(t, mgr, "dev-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := corr.Dispatch(ctx, DispatchRequest{ClientID: "dev-1", App: "a", Workflow: "w", Timeout: 5 * time.Second})
	assert.Equal(t, protocol.CodeCancelled, res.ErrorCode)

	stream.mu.Lock()
	defer stream.mu.Unlock()
	require.Len(t, stream.writeCtxErrs, 1)
	assert.NoError(t, stream.writeCtxErrs[0], "task write saw the caller's cancellation")
	assert.False(t, stream.closed)
}

func TestEffectiveTimeout(t *testing.T) {
	_, corr, _ := newTestCorrelator(t, CorrelatorOptions{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     time.Minute,
	})

	tests := []struct {
		name      string
		requested time.Duration
		want      time.Duration
	}{
		{"zero uses default", 0, 30 * time.Second},
		{"negative uses default", -time.Second, 30 * time.Second},
		{"within cap", 45 * time.Second, 45 * time.Second},
		{"capped", 10 * time.Minute, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, corr.EffectiveTimeout(tt.requested))
		})
	}
}

func TestExactlyOneOutcomeUnderRace(t *testing.T) {
	mgr, corr, obs := newTestCorrelator(t, CorrelatorOptions{})
	_, stream := registerAgent(t, mgr, "dev-1")

	const rounds = 50
	var resolved, timedOut atomic.Int32

	go func() {
		for i := 0; i < rounds; i++ {
			task := stream.nextTask(t)
			// Land the result right around the deadline.
			time.Sleep(time.Duration(i%3) * time.Millisecond)
			corr.Resolve(&protocol.Result{TaskID: task.TaskID, Success: true})
		}
	}()

	for i := 0; i < rounds; i++ {
		res := corr.Dispatch(context.Background(), DispatchRequest{
			ClientID: "dev-1",
			App:      "a",
			Workflow: "w",
			Timeout:  time.Millisecond,
		})
		switch {
		case res.Success:
			resolved.Add(1)
		case res.ErrorCode == protocol.CodeTimeout:
			timedOut.Add(1)
		default:
			t.Fatalf("unexpected outcome: %+v", res)
		}
	}

	assert.Equal(t, int32(rounds), resolved.Load()+timedOut.Load())
	assert.Equal(t, rounds, obs.settledCount())
	assert.Equal(t, 0, corr.Pending())
}

func TestFailClient(t *testing.T) {
	mgr, corr, _ := newTestCorrelator(t, CorrelatorOptions{})
	_, s1 := registerAgent(t, mgr, "dev-1")
	_, s2 := registerAgent(t, mgr, "dev-2")

	results := make(chan *protocol.Result, 2)
	for _, id := range []string{"dev-1", "dev-2"} {
		go func(clientID string) {
			results <- corr.Dispatch(context.Background(), DispatchRequest{
				ClientID: clientID, App: "a", Workflow: "w", Timeout: 5 * time.Second,
			})
		}(id)
	}
	s1.nextTask(t)
	other := s2.nextTask(t)

	assert.Equal(t, 1, corr.FailClient("dev-1"))

	res := <-results
	assert.Equal(t, protocol.CodeClientDisconnected, res.ErrorCode)
	assert.Equal(t, 1, corr.Pending(), "other client's task stays pending")

	corr.Resolve(&protocol.Result{TaskID: other.TaskID, Success: true})
	res = <-results
	assert.True(t, res.Success)
}

func TestTaskIDsAreUnique(t *testing.T) {
	mgr, corr, _ := newTestCorrelator(t, CorrelatorOptions{})
	_, stream := registerAgent(t, mgr, "dev-1")

	seen := make(map[string]bool)
	go func() {
		for i := 0; i < 20; i++ {
			task := stream.nextTask(t)
			corr.Resolve(&protocol.Result{TaskID: task.TaskID, Success: true})
		}
	}()
	for i := 0; i < 20; i++ {
		res := corr.Dispatch(context.Background(), DispatchRequest{ClientID: "dev-1", App: "a", Workflow: fmt.Sprint(i)})
		require.True(t, res.Success)
		assert.False(t, seen[res.TaskID], "task id reused")
		seen[res.TaskID] = true
	}
}
