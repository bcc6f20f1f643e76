package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meetingbot/pkg/meeting"
)

func TestDispatch_RunsAllRegisteredTasks(t *testing.T) {
	var calls atomic.Int32
	d := New(2)
	d.Register(func(ctx context.Context, m *meeting.Meeting) error {
		calls.Add(1)
		return nil
	})
	d.Register(func(ctx context.Context, m *meeting.Meeting) error {
		calls.Add(1)
		return nil
	})

	d.Dispatch(&meeting.Meeting{ID: 1, Status: meeting.StatusCompleted})
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !d.IsRunning(1) }, time.Second, 5*time.Millisecond)
}

func TestDispatch_SkipsDuplicateWhileRunning(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	d := New(2)
	d.Register(func(ctx context.Context, m *meeting.Meeting) error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	})

	m := &meeting.Meeting{ID: 5, Status: meeting.StatusFailed}
	d.Dispatch(m)
	<-started
	d.Dispatch(m) // should be a no-op, task still running
	close(release)

	require.Eventually(t, func() bool { return !d.IsRunning(5) }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestDispatch_TaskErrorDoesNotPanic(t *testing.T) {
	d := New(1)
	d.Register(func(ctx context.Context, m *meeting.Meeting) error {
		return context.DeadlineExceeded
	})
	d.Dispatch(&meeting.Meeting{ID: 9, Status: meeting.StatusCompleted})
	require.Eventually(t, func() bool { return !d.IsRunning(9) }, time.Second, 5*time.Millisecond)
}
