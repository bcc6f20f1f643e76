package reaper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleStop_ExecutesAfterDelay(t *testing.T) {
	var stopped atomic.Bool
	r := New(func(ctx context.Context, handle string) error {
		stopped.Store(true)
		return nil
	}, 20*time.Millisecond)

	r.ScheduleStop(1, "container-1")
	require.True(t, r.Pending(1))
	require.Eventually(t, stopped.Load, time.Second, 5*time.Millisecond)
	require.False(t, r.Pending(1))
}

func TestScheduleStop_CancelPreventsStop(t *testing.T) {
	var stopped atomic.Bool
	r := New(func(ctx context.Context, handle string) error {
		stopped.Store(true)
		return nil
	}, 20*time.Millisecond)

	r.ScheduleStop(1, "container-1")
	r.Cancel(1)
	time.Sleep(50 * time.Millisecond)
	require.False(t, stopped.Load())
	require.False(t, r.Pending(1))
}

func TestScheduleStop_RescheduleReplacesTimer(t *testing.T) {
	var calls atomic.Int32
	r := New(func(ctx context.Context, handle string) error {
		calls.Add(1)
		return nil
	}, 30*time.Millisecond)

	r.ScheduleStop(1, "container-1")
	r.ScheduleStop(1, "container-1")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestAdmissionWatchdog_FiresOnTimeout(t *testing.T) {
	var fired atomic.Bool
	w := NewAdmissionWatchdog(20 * time.Millisecond)
	w.Arm(1, func() { fired.Store(true) })
	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestAdmissionWatchdog_DisarmPreventsTimeout(t *testing.T) {
	var fired atomic.Bool
	w := NewAdmissionWatchdog(20 * time.Millisecond)
	w.Arm(1, func() { fired.Store(true) })
	w.Disarm(1)
	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load())
}
