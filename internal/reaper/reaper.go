// Package reaper is the Delayed Reaper (component F): it schedules a
// deferred bot shutdown after a STOP request and a second, independent
// watchdog that kills bots which never leave the admission-pending state in
// time. Grounded on the pack's time.AfterFunc scheduling convention (see
// codeready-toolchain-tarsy's Worker.scheduleEventCleanup, which defers a
// single cleanup action by a fixed grace period rather than running a
// polling loop).
package reaper

import (
	"context"
	"sync"
	"time"

	"meetingbot/internal/logging"
	"meetingbot/internal/metrics"
)

// StopFunc stops a running bot by its launcher handle.
type StopFunc func(ctx context.Context, handle string) error

// Reaper defers bot shutdowns and tracks pending admission timeouts so a
// user-visible STOP command, or a bot stuck waiting to be let into a
// meeting, eventually results in a stopped container even if the normal
// lifecycle callback never arrives.
type Reaper struct {
	stop  StopFunc
	delay time.Duration

	mu      sync.Mutex
	pending map[uint]*time.Timer // meeting id -> scheduled stop
}

// Config controls the reaper's grace periods.
type Config struct {
	// StopDelay is how long to wait after a STOP request before forcibly
	// killing the bot container, giving it time to leave the meeting
	// gracefully and publish its own exited callback.
	StopDelay time.Duration
	// AdmissionTimeout bounds how long a bot may sit in
	// awaiting_admission before the reaper kills it and marks the
	// meeting failed.
	AdmissionTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		StopDelay:        30 * time.Second,
		AdmissionTimeout: 5 * time.Minute,
	}
}

// New builds a Reaper that stops bots via stop.
func New(stop StopFunc, delay time.Duration) *Reaper {
	return &Reaper{stop: stop, delay: delay, pending: make(map[uint]*time.Timer)}
}

// ScheduleStop arranges for handle to be stopped after the reaper's delay,
// unless Cancel is called first (the bot exited on its own in the
// meantime). Re-scheduling for the same meeting id replaces the prior
// timer.
func (r *Reaper) ScheduleStop(meetingID uint, handle string) {
	r.ScheduleStopIn(meetingID, handle, r.delay)
}

// ScheduleStopIn is ScheduleStop with an explicit delay, for callers that
// need something other than the reaper's configured grace period — the
// StopBot fast-stop path schedules immediately (delay 0), while the general
// STOP path goes through ScheduleStop and its configured delay.
func (r *Reaper) ScheduleStopIn(meetingID uint, handle string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.pending[meetingID]; ok {
		existing.Stop()
	}

	r.pending[meetingID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.pending, meetingID)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.stop(ctx, handle); err != nil {
			metrics.Get().RecordReap("error")
			logging.S().Errorw("reaper: scheduled stop failed", "meeting_id", meetingID, "handle", handle, "error", err)
			return
		}
		metrics.Get().RecordReap("success")
		logging.S().Infow("reaper: scheduled stop executed", "meeting_id", meetingID, "handle", handle)
	})
}

// Cancel stops a pending scheduled reap, used when the bot's own exited
// callback arrives before the grace period elapses.
func (r *Reaper) Cancel(meetingID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.pending[meetingID]; ok {
		t.Stop()
		delete(r.pending, meetingID)
	}
}

// Pending reports whether meetingID currently has a scheduled reap,
// primarily for tests and diagnostics.
func (r *Reaper) Pending(meetingID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[meetingID]
	return ok
}

// AdmissionWatchdog schedules a one-shot kill+fail for a bot that has sat
// in awaiting_admission past cfg.AdmissionTimeout. onTimeout is expected to
// both stop the bot and transition the meeting to failed — the reaper
// itself has no opinion on FSM semantics.
type AdmissionWatchdog struct {
	timeout time.Duration
	mu      sync.Mutex
	timers  map[uint]*time.Timer
}

// NewAdmissionWatchdog builds a watchdog using the given timeout.
func NewAdmissionWatchdog(timeout time.Duration) *AdmissionWatchdog {
	return &AdmissionWatchdog{timeout: timeout, timers: make(map[uint]*time.Timer)}
}

// Arm starts (or restarts) the timeout for meetingID. onTimeout runs once,
// off the caller's goroutine, if Disarm is not called first.
func (w *AdmissionWatchdog) Arm(meetingID uint, onTimeout func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.timers[meetingID]; ok {
		existing.Stop()
	}
	w.timers[meetingID] = time.AfterFunc(w.timeout, func() {
		w.mu.Lock()
		delete(w.timers, meetingID)
		w.mu.Unlock()
		onTimeout()
	})
}

// Disarm cancels a pending admission timeout, called once the bot reaches active.
func (w *AdmissionWatchdog) Disarm(meetingID uint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[meetingID]; ok {
		t.Stop()
		delete(w.timers, meetingID)
	}
}
