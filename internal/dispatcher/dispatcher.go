// Package dispatcher is the Post-Meeting Dispatcher (component G): once a
// meeting reaches a terminal state, it runs any registered post-meeting
// tasks (e.g. transcript shipping, webhook notification) in the
// background, keyed by meeting id so a single meeting's tasks never run
// twice concurrently. Grounded on the teacher's
// internal/deploy/alwayson.Service.Reconcile, whose semaphore-bounded
// worker-per-item fan-out is adapted here from periodic reconciliation to
// one-shot dispatch triggered by a lifecycle transition.
package dispatcher

import (
	"context"
	"sync"

	"meetingbot/internal/logging"
	"meetingbot/internal/metrics"
	"meetingbot/pkg/meeting"
)

// Task runs a post-meeting action. Errors are logged, not retried — a
// failed notification must never block the meeting from being considered
// done.
type Task func(ctx context.Context, m *meeting.Meeting) error

// Dispatcher fans a completed/failed meeting out to every registered task,
// bounding total concurrency and de-duplicating by meeting id.
type Dispatcher struct {
	tasks []Task
	sem   chan struct{}

	mu      sync.Mutex
	running map[uint]bool
}

// New builds a Dispatcher that runs at most maxConcurrent meetings' worth
// of post-processing at a time.
func New(maxConcurrent int) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Dispatcher{
		sem:     make(chan struct{}, maxConcurrent),
		running: make(map[uint]bool),
	}
}

// Register adds a task to run for every dispatched meeting. Not safe to
// call concurrently with Dispatch; call during startup wiring only.
func (d *Dispatcher) Register(t Task) {
	d.tasks = append(d.tasks, t)
}

// Dispatch runs all registered tasks for m in the background. It returns
// immediately; callers must not assume tasks have completed when it
// returns. Re-dispatching the same meeting id while a prior run is still
// in flight is a no-op.
func (d *Dispatcher) Dispatch(m *meeting.Meeting) {
	d.mu.Lock()
	if d.running[m.ID] {
		d.mu.Unlock()
		logging.S().Infow("dispatcher: meeting already dispatching, skipping", "meeting_id", m.ID)
		return
	}
	d.running[m.ID] = true
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.running, m.ID)
			d.mu.Unlock()
		}()

		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		metrics.Get().RecordDispatch()

		ctx := context.Background()
		var wg sync.WaitGroup
		for _, task := range d.tasks {
			task := task
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := task(ctx, m); err != nil {
					logging.S().Errorw("dispatcher: post-meeting task failed", "meeting_id", m.ID, "error", err)
				}
			}()
		}
		wg.Wait()
	}()
}

// IsRunning reports whether meetingID currently has post-meeting tasks in
// flight, primarily for tests and diagnostics.
func (d *Dispatcher) IsRunning(meetingID uint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[meetingID]
}
