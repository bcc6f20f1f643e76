// Package fsm implements the orchestrator's status state machine as a pure
// function, not a mutable struct with subscribers — the teacher's
// AgentFSM (internal/agents/core/state_machine.go) guards a single
// in-process struct with a sync.RWMutex and a []transition table; here the
// database row is the only authority (concurrency control lives in
// internal/store's SELECT ... FOR UPDATE), so there is nothing for a mutex
// to protect. The public surface is Allowed and Classify plus the
// SetsStartTime/SetsEndTime timestamp predicates.
package fsm

import "meetingbot/pkg/meeting"

// edge is one permitted state→state transition, mirroring the teacher's
// two-field transition tuple minus the Event field: bot callbacks here name
// the target state directly instead of firing an event that maps to one.
type edge struct {
	From meeting.Status
	To   meeting.Status
}

var table = []edge{
	{meeting.StatusRequested, meeting.StatusJoining},
	{meeting.StatusRequested, meeting.StatusAwaitingAdmission},
	{meeting.StatusRequested, meeting.StatusActive},
	{meeting.StatusRequested, meeting.StatusCompleted},
	{meeting.StatusRequested, meeting.StatusFailed},

	{meeting.StatusJoining, meeting.StatusAwaitingAdmission},
	{meeting.StatusJoining, meeting.StatusActive},
	{meeting.StatusJoining, meeting.StatusCompleted},
	{meeting.StatusJoining, meeting.StatusFailed},

	{meeting.StatusAwaitingAdmission, meeting.StatusActive},
	{meeting.StatusAwaitingAdmission, meeting.StatusCompleted},
	{meeting.StatusAwaitingAdmission, meeting.StatusFailed},

	{meeting.StatusActive, meeting.StatusCompleted},
	{meeting.StatusActive, meeting.StatusFailed},
}

// Allowed reports whether a transition from one status to another is
// admitted by the table. Terminal states have no outgoing edges, so any
// from in meeting.Terminal returns false unconditionally.
func Allowed(from, to meeting.Status) bool {
	if from.IsTerminal() {
		return false
	}
	for _, e := range table {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// Classify assigns a TransitionSource to a (from, to) pair given the
// channel the transition arrived on. callback is true for any
// callback-driven change (joining, awaiting_admission, started, exited);
// userStop is true only for an explicit user-initiated stop.
func Classify(from, to meeting.Status, callback, userStop bool) meeting.TransitionSource {
	switch {
	case userStop:
		return meeting.SourceUser
	case callback:
		return meeting.SourceBot
	default:
		return meeting.SourceSystem
	}
}

// SetsStartTime reports whether a transition into `to` sets Meeting.StartTime
// for the first time — true exactly when entering ACTIVE (invariant 4).
func SetsStartTime(to meeting.Status) bool {
	return to == meeting.StatusActive
}

// SetsEndTime reports whether a transition into `to` sets Meeting.EndTime —
// true exactly when entering a terminal state (invariant 4).
func SetsEndTime(to meeting.Status) bool {
	return to.IsTerminal()
}
