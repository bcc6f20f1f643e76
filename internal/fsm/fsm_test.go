package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"meetingbot/pkg/meeting"
)

func TestAllowed_TableDriven(t *testing.T) {
	cases := []struct {
		name string
		from meeting.Status
		to   meeting.Status
		want bool
	}{
		{"requested to joining", meeting.StatusRequested, meeting.StatusJoining, true},
		{"requested to active direct", meeting.StatusRequested, meeting.StatusActive, true},
		{"requested to awaiting admission", meeting.StatusRequested, meeting.StatusAwaitingAdmission, true},
		{"joining to awaiting admission", meeting.StatusJoining, meeting.StatusAwaitingAdmission, true},
		{"awaiting admission to active", meeting.StatusAwaitingAdmission, meeting.StatusActive, true},
		{"active to completed", meeting.StatusActive, meeting.StatusCompleted, true},
		{"active to failed", meeting.StatusActive, meeting.StatusFailed, true},
		{"completed has no outgoing edges", meeting.StatusCompleted, meeting.StatusActive, false},
		{"failed has no outgoing edges", meeting.StatusFailed, meeting.StatusJoining, false},
		{"active cannot regress to joining", meeting.StatusActive, meeting.StatusJoining, false},
		{"self transition rejected", meeting.StatusActive, meeting.StatusActive, false},
		{"unknown status rejected", meeting.Status("bogus"), meeting.StatusActive, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Allowed(tc.from, tc.to))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, meeting.SourceUser, Classify(meeting.StatusRequested, meeting.StatusCompleted, false, true))
	assert.Equal(t, meeting.SourceBot, Classify(meeting.StatusRequested, meeting.StatusJoining, true, false))
	assert.Equal(t, meeting.SourceSystem, Classify(meeting.StatusRequested, meeting.StatusFailed, false, false))
}

func TestSetsStartAndEndTime(t *testing.T) {
	assert.True(t, SetsStartTime(meeting.StatusActive))
	assert.False(t, SetsStartTime(meeting.StatusJoining))

	assert.True(t, SetsEndTime(meeting.StatusCompleted))
	assert.True(t, SetsEndTime(meeting.StatusFailed))
	assert.False(t, SetsEndTime(meeting.StatusActive))
}

func TestNoStateEverExitsTerminal(t *testing.T) {
	for _, terminal := range []meeting.Status{meeting.StatusCompleted, meeting.StatusFailed} {
		for _, to := range []meeting.Status{
			meeting.StatusRequested, meeting.StatusJoining, meeting.StatusAwaitingAdmission,
			meeting.StatusActive, meeting.StatusCompleted, meeting.StatusFailed,
		} {
			assert.False(t, Allowed(terminal, to), "terminal state %s must have no outgoing edges", terminal)
		}
	}
}
