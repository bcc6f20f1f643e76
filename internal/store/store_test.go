package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"meetingbot/pkg/meeting"
)

// newTestStore spins a real Postgres in a container, following the
// pack's testcontainers-go/modules/postgres pattern rather than mocking
// GORM — ApplyTransition's row-locking semantics are exactly what a mock
// would paper over.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("meetingbot_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	s, err := New(&Config{
		Host:     host,
		Port:     port.Int(),
		User:     "test",
		Password: "test",
		DBName:   "meetingbot_test",
		SSLMode:  "disable",
		TimeZone: "UTC",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateMeeting_EnforcesUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMeeting(ctx, 1, meeting.PlatformGoogleMeet, "abc-defg-hij", "")
	require.NoError(t, err)
	require.Equal(t, meeting.StatusRequested, m.Status)

	_, err = s.CreateMeeting(ctx, 1, meeting.PlatformGoogleMeet, "abc-defg-hij", "")
	require.ErrorIs(t, err, ErrConflict)

	// A different user is unaffected by the first user's active row.
	_, err = s.CreateMeeting(ctx, 2, meeting.PlatformGoogleMeet, "abc-defg-hij", "")
	require.NoError(t, err)
}

func TestApplyTransition_ValidPathSetsTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMeeting(ctx, 1, meeting.PlatformZoom, "1234567890", "")
	require.NoError(t, err)

	ok, m, err := s.ApplyTransition(ctx, m.ID, TransitionRequest{To: meeting.StatusJoining, Source: meeting.SourceBot})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, meeting.StatusJoining, m.Status)
	require.Nil(t, m.StartTime)

	ok, m, err = s.ApplyTransition(ctx, m.ID, TransitionRequest{To: meeting.StatusActive, Source: meeting.SourceBot})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, m.StartTime)
	require.Nil(t, m.EndTime)

	ok, m, err = s.ApplyTransition(ctx, m.ID, TransitionRequest{
		To:               meeting.StatusCompleted,
		Source:            meeting.SourceBot,
		CompletionReason: meeting.CompletionStopped,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, m.EndTime)

	data := meeting.DecodeData(m.DataJSON)
	require.Len(t, data.StatusTransition, 3)
	require.Equal(t, meeting.StatusRequested, data.StatusTransition[0].From)
	require.Equal(t, meeting.CompletionStopped, data.StatusTransition[2].CompletionReason)
}

func TestApplyTransition_InvalidTransitionReturnsFalseNotError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMeeting(ctx, 1, meeting.PlatformTeams, "some-teams-id", "")
	require.NoError(t, err)

	ok, _, err := s.ApplyTransition(ctx, m.ID, TransitionRequest{
		To: meeting.StatusCompleted, CompletionReason: meeting.CompletionStopped,
	})
	require.NoError(t, err)
	require.True(t, ok)

	// Meeting is now terminal; any further transition is rejected without error.
	ok, m2, err := s.ApplyTransition(ctx, m.ID, TransitionRequest{To: meeting.StatusActive})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, meeting.StatusCompleted, m2.Status)

	data := meeting.DecodeData(m2.DataJSON)
	require.Len(t, data.StatusTransition, 1, "rejected transition must not append an audit entry")
}

func TestApplyTransition_GuardBlocksStopLatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMeeting(ctx, 1, meeting.PlatformGoogleMeet, "latched-meeting", "")
	require.NoError(t, err)

	ok, m, err := s.ApplyTransition(ctx, m.ID, TransitionRequest{
		To:     m.Status,
		Guard:  func(meeting.Status, meeting.Data) bool { return false },
	})
	require.NoError(t, err)
	require.False(t, ok)

	guard := func(current meeting.Status, data meeting.Data) bool { return !data.StopRequested }
	ok, _, err = s.ApplyTransition(ctx, m.ID, TransitionRequest{To: meeting.StatusJoining, Guard: guard})
	require.NoError(t, err)
	require.True(t, ok, "guard allows the transition when stop_requested is unset")

	require.NoError(t, s.SetStopRequested(ctx, m.ID))
	ok, _, err = s.ApplyTransition(ctx, m.ID, TransitionRequest{To: meeting.StatusAwaitingAdmission, Guard: guard})
	require.NoError(t, err)
	require.False(t, ok, "guard blocks the transition once stop_requested is latched")
}

func TestSessionUIDRouting_EarliestVsLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMeeting(ctx, 1, meeting.PlatformZoom, "session-routing", "")
	require.NoError(t, err)

	require.NoError(t, s.RecordSessionStart(ctx, m.ID, "session-a"))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.RecordSessionStart(ctx, m.ID, "session-b"))

	// Idempotent re-record of the same uid must not create a duplicate row.
	require.NoError(t, s.RecordSessionStart(ctx, m.ID, "session-a"))

	earliest, err := s.EarliestSessionUID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "session-a", earliest)

	latest, err := s.LatestSessionUID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "session-b", latest)
}

func TestCountActiveForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateMeeting(ctx, 7, meeting.PlatformGoogleMeet, "cap-1", "")
	require.NoError(t, err)
	_, err = s.CreateMeeting(ctx, 7, meeting.PlatformZoom, "cap-2", "")
	require.NoError(t, err)

	count, err := s.CountActiveForUser(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
