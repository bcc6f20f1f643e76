package launcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	_ Launcher = (*DockerLauncher)(nil)
	_ Launcher = (*ClusterJobLauncher)(nil)
)

func TestClusterJobLauncher_StartStopVerify(t *testing.T) {
	jobs := map[string]bool{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			jobs["job-1"] = true
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-1":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]bool{"running": jobs["job-1"]})
		case r.Method == http.MethodDelete && r.URL.Path == "/jobs/job-1":
			delete(jobs, "job-1")
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	l, err := NewClusterJobLauncher(&ClusterJobConfig{BaseURL: srv.URL, JobImage: "meetingbot/bot:latest"})
	require.NoError(t, err)

	spec := StartSpec{MeetingID: 1, UserID: 2, Platform: "zoom", NativeID: "123", SessionUID: "sess-1"}
	handle, err := l.StartBot(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, "job-1", handle.Handle)
	require.Equal(t, "zoom", handle.Labels["platform"])

	running, err := l.VerifyRunning(context.Background(), handle.Handle)
	require.NoError(t, err)
	require.True(t, running)

	require.NoError(t, l.StopBot(context.Background(), handle.Handle))

	running, err = l.VerifyRunning(context.Background(), handle.Handle)
	require.NoError(t, err)
	require.False(t, running)
}

func TestClusterJobLauncher_RequiresBaseURL(t *testing.T) {
	_, err := NewClusterJobLauncher(&ClusterJobConfig{})
	require.Error(t, err)
}

func TestClusterJobLauncher_StartBotEnforcesConcurrencyCap(t *testing.T) {
	running := []map[string]any{
		{
			"job_id":     "job-existing",
			"created_at": "2026-01-01T00:00:00Z",
			"labels":     map[string]string{"platform": "zoom", "user_id": "2"},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/jobs":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(running)
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-new"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	l, err := NewClusterJobLauncher(&ClusterJobConfig{BaseURL: srv.URL, JobImage: "meetingbot/bot:latest"})
	require.NoError(t, err)

	spec := StartSpec{MeetingID: 1, UserID: 2, Platform: "zoom", NativeID: "123", SessionUID: "sess-1", MaxConcurrentBots: 1}
	handle, err := l.StartBot(context.Background(), spec)
	require.Nil(t, handle)
	require.ErrorIs(t, err, ErrLimitExceeded)
}
