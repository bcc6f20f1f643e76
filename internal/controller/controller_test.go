package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"meetingbot/internal/auth"
	"meetingbot/internal/bus"
	"meetingbot/internal/dispatcher"
	"meetingbot/internal/launcher"
	"meetingbot/internal/middleware"
	"meetingbot/internal/publisher"
	"meetingbot/internal/reaper"
	"meetingbot/internal/store"
	"meetingbot/pkg/meeting"
)

// fakeLauncher is an in-memory Launcher used in place of the Docker/cluster
// variants, following launcher_test.go's httptest-server approach but
// cutting out the network hop entirely since the controller only needs a
// predictable StartBot/StopBot/ListRunningBots to exercise its own logic.
type fakeLauncher struct {
	mu      sync.Mutex
	n       int
	running map[string]launcher.BotHandle
	failNext bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{running: map[string]launcher.BotHandle{}}
}

func (f *fakeLauncher) StartBot(ctx context.Context, spec launcher.StartSpec) (*launcher.BotHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("fakeLauncher: forced failure")
	}
	f.n++
	h := launcher.BotHandle{
		Platform:  spec.Platform,
		NativeID:  spec.NativeID,
		Handle:    fmt.Sprintf("container-%d", f.n),
		CreatedAt: time.Now().UTC(),
		Labels: map[string]string{
			"meeting_id":  fmt.Sprintf("%d", spec.MeetingID),
			"user_id":     fmt.Sprintf("%d", spec.UserID),
			"platform":    spec.Platform,
			"session_uid": spec.SessionUID,
		},
	}
	f.running[h.Handle] = h
	return &h, nil
}

func (f *fakeLauncher) StopBot(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, handle)
	return nil
}

func (f *fakeLauncher) VerifyRunning(ctx context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[handle]
	return ok, nil
}

func (f *fakeLauncher) ListRunningBots(ctx context.Context) ([]launcher.BotHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]launcher.BotHandle, 0, len(f.running))
	for _, h := range f.running {
		out = append(out, h)
	}
	return out, nil
}

var _ launcher.Launcher = (*fakeLauncher)(nil)

type testHarness struct {
	router     *gin.Engine
	store      *store.Store
	launcher   *fakeLauncher
	authSvc    *auth.Service
	reaper     *reaper.Reaper
	dispatched []uint
	dispatchMu sync.Mutex
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("meetingbot_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	st, err := store.New(&store.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test",
		DBName: "meetingbot_test", SSLMode: "disable", TimeZone: "UTC",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	busClient, err := bus.New(&bus.Config{Host: mr.Host(), Port: mustPort(mr.Port())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = busClient.Close() })

	fl := newFakeLauncher()
	rp := reaper.New(fl.StopBot, 30*time.Second)
	adm := reaper.NewAdmissionWatchdog(5 * time.Minute)
	authSvc := auth.New(auth.Config{CallbackSecret: "test-secret"})
	pub := publisher.New(busClient, nil)
	disp := dispatcher.New(4)

	h := &testHarness{store: st, launcher: fl, authSvc: authSvc, reaper: rp}
	disp.Register(func(ctx context.Context, m *meeting.Meeting) error {
		h.dispatchMu.Lock()
		h.dispatched = append(h.dispatched, m.ID)
		h.dispatchMu.Unlock()
		return nil
	})

	ctl := New(st, fl, busClient, pub, disp, rp, adm, authSvc, "http://callback.local")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	public := r.Group("/")
	public.Use(middleware.RequireAPIKey(st, authSvc))
	internalGroup := r.Group("/")
	ctl.Register(public, internalGroup)

	h.router = r
	return h
}

func mustPort(s string) int {
	var p int
	for _, r := range s {
		p = p*10 + int(r-'0')
	}
	return p
}

func (h *testHarness) createUser(t *testing.T, maxConcurrent int) (rawKey string, user *meeting.User) {
	t.Helper()
	raw := "test-api-key"
	hash, err := h.authSvc.HashAPIKey(raw)
	require.NoError(t, err)
	u, err := h.store.CreateUser(context.Background(), "tester", "tester@example.com", hash, maxConcurrent)
	require.NoError(t, err)
	return raw, u
}

func (h *testHarness) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestRequestBot_Success(t *testing.T) {
	h := newHarness(t)
	key, _ := h.createUser(t, 2)

	rec := h.do(t, http.MethodPost, "/bots", key, requestBotRequest{
		Platform:        "google_meet",
		NativeMeetingID: "abc-defg-hij",
		BotName:         "notetaker",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp StandardResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
}

func TestRequestBot_DuplicateConflict(t *testing.T) {
	h := newHarness(t)
	key, _ := h.createUser(t, 5)

	reqBody := requestBotRequest{Platform: "zoom", NativeMeetingID: "123456789"}
	rec := h.do(t, http.MethodPost, "/bots", key, reqBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/bots", key, reqBody)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRequestBot_ConcurrencyLimitLeavesNoResidualRow(t *testing.T) {
	h := newHarness(t)
	key, user := h.createUser(t, 1)

	rec := h.do(t, http.MethodPost, "/bots", key, requestBotRequest{Platform: "zoom", NativeMeetingID: "111111111"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/bots", key, requestBotRequest{Platform: "zoom", NativeMeetingID: "222222222"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	count, err := h.store.CountActiveForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count, "the rejected request must not have created any row")
}

func TestRequestBot_InvalidNativeID(t *testing.T) {
	h := newHarness(t)
	key, _ := h.createUser(t, 2)

	rec := h.do(t, http.MethodPost, "/bots", key, requestBotRequest{Platform: "google_meet", NativeMeetingID: "not-a-valid-id"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStopBot_FastPathCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	key, _ := h.createUser(t, 2)

	rec := h.do(t, http.MethodPost, "/bots", key, requestBotRequest{Platform: "zoom", NativeMeetingID: "333333333"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodDelete, "/bots/zoom/333333333", key, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	m, err := h.store.FindLatest(context.Background(), 1, meeting.PlatformZoom, "333333333")
	require.NoError(t, err)
	require.Equal(t, meeting.StatusCompleted, m.Status)
}

func TestStopBot_IdempotentOnTerminalRow(t *testing.T) {
	h := newHarness(t)
	key, _ := h.createUser(t, 2)

	h.do(t, http.MethodPost, "/bots", key, requestBotRequest{Platform: "zoom", NativeMeetingID: "444444444"})
	h.do(t, http.MethodDelete, "/bots/zoom/444444444", key, nil)
	rec := h.do(t, http.MethodDelete, "/bots/zoom/444444444", key, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCallbackLifecycle_JoiningToActiveToExited(t *testing.T) {
	h := newHarness(t)
	key, _ := h.createUser(t, 2)

	rec := h.do(t, http.MethodPost, "/bots", key, requestBotRequest{Platform: "google_meet", NativeMeetingID: "aaa-bbbb-ccc"})
	require.Equal(t, http.StatusCreated, rec.Code)

	m, err := h.store.FindLatest(context.Background(), 1, meeting.PlatformGoogleMeet, "aaa-bbbb-ccc")
	require.NoError(t, err)

	token, err := h.authSvc.IssueCallbackToken(m.ID, "sess-xyz")
	require.NoError(t, err)

	callback := func(path string, body callbackBody) *httptest.ResponseRecorder {
		b, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		return rec
	}

	rec = callback("/bots/internal/callback/joining", callbackBody{ConnectionID: "sess-xyz"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = callback("/bots/internal/callback/started", callbackBody{ConnectionID: "sess-xyz"})
	require.Equal(t, http.StatusOK, rec.Code)

	m, err = h.store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, meeting.StatusActive, m.Status)
	require.NotNil(t, m.StartTime)

	rec = callback("/bots/internal/callback/exited", callbackBody{ConnectionID: "sess-xyz", ExitCode: 0})
	require.Equal(t, http.StatusOK, rec.Code)

	m, err = h.store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, meeting.StatusCompleted, m.Status)
	require.NotNil(t, m.EndTime)

	require.Eventually(t, func() bool {
		h.dispatchMu.Lock()
		defer h.dispatchMu.Unlock()
		for _, id := range h.dispatched {
			if id == m.ID {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "post-meeting tasks must dispatch after a terminal transition")
}

func TestCallbackExited_NonZeroExitRecordsLastErrorAndSchedulesReap(t *testing.T) {
	h := newHarness(t)
	key, _ := h.createUser(t, 2)

	rec := h.do(t, http.MethodPost, "/bots", key, requestBotRequest{Platform: "google_meet", NativeMeetingID: "aaa-bbbb-ccc"})
	require.Equal(t, http.StatusCreated, rec.Code)

	m, err := h.store.FindLatest(context.Background(), 1, meeting.PlatformGoogleMeet, "aaa-bbbb-ccc")
	require.NoError(t, err)

	token, err := h.authSvc.IssueCallbackToken(m.ID, "sess-crash")
	require.NoError(t, err)

	body := callbackBody{
		ConnectionID: "sess-crash",
		ContainerID:  m.BotContainerID,
		ExitCode:     1,
		Reason:       "crash",
		FailureStage: meeting.FailureStageActive,
		ErrorDetails: "boom",
	}
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/bots/internal/callback/exited", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	m, err = h.store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, meeting.StatusFailed, m.Status)
	require.NotNil(t, m.EndTime)

	data := meeting.DecodeData(m.DataJSON)
	require.NotNil(t, data.LastError)
	require.Equal(t, 1, data.LastError.ExitCode)
	require.Equal(t, "boom", data.LastError.Details)

	require.True(t, h.reaper.Pending(m.ID), "a nonzero exit with a known container must schedule a safety-net reap")
}

func TestCallbackStarted_IgnoredAfterTerminal(t *testing.T) {
	h := newHarness(t)
	key, _ := h.createUser(t, 2)

	h.do(t, http.MethodPost, "/bots", key, requestBotRequest{Platform: "zoom", NativeMeetingID: "555555555"})
	m, err := h.store.FindLatest(context.Background(), 1, meeting.PlatformZoom, "555555555")
	require.NoError(t, err)

	_, _, err = h.store.ApplyTransition(context.Background(), m.ID, store.TransitionRequest{
		To: meeting.StatusFailed, Source: meeting.SourceSystem, FailureStage: meeting.FailureStageJoining, ErrorDetails: "boom", Reason: "boom",
	})
	require.NoError(t, err)

	token, err := h.authSvc.IssueCallbackToken(m.ID, "sess-dead")
	require.NoError(t, err)
	b, _ := json.Marshal(callbackBody{ConnectionID: "sess-dead"})
	req := httptest.NewRequest(http.MethodPost, "/bots/internal/callback/started", bytes.NewReader(b))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	m, err = h.store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, meeting.StatusFailed, m.Status, "a terminal row must never be reopened by a late started callback")
}

func TestCallback_RejectsSessionMismatch(t *testing.T) {
	h := newHarness(t)
	key, _ := h.createUser(t, 2)

	h.do(t, http.MethodPost, "/bots", key, requestBotRequest{Platform: "zoom", NativeMeetingID: "666666666"})
	m, err := h.store.FindLatest(context.Background(), 1, meeting.PlatformZoom, "666666666")
	require.NoError(t, err)

	token, err := h.authSvc.IssueCallbackToken(m.ID, "sess-real")
	require.NoError(t, err)
	b, _ := json.Marshal(callbackBody{ConnectionID: "sess-impostor"})
	req := httptest.NewRequest(http.MethodPost, "/bots/internal/callback/joining", bytes.NewReader(b))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
