// Package controller is the Lifecycle Controller (component E): the HTTP
// surface that turns a user's REQUEST/STOP/RECONFIGURE call, or one of the
// bot's own lifecycle callbacks, into a store transition plus the right
// side effects on the launcher, the bus, the reaper, and the dispatcher.
// Grounded on the teacher's internal/handlers package: the
// Handler{deps...}/NewHandler constructor shape and the StandardResponse
// JSON envelope (internal/handlers/handlers.go, execution.go), narrowed
// from the teacher's AI-execution handler down to this domain's bot
// lifecycle.
package controller

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meetingbot/internal/auth"
	"meetingbot/internal/bus"
	"meetingbot/internal/dispatcher"
	"meetingbot/internal/launcher"
	"meetingbot/internal/logging"
	"meetingbot/internal/metrics"
	"meetingbot/internal/middleware"
	"meetingbot/internal/publisher"
	"meetingbot/internal/reaper"
	"meetingbot/internal/store"
	"meetingbot/pkg/meeting"
)

// fastStopWindow is how long after creation a STOP request takes the
// latch-and-complete fast path instead of the leave-command-and-reap path
// (spec.md §4.5's StopBot step 3).
const fastStopWindow = 5 * time.Second

// StandardResponse is the teacher's response envelope, carried over
// unchanged (internal/handlers/handlers.go): Success wraps the payload,
// Error/Code are populated only on failure.
type StandardResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Controller wires the Lifecycle Controller's dependencies together. It
// depends on the concrete *store.Store rather than a narrowed interface:
// every handler below relies on ApplyTransition's locking and guard
// semantics, which is exactly what that type provides and exactly what
// controller_test.go exercises against a real Postgres instance.
type Controller struct {
	Store      *store.Store
	Launcher   launcher.Launcher
	Bus        *bus.Client
	Publisher  *publisher.Publisher
	Dispatcher *dispatcher.Dispatcher
	Reaper     *reaper.Reaper
	Admission  *reaper.AdmissionWatchdog
	Auth       *auth.Service
	Metrics    *metrics.Metrics

	// CallbackBaseURL is handed to every launched bot so it knows where to
	// POST its lifecycle callbacks.
	CallbackBaseURL string
}

// New builds a Controller.
func New(st *store.Store, l launcher.Launcher, b *bus.Client, pub *publisher.Publisher, disp *dispatcher.Dispatcher, rp *reaper.Reaper, adm *reaper.AdmissionWatchdog, authSvc *auth.Service, callbackBaseURL string) *Controller {
	return &Controller{
		Store:           st,
		Launcher:        l,
		Bus:             b,
		Publisher:       pub,
		Dispatcher:      disp,
		Reaper:          rp,
		Admission:       adm,
		Auth:            authSvc,
		Metrics:         metrics.Get(),
		CallbackBaseURL: callbackBaseURL,
	}
}

func fail(c *gin.Context, status int, code, msg string) {
	c.JSON(status, StandardResponse{Error: msg, Code: code})
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, StandardResponse{Success: true, Data: data})
}

// Register mounts the public and internal routes on r.
func (ctl *Controller) Register(r gin.IRouter, internal gin.IRouter) {
	r.POST("/bots", ctl.RequestBot)
	r.DELETE("/bots/:platform/:native_id", ctl.StopBot)
	r.PUT("/bots/:platform/:native_id/config", ctl.UpdateBotConfig)
	r.GET("/bots/status", ctl.ListRunningBots)

	internal.POST("/bots/internal/callback/joining", ctl.CallbackJoining)
	internal.POST("/bots/internal/callback/awaiting_admission", ctl.CallbackAwaitingAdmission)
	internal.POST("/bots/internal/callback/started", ctl.CallbackStarted)
	internal.POST("/bots/internal/callback/exited", ctl.CallbackExited)
}

// requestBotRequest is the RequestBot request body.
type requestBotRequest struct {
	Platform        string `json:"platform" binding:"required"`
	NativeMeetingID string `json:"native_meeting_id" binding:"required"`
	Passcode        string `json:"passcode"`
	BotName         string `json:"bot_name"`
	Language        string `json:"language"`
	Task            string `json:"task"`
}

func validPlatform(p string) (meeting.Platform, bool) {
	switch meeting.Platform(p) {
	case meeting.PlatformGoogleMeet, meeting.PlatformZoom, meeting.PlatformTeams:
		return meeting.Platform(p), true
	default:
		return "", false
	}
}

// RequestBot implements spec.md §4.5's RequestBot: construct the join URL,
// enforce the user's concurrency cap, create the REQUESTED row under
// invariant 1, launch the bot, and bind the runtime handle. The
// concurrency check runs before CreateMeeting (rather than after, as a
// literal top-to-bottom reading of §4.5 might suggest) so a rejected
// request never leaves a residual row behind — see DESIGN.md for this
// ordering decision and the testable property (§8 S6) it preserves.
func (ctl *Controller) RequestBot(c *gin.Context) {
	user, okUser := middleware.GetUser(c)
	if !okUser {
		fail(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing authenticated user")
		return
	}

	var req requestBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if hasControlChars(req.NativeMeetingID) || hasControlChars(req.Passcode) || hasControlChars(req.BotName) {
		fail(c, http.StatusUnprocessableEntity, "INVALID_INPUT", "fields must not contain control characters")
		return
	}

	platform, okPlatform := validPlatform(req.Platform)
	if !okPlatform {
		fail(c, http.StatusUnprocessableEntity, "INVALID_PLATFORM", "unsupported platform")
		return
	}

	joinURL, okURL := BuildMeetingURL(platform, req.NativeMeetingID, req.Passcode)
	if !okURL {
		fail(c, http.StatusUnprocessableEntity, "INVALID_MEETING_ID", "native meeting id is not valid for this platform")
		return
	}

	ctx := c.Request.Context()

	if user.MaxConcurrentBots > 0 {
		count, err := ctl.Store.CountActiveForUser(ctx, user.ID)
		if err != nil {
			fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to check concurrency")
			return
		}
		if count >= user.MaxConcurrentBots {
			fail(c, http.StatusForbidden, "CONCURRENCY_LIMIT", "maximum concurrent bots reached")
			return
		}
	}

	m, err := ctl.Store.CreateMeeting(ctx, user.ID, platform, req.NativeMeetingID, req.Passcode)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			fail(c, http.StatusConflict, "ALREADY_ACTIVE", err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to create meeting")
		return
	}

	sessionUID := uuid.New().String()
	callbackToken, err := ctl.Auth.IssueCallbackToken(m.ID, sessionUID)
	if err != nil {
		ctl.failLaunch(ctx, m, meeting.FailureStageJoining, "failed to issue callback token")
		fail(c, http.StatusInternalServerError, "AUTH_ERROR", "failed to issue callback token")
		return
	}

	spec := launcher.StartSpec{
		MeetingID:       m.ID,
		UserID:          user.ID,
		Platform:        string(platform),
		NativeID:        req.NativeMeetingID,
		SessionUID:      sessionUID,
		JoinURL:         joinURL,
		Passcode:        req.Passcode,
		BotName:         req.BotName,
		Language:        req.Language,
		Task:            req.Task,
		CallbackBaseURL: ctl.CallbackBaseURL,
		CallbackToken:   callbackToken,
		// The bot reuses its callback token as its own credential when
		// calling back into the core as the requesting user (e.g. transcript
		// upload): it already proves which meeting/session it belongs to,
		// and minting a second, separate user-scoped token would duplicate
		// that proof for no additional guarantee.
		UserToken:         callbackToken,
		MaxConcurrentBots: user.MaxConcurrentBots,
	}

	start := time.Now()
	handle, err := ctl.Launcher.StartBot(ctx, spec)
	ctl.Metrics.RecordLaunch(string(platform), launchOutcome(err), time.Since(start))
	if err != nil || handle == nil {
		if errors.Is(err, launcher.ErrLimitExceeded) {
			ctl.Metrics.RecordLaunchFailure("limit_exceeded")
			ctl.failLaunch(ctx, m, meeting.FailureStageJoining, "concurrency limit exceeded")
			fail(c, http.StatusForbidden, "CONCURRENCY_LIMIT", "maximum concurrent bots reached")
			return
		}
		ctl.Metrics.RecordLaunchFailure("runtime_error")
		ctl.failLaunch(ctx, m, meeting.FailureStageJoining, "failed to start bot")
		fail(c, http.StatusInternalServerError, "LAUNCH_FAILED", "failed to start bot")
		return
	}

	if err := ctl.Store.SetBotContainerID(ctx, m.ID, handle.Handle); err != nil {
		fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to persist bot handle")
		return
	}
	m.BotContainerID = handle.Handle

	ctl.Bus.SetCurrentSession(ctx, string(platform), req.NativeMeetingID, sessionUID)

	go func() {
		if err := ctl.Store.RecordSessionStart(context.Background(), m.ID, sessionUID); err != nil {
			ctl.Metrics.RecordDispatchFailure("record_session_start")
		}
	}()

	ctl.Admission.Arm(m.ID, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = ctl.Launcher.StopBot(stopCtx, handle.Handle)
		applied, failed, err := ctl.Store.ApplyTransition(stopCtx, m.ID, store.TransitionRequest{
			To:           meeting.StatusFailed,
			Source:       meeting.SourceSystem,
			Reason:       "admission timeout",
			FailureStage: meeting.FailureStageWaitingAdmission,
			ErrorDetails: "bot did not reach active before the admission timeout elapsed",
		})
		if err == nil && applied {
			ctl.Publisher.Publish(stopCtx, failed)
			ctl.Dispatcher.Dispatch(failed)
		}
	})

	ctl.Publisher.Publish(ctx, m)

	ok(c, http.StatusCreated, m)
}

func launchOutcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// failLaunch transitions a just-created row straight to FAILED when launch
// itself never got off the ground, so RequestBot never leaves a residual
// active row behind on error.
func (ctl *Controller) failLaunch(ctx context.Context, m *meeting.Meeting, stage meeting.FailureStage, reason string) {
	okApplied, failed, err := ctl.Store.ApplyTransition(ctx, m.ID, store.TransitionRequest{
		To:           meeting.StatusFailed,
		Source:       meeting.SourceSystem,
		Reason:       reason,
		FailureStage: stage,
		ErrorDetails: reason,
	})
	if err == nil && okApplied {
		ctl.Publisher.Publish(ctx, failed)
		ctl.Dispatcher.Dispatch(failed)
	}
}

// StopBot implements spec.md §4.5's StopBot. A row ≤5 seconds old and
// still pre-ACTIVE never really got going; it's latched and completed
// immediately rather than waiting on a leave command the bot may not even
// be listening for yet. Everything else gets a polite "leave" command on
// its earliest (original) session plus a delayed reap as a backstop.
func (ctl *Controller) StopBot(c *gin.Context) {
	user, okUser := middleware.GetUser(c)
	if !okUser {
		fail(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing authenticated user")
		return
	}
	platform, okPlatform := validPlatform(c.Param("platform"))
	if !okPlatform {
		fail(c, http.StatusUnprocessableEntity, "INVALID_PLATFORM", "unsupported platform")
		return
	}
	nativeID := c.Param("native_id")
	ctx := c.Request.Context()

	m, err := ctl.Store.FindLatest(ctx, user.ID, platform, nativeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, "NOT_FOUND", "no meeting found")
			return
		}
		fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to look up meeting")
		return
	}

	if m.Status.IsTerminal() {
		ok(c, http.StatusAccepted, m)
		return
	}

	if m.BotContainerID == "" {
		applied, completed, err := ctl.Store.ApplyTransition(ctx, m.ID, store.TransitionRequest{
			To:               meeting.StatusCompleted,
			Source:           meeting.SourceUser,
			CompletionReason: meeting.CompletionStopped,
			SetStopRequested: true,
		})
		if err != nil {
			fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to stop meeting")
			return
		}
		if applied {
			ctl.Admission.Disarm(m.ID)
			ctl.Publisher.Publish(ctx, completed)
			ctl.Dispatcher.Dispatch(completed)
			ok(c, http.StatusAccepted, completed)
			return
		}
		ok(c, http.StatusAccepted, m)
		return
	}

	if m.Status != meeting.StatusActive && time.Since(m.CreatedAt) <= fastStopWindow {
		applied, completed, err := ctl.Store.ApplyTransition(ctx, m.ID, store.TransitionRequest{
			To:               meeting.StatusCompleted,
			Source:           meeting.SourceUser,
			CompletionReason: meeting.CompletionStopped,
			SetStopRequested: true,
		})
		if err != nil {
			fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to stop meeting")
			return
		}
		if applied {
			ctl.Admission.Disarm(m.ID)
			ctl.Reaper.ScheduleStopIn(m.ID, m.BotContainerID, 0)
			ctl.Publisher.Publish(ctx, completed)
			ctl.Dispatcher.Dispatch(completed)
			ok(c, http.StatusAccepted, completed)
			return
		}
	}

	if err := ctl.Store.SetStopRequested(ctx, m.ID); err != nil {
		fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to latch stop request")
		return
	}
	if uid, err := ctl.Store.EarliestSessionUID(ctx, m.ID); err == nil {
		_ = ctl.Bus.PublishCommand(ctx, uid, bus.Command{Action: "leave", UID: uid})
	}
	ctl.Reaper.ScheduleStop(m.ID, m.BotContainerID)
	ok(c, http.StatusAccepted, m)
}

// updateBotConfigRequest is the UpdateBotConfig request body.
type updateBotConfigRequest struct {
	Language string `json:"language"`
	Task     string `json:"task"`
}

// UpdateBotConfig implements spec.md §4.5's UpdateBotConfig: only a bot
// that is already ACTIVE can be reconfigured live, and the command is
// routed to its latest session, never its earliest — see
// store.LatestSessionUID's doc comment for why the two must not collapse.
func (ctl *Controller) UpdateBotConfig(c *gin.Context) {
	user, okUser := middleware.GetUser(c)
	if !okUser {
		fail(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing authenticated user")
		return
	}
	platform, okPlatform := validPlatform(c.Param("platform"))
	if !okPlatform {
		fail(c, http.StatusUnprocessableEntity, "INVALID_PLATFORM", "unsupported platform")
		return
	}
	nativeID := c.Param("native_id")

	var req updateBotConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if hasControlChars(req.Language) || hasControlChars(req.Task) {
		fail(c, http.StatusUnprocessableEntity, "INVALID_INPUT", "fields must not contain control characters")
		return
	}

	ctx := c.Request.Context()
	m, err := ctl.Store.FindLatest(ctx, user.ID, platform, nativeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, "NOT_FOUND", "no meeting found")
			return
		}
		fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to look up meeting")
		return
	}
	if m.Status != meeting.StatusActive {
		fail(c, http.StatusConflict, "NOT_ACTIVE", "bot is not active")
		return
	}

	uid, hit := ctl.Bus.CurrentSession(ctx, string(platform), nativeID)
	if !hit {
		uid, err = ctl.Store.LatestSessionUID(ctx, m.ID)
		if err != nil {
			fail(c, http.StatusNotFound, "NO_SESSION", "no session to reconfigure")
			return
		}
	}

	if err := ctl.Bus.PublishCommand(ctx, uid, bus.Command{Action: "reconfigure", UID: uid, Language: req.Language, Task: req.Task}); err != nil {
		fail(c, http.StatusServiceUnavailable, "BUS_ERROR", "failed to publish reconfigure command")
		return
	}
	ok(c, http.StatusAccepted, gin.H{"session_uid": uid})
}

// ListRunningBots implements spec.md §4.5's ListRunningBots, filtering the
// launcher's global view down to the caller's own bots via the user_id
// label every launcher variant attaches at StartBot time.
func (ctl *Controller) ListRunningBots(c *gin.Context) {
	user, okUser := middleware.GetUser(c)
	if !okUser {
		fail(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing authenticated user")
		return
	}
	ctx := c.Request.Context()
	bots, err := ctl.Launcher.ListRunningBots(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, "LAUNCHER_ERROR", "failed to list running bots")
		return
	}
	want := strconv.FormatUint(uint64(user.ID), 10)
	filtered := make([]launcher.BotHandle, 0, len(bots))
	for _, b := range bots {
		if b.Labels["user_id"] == want {
			filtered = append(filtered, b)
		}
	}
	ctl.reconcileRunningBots(ctx, filtered)
	ok(c, http.StatusOK, gin.H{"running_bots": filtered})
}

// reconcileRunningBots cross-checks the runtime's view of what's running
// against the store's view, logging (never auto-correcting) divergence —
// e.g. a container the launcher reports but whose Meeting row isn't in an
// active status anymore. Supplemented from the original bot-manager's
// status endpoint, which performs the same comparison for operator
// visibility without mutating either side.
func (ctl *Controller) reconcileRunningBots(ctx context.Context, bots []launcher.BotHandle) {
	for _, b := range bots {
		meetingID, ok := b.Labels["meeting_id"]
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(meetingID, 10, 64)
		if err != nil {
			continue
		}
		m, err := ctl.Store.Get(ctx, uint(id))
		if err != nil {
			logging.S().Warnw("runtime reports a bot with no matching meeting row",
				"meeting_id", meetingID, "handle", b.Handle)
			continue
		}
		if !meeting.ActiveSet[m.Status] {
			logging.S().Warnw("runtime reports a bot still running for a non-active meeting",
				"meeting_id", meetingID, "handle", b.Handle, "status", m.Status)
		}
	}
}

// callbackBody is the shared shape of the four internal callback payloads;
// unused fields for a given callback are simply left zero.
type callbackBody struct {
	ConnectionID          string                   `json:"connection_id"`
	ContainerID           string                   `json:"container_id"`
	ExitCode              int                      `json:"exit_code"`
	Reason                string                   `json:"reason"`
	CompletionReason      meeting.CompletionReason `json:"completion_reason"`
	FailureStage          meeting.FailureStage     `json:"failure_stage"`
	ErrorDetails          string                   `json:"error_details"`
	PlatformSpecificError string                   `json:"platform_specific_error"`
}

// authenticateCallback extracts and validates the Bearer callback token
// every bot presents on its lifecycle callbacks, using it to resolve
// which meeting/session the call belongs to without a database lookup —
// see internal/auth.Service.IssueCallbackToken.
func (ctl *Controller) authenticateCallback(c *gin.Context) (*auth.CallbackClaims, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		fail(c, http.StatusUnauthorized, "CALLBACK_TOKEN_MISSING", "missing callback token")
		return nil, false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	claims, err := ctl.Auth.ValidateCallbackToken(token)
	if err != nil {
		fail(c, http.StatusUnauthorized, "CALLBACK_TOKEN_INVALID", "invalid callback token")
		return nil, false
	}
	return claims, true
}

// stopLatchGuard rejects a callback transition once a user STOP request
// has latched data.stop_requested, per spec.md §4.5's "guard on stop-latch"
// note. It guards the joining, awaiting_admission and started callbacks;
// the exited callback is not guarded.
func stopLatchGuard(_ meeting.Status, data meeting.Data) bool {
	return !data.StopRequested
}

func (ctl *Controller) applyCallbackTransition(c *gin.Context, meetingID uint, to meeting.Status, containerID string) {
	ctx := c.Request.Context()
	var containerIDPtr *string
	if containerID != "" {
		containerIDPtr = &containerID
	}

	before, err := ctl.Store.Get(ctx, meetingID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to load meeting")
		return
	}

	applied, m, err := ctl.Store.ApplyTransition(ctx, meetingID, store.TransitionRequest{
		To:             to,
		Source:         meeting.SourceBot,
		BotContainerID: containerIDPtr,
		Guard:          stopLatchGuard,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to apply transition")
		return
	}
	if !applied {
		ctl.Metrics.RecordTransitionIgnored(string(to), "fsm_rejected")
		ok(c, http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	ctl.Metrics.RecordTransition(string(before.Status), string(to), string(meeting.SourceBot))
	ctl.Publisher.Publish(ctx, m)
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

// sessionMismatch reports whether a callback's connection_id disagrees
// with the session the presented token was issued for — a sign the
// caller is using a stale or borrowed token against the wrong session.
func sessionMismatch(c *gin.Context, claims *auth.CallbackClaims, body callbackBody) bool {
	if body.ConnectionID != "" && body.ConnectionID != claims.SessionUID {
		fail(c, http.StatusUnauthorized, "SESSION_MISMATCH", "connection_id does not match the callback token's session")
		return true
	}
	return false
}

// CallbackJoining handles the bot's "joining" lifecycle callback.
func (ctl *Controller) CallbackJoining(c *gin.Context) {
	claims, okAuth := ctl.authenticateCallback(c)
	if !okAuth {
		return
	}
	var body callbackBody
	_ = c.ShouldBindJSON(&body)
	if sessionMismatch(c, claims, body) {
		return
	}
	ctl.applyCallbackTransition(c, claims.MeetingID, meeting.StatusJoining, body.ContainerID)
}

// CallbackAwaitingAdmission handles the bot's "awaiting_admission"
// callback and starts the admission watchdog clock.
func (ctl *Controller) CallbackAwaitingAdmission(c *gin.Context) {
	claims, okAuth := ctl.authenticateCallback(c)
	if !okAuth {
		return
	}
	var body callbackBody
	_ = c.ShouldBindJSON(&body)
	if sessionMismatch(c, claims, body) {
		return
	}

	meetingID := claims.MeetingID
	handle := body.ContainerID
	ctl.Admission.Arm(meetingID, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if handle != "" {
			_ = ctl.Launcher.StopBot(stopCtx, handle)
		}
		applied, failed, err := ctl.Store.ApplyTransition(stopCtx, meetingID, store.TransitionRequest{
			To:           meeting.StatusFailed,
			Source:       meeting.SourceSystem,
			Reason:       "admission timeout",
			FailureStage: meeting.FailureStageWaitingAdmission,
			ErrorDetails: "bot did not reach active before the admission timeout elapsed",
		})
		if err == nil && applied {
			ctl.Publisher.Publish(stopCtx, failed)
			ctl.Dispatcher.Dispatch(failed)
		}
	})

	ctl.applyCallbackTransition(c, meetingID, meeting.StatusAwaitingAdmission, body.ContainerID)
}

// CallbackStarted handles the bot's "started" callback. An already-ACTIVE
// row is treated as an idempotent rebind rather than a transition — the
// FSM has no self-loop on ACTIVE, and repeated "started" deliveries are
// expected under at-least-once callback delivery (spec.md §5).
//
// spec.md §4.5 also lists FAILED as a valid source state for this
// callback ("one of REQUESTED|JOINING|AWAITING_ADMISSION|FAILED →
// ACTIVE"), but FAILED is terminal under §4.1's FSM table and §8's
// monotonicity property explicitly tests that no row ever leaves a
// terminal state. Treating FAILED as a valid "started" source would
// violate that property, so a late "started" callback against an
// already-FAILED row is ignored here, consistent with "late messages
// from an older session are harmless" (§5) — recorded as an Open
// Question decision in DESIGN.md.
func (ctl *Controller) CallbackStarted(c *gin.Context) {
	claims, okAuth := ctl.authenticateCallback(c)
	if !okAuth {
		return
	}
	var body callbackBody
	_ = c.ShouldBindJSON(&body)
	if sessionMismatch(c, claims, body) {
		return
	}

	ctx := c.Request.Context()
	m, err := ctl.Store.Get(ctx, claims.MeetingID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to load meeting")
		return
	}

	if m.Status == meeting.StatusActive {
		if body.ContainerID != "" {
			_ = ctl.Store.SetBotContainerID(ctx, m.ID, body.ContainerID)
		}
		ok(c, http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ctl.Admission.Disarm(claims.MeetingID)
	ctl.applyCallbackTransition(c, claims.MeetingID, meeting.StatusActive, body.ContainerID)
}

// CallbackExited handles the bot's terminal "exited" callback: a zero exit
// code completes the meeting, anything else fails it. Post-meeting tasks
// always dispatch, regardless of whether the transition itself was
// accepted. A meeting that already reached a terminal state by another
// path (e.g. a user STOP) was dispatched then too, so it is dispatched a
// second time here; the dispatcher drops the second one only while the
// first is still in flight.
func (ctl *Controller) CallbackExited(c *gin.Context) {
	claims, okAuth := ctl.authenticateCallback(c)
	if !okAuth {
		return
	}
	var body callbackBody
	_ = c.ShouldBindJSON(&body)
	if sessionMismatch(c, claims, body) {
		return
	}

	ctx := c.Request.Context()
	ctl.Admission.Disarm(claims.MeetingID)
	ctl.Reaper.Cancel(claims.MeetingID)

	var req store.TransitionRequest
	if body.ExitCode == 0 {
		reason := body.CompletionReason
		if reason == "" {
			reason = meeting.CompletionStopped
		}
		req = store.TransitionRequest{
			To:               meeting.StatusCompleted,
			Source:           meeting.SourceBot,
			Reason:           body.Reason,
			CompletionReason: reason,
			Metadata:         map[string]any{"exit_code": body.ExitCode},
		}
	} else {
		stage := body.FailureStage
		if stage == "" {
			stage = meeting.FailureStageActive
		}
		details := body.ErrorDetails
		if details == "" {
			details = body.PlatformSpecificError
		}
		req = store.TransitionRequest{
			To:           meeting.StatusFailed,
			Source:       meeting.SourceBot,
			Reason:       body.Reason,
			FailureStage: stage,
			ErrorDetails: details,
			Metadata:     map[string]any{"exit_code": body.ExitCode},
		}
	}
	if body.ContainerID != "" {
		req.BotContainerID = &body.ContainerID
	}

	before, err := ctl.Store.Get(ctx, claims.MeetingID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to load meeting")
		return
	}

	applied, m, err := ctl.Store.ApplyTransition(ctx, claims.MeetingID, req)
	if err != nil {
		fail(c, http.StatusInternalServerError, "STORE_ERROR", "failed to apply transition")
		return
	}
	if applied {
		ctl.Metrics.RecordTransition(string(before.Status), string(req.To), string(meeting.SourceBot))
		ctl.Publisher.Publish(ctx, m)
		ctl.Dispatcher.Dispatch(m)
	} else {
		ctl.Metrics.RecordTransitionIgnored(string(req.To), "fsm_rejected")
		if m != nil {
			ctl.Dispatcher.Dispatch(m)
		}
	}

	// A nonzero exit with a known container handle gets a short safety-net
	// reap: the bot process reported its own exit, but the container/job
	// it ran in may still be lingering (spec.md §4.5's "exited" callback).
	if body.ExitCode != 0 && body.ContainerID != "" {
		ctl.Reaper.ScheduleStopIn(claims.MeetingID, body.ContainerID, 10*time.Second)
	}

	ok(c, http.StatusOK, gin.H{"status": "ok"})
}
