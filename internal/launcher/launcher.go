// Package launcher is the Runtime Launcher (component D): it starts,
// stops, and verifies bot workloads behind a small capability interface so
// the controller never depends on whether a bot runs as a direct Docker
// container or as a job submitted to a cluster scheduler. Grounded on the
// teacher's internal/sandbox/v2.Executor interface (Execute/Kill/Stats
// shape), adapted here from short-lived code execution to long-running bot
// processes.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrLimitExceeded is returned by StartBot when the runtime's own view of
// the user's currently-running bots (not the store's) already meets or
// exceeds spec.MaxConcurrentBots, per spec.md §4.4's "cross-check with
// (B)" cap enforcement.
var ErrLimitExceeded = errors.New("launcher: user has reached max_concurrent_bots")

// BotHandle identifies a running bot workload and the runtime-specific
// reference needed to manage it later.
type BotHandle struct {
	Platform  string
	NativeID  string
	Handle    string // container ID or cluster job ID, depending on variant
	CreatedAt time.Time
	Labels    map[string]string
}

// StartSpec describes everything a Launcher needs to start a bot.
type StartSpec struct {
	MeetingID  uint
	UserID     uint
	Platform   string
	NativeID   string
	SessionUID string
	JoinURL    string
	Passcode   string
	BotName    string
	Language   string
	Task       string

	// CallbackBaseURL is the controller's own base URL, so the bot knows
	// where to POST /bots/internal/callback/*.
	CallbackBaseURL string
	// CallbackToken authenticates the bot's callbacks as belonging to
	// MeetingID/SessionUID; see internal/auth.Service.IssueCallbackToken.
	CallbackToken string
	// UserToken is the credential handed to the bot so it can
	// authenticate back to the core as the requesting user if it needs
	// to (e.g. for transcript upload), per spec.md §4.4. The controller
	// fills it with the same token as CallbackToken.
	UserToken string

	// MaxConcurrentBots is the requesting user's concurrency cap. A value
	// <= 0 means "no cap" and skips the runtime-truth check entirely; the
	// caller (internal/controller) already rejects capped users' excess
	// requests against the store before ever reaching StartBot, so this is
	// only consulted when a cap is actually configured.
	MaxConcurrentBots int
}

// Launcher is the capability set every runtime variant implements, per the
// tagged-variant selection named for the meeting bot control plane: the
// concrete implementation is chosen at startup from configuration, never at
// request time.
type Launcher interface {
	StartBot(ctx context.Context, spec StartSpec) (*BotHandle, error)
	StopBot(ctx context.Context, handle string) error
	VerifyRunning(ctx context.Context, handle string) (bool, error)
	ListRunningBots(ctx context.Context) ([]BotHandle, error)
}

func labelsFor(spec StartSpec) map[string]string {
	return map[string]string{
		"meeting_id":  strconv.FormatUint(uint64(spec.MeetingID), 10),
		"user_id":     strconv.FormatUint(uint64(spec.UserID), 10),
		"platform":    spec.Platform,
		"native_id":   spec.NativeID,
		"session_uid": spec.SessionUID,
	}
}

// enforceConcurrency is the runtime-truth half of spec.md §4.4's capacity
// check: before launching, every Launcher variant counts the user's
// currently-running bots via its own ListRunningBots (not the store's
// CountActiveForUser, which internal/controller already consulted before
// calling StartBot) and rejects with ErrLimitExceeded if the cap is
// already met. Two independent counts — runtime and store — catch the
// case where the store's view has drifted from what is actually running.
func enforceConcurrency(ctx context.Context, l Launcher, spec StartSpec) error {
	if spec.MaxConcurrentBots <= 0 {
		return nil
	}
	bots, err := l.ListRunningBots(ctx)
	if err != nil {
		return fmt.Errorf("launcher: list running bots for concurrency check: %w", err)
	}
	want := strconv.FormatUint(uint64(spec.UserID), 10)
	active := 0
	for _, b := range bots {
		if b.Labels["user_id"] == want {
			active++
		}
	}
	if active >= spec.MaxConcurrentBots {
		return ErrLimitExceeded
	}
	return nil
}
