// Package store is the Meeting Store (component B): GORM-over-Postgres
// persistence for Meeting and MeetingSession rows, grounded on the
// teacher's internal/db/database.go (connection bootstrap, pool tuning)
// generalized from the teacher's thirteen-model AutoMigrate list down to
// the two rows this domain owns, plus meeting.User for the concurrency cap.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"meetingbot/internal/fsm"
	"meetingbot/internal/logging"
	"meetingbot/pkg/meeting"
)

var (
	// ErrConflict is returned by CreateMeeting when invariant 1 (at most
	// one active-set Meeting per user/platform/native id) would be violated.
	ErrConflict = errors.New("store: an active meeting already exists for this user, platform and native id")
	// ErrNotFound is returned when a Meeting or MeetingSession row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Config holds database connection settings, following the teacher's
// internal/db/database.go Config shape field-for-field.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string
}

// DefaultConfig returns development-friendly defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		DBName:   "meetingbot",
		SSLMode:  "disable",
		TimeZone: "UTC",
	}
}

// Store wraps the GORM handle and exposes the Meeting Store operations.
type Store struct {
	DB *gorm.DB
}

// New opens a Postgres connection, tunes the pool, and runs AutoMigrate for
// the orchestrator's own tables. Schema evolution beyond the initial shape
// is handled by cmd/migrate (golang-migrate), not AutoMigrate.
func New(cfg *Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.TimeZone,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &Store{DB: db}
	if err := s.Migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	logging.L().Info("store connected")
	return s, nil
}

// Migrate creates the orchestrator's tables if they don't already exist.
func (s *Store) Migrate() error {
	return s.DB.AutoMigrate(&meeting.User{}, &meeting.Meeting{}, &meeting.MeetingSession{})
}

// Health pings the underlying connection.
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateMeeting enforces invariant 1 (at most one active-set Meeting per
// (user, platform, native id)) via a guarded select inside a transaction,
// then inserts the new row in REQUESTED with an empty status_transition list.
func (s *Store) CreateMeeting(ctx context.Context, userID uint, platform meeting.Platform, nativeID, passcode string) (*meeting.Meeting, error) {
	var created *meeting.Meeting

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []meeting.Meeting
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND platform = ? AND platform_specific_id = ?", userID, platform, nativeID).
			Find(&existing).Error; err != nil {
			return fmt.Errorf("check existing: %w", err)
		}
		for _, m := range existing {
			if m.Status.IsActive() {
				return ErrConflict
			}
		}

		data := meeting.Data{Passcode: passcode, StatusTransition: []meeting.StatusTransition{}}
		encoded, err := data.Encode()
		if err != nil {
			return fmt.Errorf("encode data: %w", err)
		}

		row := &meeting.Meeting{
			UserID:             userID,
			Platform:           platform,
			PlatformSpecificID: nativeID,
			Status:             meeting.StatusRequested,
			DataJSON:           encoded,
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert meeting: %w", err)
		}
		created = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Get loads a Meeting by its internal id.
func (s *Store) Get(ctx context.Context, id uint) (*meeting.Meeting, error) {
	var m meeting.Meeting
	if err := s.DB.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// FindLatest returns the most recently created Meeting for the tuple,
// regardless of status — used by StopBot/UpdateBotConfig which operate on
// whatever Meeting currently represents the (user, platform, native id).
func (s *Store) FindLatest(ctx context.Context, userID uint, platform meeting.Platform, nativeID string) (*meeting.Meeting, error) {
	var m meeting.Meeting
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND platform_specific_id = ?", userID, platform, nativeID).
		Order("created_at DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// TransitionRequest carries everything ApplyTransition needs beyond the
// target status.
type TransitionRequest struct {
	To               meeting.Status
	Source           meeting.TransitionSource
	Reason           string
	CompletionReason meeting.CompletionReason
	FailureStage     meeting.FailureStage
	ErrorDetails     string
	Metadata         map[string]any

	// BotContainerID, when non-nil, rebinds Meeting.BotContainerID as part
	// of the same transaction (invariant 5: rebinding on restart callbacks).
	BotContainerID *string

	// SetStopRequested latches data.StopRequested in the same transaction as
	// the transition, for StopBot's immediate-completion paths (no container
	// yet, or spec.md §4.5's "stop within 5 seconds of creation" case).
	SetStopRequested bool

	// Guard runs after re-reading the row's current status and data inside
	// the transaction, before validating against the FSM; returning false
	// aborts the transition with no error and no commit (used for the
	// stop-latch guard in spec.md §4.5's callback handlers).
	Guard func(current meeting.Status, data meeting.Data) bool
}

// ApplyTransition re-reads the Meeting row with SELECT ... FOR UPDATE,
// validates the transition against the FSM, rebuilds data as a fresh copy,
// appends the audit entry, deletes the deprecated status_transitions key,
// and commits. It returns (false, meeting, nil) — not an error — when the
// transition is invalid or guarded off, matching spec.md §4.2's "a
// transition call that fails validation is not an error" contract.
func (s *Store) ApplyTransition(ctx context.Context, meetingID uint, req TransitionRequest) (bool, *meeting.Meeting, error) {
	var result *meeting.Meeting
	var applied bool

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row meeting.Meeting
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, meetingID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		data := meeting.DecodeData(row.DataJSON)
		if req.Guard != nil && !req.Guard(row.Status, data) {
			result = &row
			return nil
		}
		if !fsm.Allowed(row.Status, req.To) {
			result = &row
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]any{"status": req.To}

		if fsm.SetsStartTime(req.To) && row.StartTime == nil {
			updates["start_time"] = now
		}
		if fsm.SetsEndTime(req.To) {
			updates["end_time"] = now
		}
		if req.BotContainerID != nil {
			updates["bot_container_id"] = *req.BotContainerID
		}

		if req.To == meeting.StatusFailed {
			exitCode := 0
			if req.Metadata != nil {
				if ec, ok := req.Metadata["exit_code"].(int); ok {
					exitCode = ec
				}
			}
			data.LastError = &meeting.ErrorDetail{
				ExitCode:  exitCode,
				Reason:    req.Reason,
				Details:   req.ErrorDetails,
				Timestamp: now,
			}
		}

		if req.SetStopRequested {
			data.StopRequested = true
		}

		data = data.AppendTransition(meeting.StatusTransition{
			From:             row.Status,
			To:               req.To,
			Timestamp:        now,
			Source:           req.Source,
			Reason:           req.Reason,
			CompletionReason: req.CompletionReason,
			FailureStage:     req.FailureStage,
			ErrorDetails:     req.ErrorDetails,
			Metadata:         req.Metadata,
		})

		encoded, err := data.Encode()
		if err != nil {
			return fmt.Errorf("encode data: %w", err)
		}
		updates["data"] = encoded

		if err := tx.Model(&row).Updates(updates).Error; err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}

		if err := tx.First(&row, meetingID).Error; err != nil {
			return err
		}
		result = &row
		applied = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return applied, result, nil
}

// SetBotContainerID binds the runtime handle returned by a successful
// Launcher.StartBot to the row, outside of ApplyTransition: it is not a
// status change (the row stays REQUESTED), just a plain field update.
func (s *Store) SetBotContainerID(ctx context.Context, meetingID uint, containerID string) error {
	return s.DB.WithContext(ctx).Model(&meeting.Meeting{}).
		Where("id = ?", meetingID).
		Update("bot_container_id", containerID).Error
}

// SetStopRequested latches data.StopRequested without going through
// ApplyTransition, for StopBot's general (non-fast) path where no status
// change happens yet but later callbacks must still be guarded off.
func (s *Store) SetStopRequested(ctx context.Context, meetingID uint) error {
	var row meeting.Meeting
	if err := s.DB.WithContext(ctx).First(&row, meetingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	data := meeting.DecodeData(row.DataJSON)
	data.StopRequested = true
	encoded, err := data.Encode()
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}
	return s.DB.WithContext(ctx).Model(&row).Update("data", encoded).Error
}

// CountActiveForUser counts Meetings in the active set for userID.
func (s *Store) CountActiveForUser(ctx context.Context, userID uint) (int, error) {
	var count int64
	statuses := activeStatusList()
	if err := s.DB.WithContext(ctx).Model(&meeting.Meeting{}).
		Where("user_id = ? AND status IN ?", userID, statuses).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// CountActiveForPlatform counts Meetings in the active set for platform,
// across every user — used by the metrics collector's active-bots gauge,
// as opposed to CountActiveForUser's per-user cap check.
func (s *Store) CountActiveForPlatform(ctx context.Context, platform meeting.Platform) (int, error) {
	var count int64
	statuses := activeStatusList()
	if err := s.DB.WithContext(ctx).Model(&meeting.Meeting{}).
		Where("platform = ? AND status IN ?", platform, statuses).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// RecordSessionStart appends a MeetingSession row; idempotent on
// (meeting_id, session_uid) via an existence check before insert.
func (s *Store) RecordSessionStart(ctx context.Context, meetingID uint, sessionUID string) error {
	var existing meeting.MeetingSession
	err := s.DB.WithContext(ctx).
		Where("meeting_id = ? AND session_uid = ?", meetingID, sessionUID).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return s.DB.WithContext(ctx).Create(&meeting.MeetingSession{
		MeetingID:        meetingID,
		SessionUID:       sessionUID,
		SessionStartTime: time.Now().UTC(),
	}).Error
}

// EarliestSessionUID returns the session_uid of the first session recorded
// for meetingID — the "original connection id" used for stop commands.
func (s *Store) EarliestSessionUID(ctx context.Context, meetingID uint) (string, error) {
	var row meeting.MeetingSession
	err := s.DB.WithContext(ctx).
		Where("meeting_id = ?", meetingID).
		Order("session_start_time ASC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return row.SessionUID, nil
}

// LatestSessionUID returns the session_uid of the most recent session for
// meetingID — the one used for live reconfigure commands. Deliberately a
// separate query from EarliestSessionUID: spec.md §9 is explicit that the
// two must never collapse into a single "current" uid.
func (s *Store) LatestSessionUID(ctx context.Context, meetingID uint) (string, error) {
	var row meeting.MeetingSession
	err := s.DB.WithContext(ctx).
		Where("meeting_id = ?", meetingID).
		Order("session_start_time DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return row.SessionUID, nil
}

// CreateUser inserts a User row. apiKeyHash is expected to already be
// bcrypt-hashed by the caller (internal/auth.Service.HashAPIKey) — the
// store never handles raw key material.
func (s *Store) CreateUser(ctx context.Context, username, email, apiKeyHash string, maxConcurrentBots int) (*meeting.User, error) {
	if maxConcurrentBots <= 0 {
		maxConcurrentBots = 1
	}
	u := &meeting.User{
		Username:          username,
		Email:             email,
		APIKeyHash:        apiKeyHash,
		MaxConcurrentBots: maxConcurrentBots,
	}
	if err := s.DB.WithContext(ctx).Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser loads a User by id.
func (s *Store) GetUser(ctx context.Context, id uint) (*meeting.User, error) {
	var u meeting.User
	if err := s.DB.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FindUserByAPIKey scans every User row and asks verify to compare raw
// against each stored hash, returning the first match. verify is injected
// (rather than importing internal/auth directly) so the store package
// never depends on the hashing scheme used at rest.
func (s *Store) FindUserByAPIKey(ctx context.Context, raw string, verify func(raw, hash string) bool) (*meeting.User, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if verify(raw, users[i].APIKeyHash) {
			return &users[i], nil
		}
	}
	return nil, ErrNotFound
}

// ListUsers returns every User row, used by FindUserByAPIKey's scan — the
// bcrypt hash is not a lookup key, so there is no way to index straight to
// the matching row. Fine at the scale a control plane's user table
// actually reaches; an operator running this past a few thousand users
// would want to add a non-secret key prefix index instead.
func (s *Store) ListUsers(ctx context.Context) ([]meeting.User, error) {
	var users []meeting.User
	if err := s.DB.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func activeStatusList() []meeting.Status {
	return []meeting.Status{
		meeting.StatusRequested,
		meeting.StatusJoining,
		meeting.StatusAwaitingAdmission,
		meeting.StatusActive,
	}
}
