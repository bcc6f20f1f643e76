// Package auth authenticates the two callers the control plane's HTTP
// surface distinguishes: API users presenting an X-API-Key, and the bot
// container itself calling back into the internal lifecycle endpoints.
// Grounded on the teacher's internal/auth package (JWTService's
// claims/signing shape from jwt.go, constant-time secret comparison from
// password.go) adapted from user-session auth to the narrower
// API-key-plus-service-token contract this control plane needs.
package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidAPIKey = errors.New("auth: invalid api key")
	ErrInvalidToken  = errors.New("auth: invalid callback token")
	ErrTokenExpired  = errors.New("auth: callback token expired")
)

// Service hashes/verifies API keys at rest and issues short-lived
// callback tokens the launcher hands to a bot container so its lifecycle
// callbacks can be authenticated without a database lookup.
type Service struct {
	callbackSecret []byte
	issuer         string
	tokenTTL       time.Duration
}

// Config configures the auth Service.
type Config struct {
	CallbackSecret string
	Issuer         string
	TokenTTL       time.Duration
}

func New(cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "meetingbot-controller"
	}
	return &Service{
		callbackSecret: []byte(cfg.CallbackSecret),
		issuer:         cfg.Issuer,
		tokenTTL:       cfg.TokenTTL,
	}
}

// HashAPIKey hashes a raw API key for storage in meeting.User.APIKeyHash.
// API keys are generated server-side with high entropy, so a single bcrypt
// cost factor (no per-request tuning, no salt management) is sufficient —
// unlike user-chosen passwords there is no dictionary-attack surface to
// defend against beyond the hash itself.
func (s *Service) HashAPIKey(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyAPIKey reports whether raw matches the stored bcrypt hash.
func (s *Service) VerifyAPIKey(raw, hash string) bool {
	if raw == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// CallbackClaims identify which meeting/session a bot's lifecycle
// callback belongs to.
type CallbackClaims struct {
	MeetingID  uint   `json:"meeting_id"`
	SessionUID string `json:"session_uid"`
	jwt.RegisteredClaims
}

// IssueCallbackToken signs a token the launcher passes to a bot container
// so its POST /bots/internal/callback/* calls can prove which meeting they
// belong to.
func (s *Service) IssueCallbackToken(meetingID uint, sessionUID string) (string, error) {
	claims := CallbackClaims{
		MeetingID:  meetingID,
		SessionUID: sessionUID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
			Subject:   sessionUID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.callbackSecret)
}

// ValidateCallbackToken parses and verifies a callback token, returning
// the meeting/session it was issued for.
func (s *Service) ValidateCallbackToken(tokenString string) (*CallbackClaims, error) {
	claims := &CallbackClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.callbackSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ConstantTimeEquals compares two secrets (e.g. a shared internal secret
// header) without leaking timing information, the same primitive the
// teacher's password verification relies on.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
