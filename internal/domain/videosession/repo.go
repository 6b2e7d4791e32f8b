package videosession

import (
	"context"
	"time"

	"github.com/ehr/telehealth/internal/platform/apperr"
)

var (
	ErrSessionNotFound     = apperr.NotFound("session_not_found", "video session not found")
	ErrSessionExists       = apperr.StateConflict("session_exists", "visit already has an open video session")
	ErrSessionEnded        = apperr.StateConflict("session_ended", "video session has ended")
	ErrAlreadyJoined       = apperr.StateConflict("already_joined", "user is already in the session")
	ErrNotAParticipant     = apperr.StateConflict("not_a_participant", "user is not an active participant")
	ErrRecipientNotPresent = apperr.StateConflict("recipient_not_present", "recipient is not an active participant")
	ErrNotScreenSharing    = apperr.StateConflict("not_screen_sharing", "user is not sharing their screen")
	ErrFeatureDisabled     = apperr.StateConflict("screen_share_disabled", "screen sharing is disabled for this session")
	ErrChatDisabled        = apperr.StateConflict("chat_disabled", "chat is disabled for this session")
	ErrRecordingNotEnabled = apperr.StateConflict("recording_not_enabled", "recording is not enabled for this session")
	ErrAlreadyRecording    = apperr.StateConflict("already_recording", "session is already being recorded")
	ErrNotRecording        = apperr.StateConflict("not_recording", "session is not being recorded")
	ErrScreenShareBusy     = apperr.ResourceBusy("screen_share_busy", "another participant is sharing their screen")
	ErrSessionFull         = apperr.ResourceBusy("session_full", "session has reached its participant limit")
	ErrInvalidToken        = apperr.Expired("invalid_token", "access token is invalid, expired or already used")
	ErrInvalidInput        = apperr.Validation("invalid_input", "invalid video session request")
)

type SessionRepository interface {
	Create(ctx context.Context, s *VideoSession) error
	// GetByID returns the session without its participants.
	GetByID(ctx context.Context, id string) (*VideoSession, error)
	Update(ctx context.Context, s *VideoSession) error
	// OpenForVisit returns the visit's session that is neither ended nor failed.
	OpenForVisit(ctx context.Context, visitID string) (*VideoSession, error)
}

type ParticipantRepository interface {
	Create(ctx context.Context, p *SessionParticipant) error
	Update(ctx context.Context, p *SessionParticipant) error
	ListBySession(ctx context.Context, sessionID string) ([]*SessionParticipant, error)
}

// ScreenShareRepository stores screen shares. Create fails with
// ErrScreenShareBusy when the session already has an open share.
type ScreenShareRepository interface {
	Create(ctx context.Context, s *ScreenShareSession) error
	Update(ctx context.Context, s *ScreenShareSession) error
	// Active returns the open share, or nil when there is none.
	Active(ctx context.Context, sessionID string) (*ScreenShareSession, error)
	ListBySession(ctx context.Context, sessionID string) ([]*ScreenShareSession, error)
}

type ChatRepository interface {
	Create(ctx context.Context, m *SessionChatMessage) error
	ListBySession(ctx context.Context, sessionID string) ([]*SessionChatMessage, error)
}

// TokenStore keeps issued access tokens until they are consumed or expire.
type TokenStore interface {
	Put(ctx context.Context, t *SessionAccessToken, ttl time.Duration) error
	// Consume removes and returns the token. Unknown, used and expired tokens
	// fail with ErrInvalidToken.
	Consume(ctx context.Context, tokenID string) (*SessionAccessToken, error)
}
