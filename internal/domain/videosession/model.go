package videosession

import (
	"time"

	"github.com/ehr/telehealth/internal/platform/video"
)

type SessionStatus string

const (
	StatusCreated SessionStatus = "created"
	StatusActive  SessionStatus = "active"
	StatusPaused  SessionStatus = "paused"
	StatusEnded   SessionStatus = "ended"
	StatusFailed  SessionStatus = "failed"
)

// closed reports whether the session accepts no further participants or
// media changes.
func (s SessionStatus) closed() bool {
	return s == StatusEnded || s == StatusFailed
}

type ParticipantRole string

const (
	RolePatient  ParticipantRole = "patient"
	RoleProvider ParticipantRole = "provider"
	RoleObserver ParticipantRole = "observer"
)

func (r ParticipantRole) Valid() bool {
	return r == RolePatient || r == RoleProvider || r == RoleObserver
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type SessionError struct {
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ConnectionInfo struct {
	IPAddress         string  `json:"ip_address,omitempty"`
	UserAgent         string  `json:"user_agent,omitempty"`
	Platform          string  `json:"platform,omitempty"`
	BandwidthKbps     int     `json:"bandwidth_kbps,omitempty"`
	LatencyMs         int     `json:"latency_ms,omitempty"`
	PacketLossPercent float64 `json:"packet_loss_percent,omitempty"`
	Quality           string  `json:"quality,omitempty"`
}

type SessionParticipant struct {
	ID                   string          `json:"id"`
	SessionID            string          `json:"session_id"`
	UserID               string          `json:"user_id"`
	Role                 ParticipantRole `json:"role"`
	DisplayName          string          `json:"display_name,omitempty"`
	JoinedAt             time.Time       `json:"joined_at"`
	LeftAt               *time.Time      `json:"left_at,omitempty"`
	DurationSeconds      *int            `json:"duration_seconds,omitempty"`
	AudioEnabled         bool            `json:"audio_enabled"`
	VideoEnabled         bool            `json:"video_enabled"`
	ScreenSharingEnabled bool            `json:"screen_sharing_enabled"`
	Connection           ConnectionInfo  `json:"connection"`
}

func (p *SessionParticipant) active() bool { return p.LeftAt == nil }

func (p *SessionParticipant) leave(now time.Time) {
	secs := int(now.Sub(p.JoinedAt).Seconds())
	if secs < 0 {
		secs = 0
	}
	p.LeftAt = &now
	p.DurationSeconds = &secs
	p.ScreenSharingEnabled = false
}

type VideoSession struct {
	ID                       string                `json:"id"`
	VisitID                  string                `json:"visit_id"`
	RoomID                   string                `json:"room_id"`
	Provider                 string                `json:"provider"`
	JoinURL                  string                `json:"join_url,omitempty"`
	Status                   SessionStatus         `json:"status"`
	Quality                  video.QualityProfile  `json:"quality"`
	MaxParticipants          int                   `json:"max_participants"`
	RecordingEnabled         bool                  `json:"recording_enabled"`
	IsRecording              bool                  `json:"is_recording"`
	RecordingID              string                `json:"recording_id,omitempty"`
	RecordingStartedAt       *time.Time            `json:"recording_started_at,omitempty"`
	RecordingEndedAt         *time.Time            `json:"recording_ended_at,omitempty"`
	RecordingDurationSeconds *int                  `json:"recording_duration_seconds,omitempty"`
	RecordingURL             string                `json:"recording_url,omitempty"`
	ScreenShareEnabled       bool                  `json:"screen_share_enabled"`
	ChatEnabled              bool                  `json:"chat_enabled"`
	StartedAt                *time.Time            `json:"started_at,omitempty"`
	EndedAt                  *time.Time            `json:"ended_at,omitempty"`
	DurationSeconds          *int                  `json:"duration_seconds,omitempty"`
	Participants             []*SessionParticipant `json:"participants"`
	Errors                   []SessionError        `json:"errors,omitempty"`
	CreatedAt                time.Time             `json:"created_at"`
	UpdatedAt                time.Time             `json:"updated_at"`
}

// activeParticipant returns the user's current participant record, if any.
func (s *VideoSession) activeParticipant(userID string) *SessionParticipant {
	for _, p := range s.Participants {
		if p.UserID == userID && p.active() {
			return p
		}
	}
	return nil
}

func (s *VideoSession) activeCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.active() {
			n++
		}
	}
	return n
}

// everJoined reports whether the user has a participant record, active or not.
func (s *VideoSession) everJoined(userID string) bool {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

type ScreenShareSession struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	ParticipantID   string     `json:"participant_id"`
	UserID          string     `json:"user_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
}

func (s *ScreenShareSession) end(now time.Time) {
	secs := int(now.Sub(s.StartedAt).Seconds())
	if secs < 0 {
		secs = 0
	}
	s.EndedAt = &now
	s.DurationSeconds = &secs
}

type SessionChatMessage struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Message     string    `json:"message"`
	SentAt      time.Time `json:"sent_at"`
}

// visibleTo is the read filter: addressed to the user, sent by them, or public.
func (m *SessionChatMessage) visibleTo(userID string) bool {
	return m.RecipientID == "" || m.RecipientID == userID || m.SenderID == userID
}

// SessionAccessToken is a single-use join credential for one
// (session, user, role).
type SessionAccessToken struct {
	Token       string          `json:"token"`
	TokenID     string          `json:"token_id"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	Role        ParticipantRole `json:"role"`
	ExpiresAt   time.Time       `json:"expires_at"`
	VendorToken string          `json:"vendor_token,omitempty"`
	JoinURL     string          `json:"join_url,omitempty"`
}

// SessionConfig tunes a new session. Nil fields take the defaults: screen
// share and chat on, recording following the visit's recording consent.
type SessionConfig struct {
	MaxParticipants    int                   `json:"max_participants"`
	RecordingEnabled   *bool                 `json:"recording_enabled"`
	ScreenShareEnabled *bool                 `json:"screen_share_enabled"`
	ChatEnabled        *bool                 `json:"chat_enabled"`
	Quality            *video.QualityProfile `json:"quality"`
}

type CreateRequest struct {
	VisitID string        `json:"visit_id"`
	Config  SessionConfig `json:"config"`
}

// MediaState carries the toggles a participant changed; nil leaves a flag as is.
type MediaState struct {
	AudioEnabled *bool `json:"audio_enabled"`
	VideoEnabled *bool `json:"video_enabled"`
}
