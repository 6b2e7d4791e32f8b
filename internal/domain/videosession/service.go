package videosession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/clock"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/events"
	"github.com/ehr/telehealth/internal/platform/outbox"
	"github.com/ehr/telehealth/internal/platform/video"
)

const (
	DefaultMaxParticipants = 3
	DefaultTokenTTL        = 24 * time.Hour

	maxChatLength = 4000
)

type Config struct {
	TokenSecret     string
	TokenTTL        time.Duration
	MaxParticipants int
}

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = DefaultMaxParticipants
	}
	return c
}

// VisitLinker points a visit at its video session and reports whether the
// patient agreed to recording.
type VisitLinker interface {
	LinkSession(ctx context.Context, visitID, sessionID string) (bool, error)
}

// Stores groups the repositories the engine works against.
type Stores struct {
	Sessions     SessionRepository
	Participants ParticipantRepository
	ScreenShares ScreenShareRepository
	Chat         ChatRepository
	Tokens       TokenStore
}

type Service struct {
	stores Stores
	visits VisitLinker
	vendor video.Provider
	tx     db.Transactor
	clock  clock.Clock
	events events.Publisher
	logger zerolog.Logger
	signer signer
	cfg    Config
}

func NewService(stores Stores, visits VisitLinker, vendor video.Provider, tx db.Transactor,
	clk clock.Clock, pub events.Publisher, logger zerolog.Logger, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		stores: stores,
		visits: visits,
		vendor: vendor,
		tx:     tx,
		clock:  clk,
		events: pub,
		logger: logger.With().Str("component", "videosession").Logger(),
		signer: signer{secret: []byte(cfg.TokenSecret), clock: clk},
		cfg:    cfg,
	}
}

func sessionKey(id string) string { return "video-session:" + id }

func (s *Service) now() time.Time { return s.clock.Now() }

func (s *Service) run(ctx context.Context, key string, fn func(ctx context.Context, ob *outbox.Outbox) error) error {
	return outbox.Run(ctx, s.tx, key, s.events, nil, s.logger, fn)
}

// load returns the session with its participants.
func (s *Service) load(ctx context.Context, id string) (*VideoSession, error) {
	sess, err := s.stores.Sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Participants, err = s.stores.Participants.ListBySession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return sess, nil
}

// inSession runs fn on the loaded session under its lock and saves the
// session afterwards. fn persists any participant or share it changes.
func (s *Service) inSession(ctx context.Context, id string, fn func(ctx context.Context, ob *outbox.Outbox, sess *VideoSession) error) (*VideoSession, error) {
	var out *VideoSession
	err := s.run(ctx, sessionKey(id), func(ctx context.Context, ob *outbox.Outbox) error {
		sess, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, ob, sess); err != nil {
			return err
		}
		sess.UpdatedAt = s.now()
		if err := s.stores.Sessions.Update(ctx, sess); err != nil {
			return fmt.Errorf("update session %s: %w", id, err)
		}
		out = sess
		return nil
	})
	return out, err
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// CreateSession opens a vendor room for the visit. A visit has at most one
// session that is neither ended nor failed.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (*VideoSession, error) {
	if req.VisitID == "" {
		return nil, fmt.Errorf("%w: visit_id is required", ErrInvalidInput)
	}
	if req.Config.MaxParticipants < 0 {
		return nil, fmt.Errorf("%w: max_participants must not be negative", ErrInvalidInput)
	}

	var out *VideoSession
	err := s.run(ctx, "video-visit:"+req.VisitID, func(ctx context.Context, ob *outbox.Outbox) error {
		existing, err := s.stores.Sessions.OpenForVisit(ctx, req.VisitID)
		if err == nil {
			return fmt.Errorf("%w: session %s", ErrSessionExists, existing.ID)
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return err
		}

		maxParticipants := req.Config.MaxParticipants
		if maxParticipants == 0 {
			maxParticipants = s.cfg.MaxParticipants
		}
		id := uuid.NewString()
		recordingConsent, err := s.visits.LinkSession(ctx, req.VisitID, id)
		if err != nil {
			return err
		}
		recording := recordingConsent && boolOr(req.Config.RecordingEnabled, true)
		room, err := s.vendor.CreateRoom(ctx, video.RoomOptions{Name: id, MaxParticipants: maxParticipants, Recording: recording})
		if err != nil {
			return fmt.Errorf("create %s room: %w", s.vendor.Name(), err)
		}
		quality := room.Quality
		if req.Config.Quality != nil {
			quality = *req.Config.Quality
		}

		now := s.now()
		sess := &VideoSession{
			ID:                 id,
			VisitID:            req.VisitID,
			RoomID:             room.RoomID,
			Provider:           room.Provider,
			JoinURL:            room.JoinURL,
			Status:             StatusCreated,
			Quality:            quality,
			MaxParticipants:    maxParticipants,
			RecordingEnabled:   recording,
			ScreenShareEnabled: boolOr(req.Config.ScreenShareEnabled, true),
			ChatEnabled:        boolOr(req.Config.ChatEnabled, true),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.stores.Sessions.Create(ctx, sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		ob.Event(events.New(events.SessionCreated, sess.ID, now, map[string]interface{}{
			"visit_id": sess.VisitID, "room_id": sess.RoomID, "provider": sess.Provider,
			"recording_enabled": sess.RecordingEnabled,
		}))
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Participants = []*SessionParticipant{}
	s.logger.Info().Str("session_id", out.ID).Str("visit_id", out.VisitID).Str("vendor", out.Provider).Msg("video session created")
	return out, nil
}

// GenerateAccessToken issues a single-use join token for (session, user, role).
func (s *Service) GenerateAccessToken(ctx context.Context, sessionID, userID string, role ParticipantRole) (*SessionAccessToken, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	var out *SessionAccessToken
	err := s.run(ctx, sessionKey(sessionID), func(ctx context.Context, _ *outbox.Outbox) error {
		sess, err := s.load(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.closed() {
			return fmt.Errorf("%w: session %s is %s", ErrSessionEnded, sessionID, sess.Status)
		}
		if sess.activeCount() >= sess.MaxParticipants {
			return fmt.Errorf("%w: %d of %d", ErrSessionFull, sess.activeCount(), sess.MaxParticipants)
		}

		now := s.now()
		vendorToken, err := s.vendor.IssueToken(ctx, sess.RoomID, userID, s.cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("issue %s token: %w", s.vendor.Name(), err)
		}
		tok := &SessionAccessToken{
			TokenID:     uuid.NewString(),
			SessionID:   sessionID,
			UserID:      userID,
			Role:        role,
			ExpiresAt:   now.Add(s.cfg.TokenTTL),
			VendorToken: vendorToken,
			JoinURL:     sess.JoinURL,
		}
		if tok.Token, err = s.signer.sign(tok, now); err != nil {
			return fmt.Errorf("sign access token: %w", err)
		}
		if err := s.stores.Tokens.Put(ctx, tok, s.cfg.TokenTTL); err != nil {
			return err
		}
		out = tok
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", sessionID).Str("user_id", userID).Str("role", string(role)).Msg("access token issued")
	return out, nil
}

// JoinSession consumes the token and adds the user to the roster. The first
// join activates the session.
func (s *Service) JoinSession(ctx context.Context, sessionID, token, userID string, conn ConnectionInfo) (*VideoSession, error) {
	claims, err := s.signer.verify(token)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != sessionID || claims.Subject != userID {
		return nil, fmt.Errorf("%w: token was issued for another session or user", ErrInvalidToken)
	}

	return s.inSession(ctx, sessionID, func(ctx context.Context, ob *outbox.Outbox, sess *VideoSession) error {
		if sess.Status.closed() {
			return fmt.Errorf("%w: session %s is %s", ErrSessionEnded, sessionID, sess.Status)
		}
		rec, err := s.stores.Tokens.Consume(ctx, claims.ID)
		if err != nil {
			return err
		}
		if rec.SessionID != sessionID || rec.UserID != userID {
			return fmt.Errorf("%w: token record does not match", ErrInvalidToken)
		}
		if sess.activeParticipant(userID) != nil {
			return fmt.Errorf("%w: user %s", ErrAlreadyJoined, userID)
		}
		if sess.activeCount() >= sess.MaxParticipants {
			return fmt.Errorf("%w: %d of %d", ErrSessionFull, sess.activeCount(), sess.MaxParticipants)
		}

		now := s.now()
		p := &SessionParticipant{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			UserID:       userID,
			Role:         rec.Role,
			JoinedAt:     now,
			AudioEnabled: true,
			VideoEnabled: true,
			Connection:   conn,
		}
		if err := s.stores.Participants.Create(ctx, p); err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
		sess.Participants = append(sess.Participants, p)
		if sess.Status == StatusCreated {
			sess.Status = StatusActive
			sess.StartedAt = &now
			ob.Event(events.New(events.SessionStarted, sess.ID, now, map[string]string{
				"visit_id": sess.VisitID, "first_participant": userID,
			}))
		}
		s.logger.Info().Str("session_id", sessionID).Str("user_id", userID).Str("role", string(p.Role)).Msg("participant joined")
		return nil
	})
}

// LeaveSession takes the user out of the roster, stops their screen share and
// ends the session when nobody is left.
func (s *Service) LeaveSession(ctx context.Context, sessionID, userID string) (*VideoSession, error) {
	return s.inSession(ctx, sessionID, func(ctx context.Context, ob *outbox.Outbox, sess *VideoSession) error {
		p := sess.activeParticipant(userID)
		if p == nil {
			return fmt.Errorf("%w: user %s", ErrNotAParticipant, userID)
		}
		now := s.now()
		share, err := s.stores.ScreenShares.Active(ctx, sessionID)
		if err != nil {
			return err
		}
		if share != nil && share.UserID == userID {
			share.end(now)
			if err := s.stores.ScreenShares.Update(ctx, share); err != nil {
				return err
			}
		}
		p.leave(now)
		if err := s.stores.Participants.Update(ctx, p); err != nil {
			return err
		}
		s.logger.Info().Str("session_id", sessionID).Str("user_id", userID).Int("seconds", *p.DurationSeconds).Msg("participant left")

		if sess.activeCount() == 0 {
			return s.end(ctx, ob, sess, now)
		}
		return nil
	})
}

// EndSession closes the session. Ending an ended session is a no-op.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*VideoSession, error) {
	return s.inSession(ctx, sessionID, func(ctx context.Context, ob *outbox.Outbox, sess *VideoSession) error {
		return s.end(ctx, ob, sess, s.now())
	})
}

// end closes every open participant, share and recording, computes the
// session duration and releases the vendor room. A failed session keeps its
// status.
func (s *Service) end(ctx context.Context, ob *outbox.Outbox, sess *VideoSession, now time.Time) error {
	if sess.EndedAt != nil {
		return nil
	}
	for _, p := range sess.Participants {
		if !p.active() {
			continue
		}
		p.leave(now)
		if err := s.stores.Participants.Update(ctx, p); err != nil {
			return err
		}
	}
	share, err := s.stores.ScreenShares.Active(ctx, sess.ID)
	if err != nil {
		return err
	}
	if share != nil {
		share.end(now)
		if err := s.stores.ScreenShares.Update(ctx, share); err != nil {
			return err
		}
	}
	if sess.IsRecording {
		if err := s.stopRecording(ctx, ob, sess, now); err != nil {
			return err
		}
	}

	if sess.Status != StatusFailed {
		sess.Status = StatusEnded
	}
	sess.EndedAt = &now
	secs := 0
	if sess.StartedAt != nil {
		secs = int(now.Sub(*sess.StartedAt).Seconds())
	}
	sess.DurationSeconds = &secs
	if err := s.vendor.CloseRoom(ctx, sess.RoomID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Str("room_id", sess.RoomID).Msg("close vendor room failed")
	}
	ob.Event(events.New(events.SessionEnded, sess.ID, now, map[string]interface{}{
		"visit_id": sess.VisitID, "duration_seconds": secs, "status": sess.Status,
	}))
	s.logger.Info().Str("session_id", sess.ID).Str("visit_id", sess.VisitID).Int("seconds", secs).Msg("video session ended")
	return nil
}

// StartScreenShare gives the user the session's single screen-share slot.
func (s *Service) StartScreenShare(ctx context.Context, sessionID, userID string) (*ScreenShareSession, error) {
	var out *ScreenShareSession
	_, err := s.inSession(ctx, sessionID, func(ctx context.Context, _ *outbox.Outbox, sess *VideoSession) error {
		if sess.Status.closed() {
			return fmt.Errorf("%w: session %s is %s", ErrSessionEnded, sessionID, sess.Status)
		}
		if !sess.ScreenShareEnabled {
			return ErrFeatureDisabled
		}
		p := sess.activeParticipant(userID)
		if p == nil {
			return fmt.Errorf("%w: user %s", ErrNotAParticipant, userID)
		}
		current, err := s.stores.ScreenShares.Active(ctx, sessionID)
		if err != nil {
			return err
		}
		if current != nil {
			return fmt.Errorf("%w: %s is sharing", ErrScreenShareBusy, current.UserID)
		}
		share := &ScreenShareSession{
			ID:            uuid.NewString(),
			SessionID:     sessionID,
			ParticipantID: p.ID,
			UserID:        userID,
			StartedAt:     s.now(),
		}
		if err := s.stores.ScreenShares.Create(ctx, share); err != nil {
			return err
		}
		p.ScreenSharingEnabled = true
		if err := s.stores.Participants.Update(ctx, p); err != nil {
			return err
		}
		out = share
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", sessionID).Str("user_id", userID).Msg("screen share started")
	return out, nil
}

// StopScreenShare closes the user's open share.
func (s *Service) StopScreenShare(ctx context.Context, sessionID, userID string) (*ScreenShareSession, error) {
	var out *ScreenShareSession
	_, err := s.inSession(ctx, sessionID, func(ctx context.Context, _ *outbox.Outbox, sess *VideoSession) error {
		share, err := s.stores.ScreenShares.Active(ctx, sessionID)
		if err != nil {
			return err
		}
		if share == nil || share.UserID != userID {
			return fmt.Errorf("%w: user %s", ErrNotScreenSharing, userID)
		}
		share.end(s.now())
		if err := s.stores.ScreenShares.Update(ctx, share); err != nil {
			return err
		}
		if p := sess.activeParticipant(userID); p != nil {
			p.ScreenSharingEnabled = false
			if err := s.stores.Participants.Update(ctx, p); err != nil {
				return err
			}
		}
		out = share
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", sessionID).Str("user_id", userID).Int("seconds", *out.DurationSeconds).Msg("screen share stopped")
	return out, nil
}

func (s *Service) ListScreenShares(ctx context.Context, sessionID string) ([]*ScreenShareSession, error) {
	if _, err := s.stores.Sessions.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.stores.ScreenShares.ListBySession(ctx, sessionID)
}

func (s *Service) StartRecording(ctx context.Context, sessionID string) (*VideoSession, error) {
	return s.inSession(ctx, sessionID, func(ctx context.Context, _ *outbox.Outbox, sess *VideoSession) error {
		if sess.Status.closed() {
			return fmt.Errorf("%w: session %s is %s", ErrSessionEnded, sessionID, sess.Status)
		}
		if !sess.RecordingEnabled {
			return ErrRecordingNotEnabled
		}
		if sess.IsRecording {
			return ErrAlreadyRecording
		}
		rec, err := s.vendor.StartRecording(ctx, sess.RoomID)
		if err != nil {
			return fmt.Errorf("start %s recording: %w", s.vendor.Name(), err)
		}
		now := s.now()
		sess.IsRecording = true
		sess.RecordingID = rec.ID
		sess.RecordingStartedAt = &now
		sess.RecordingEndedAt = nil
		sess.RecordingDurationSeconds = nil
		sess.RecordingURL = ""
		s.logger.Info().Str("session_id", sessionID).Msg("recording started")
		return nil
	})
}

func (s *Service) StopRecording(ctx context.Context, sessionID string) (*VideoSession, error) {
	return s.inSession(ctx, sessionID, func(ctx context.Context, ob *outbox.Outbox, sess *VideoSession) error {
		if !sess.IsRecording {
			return ErrNotRecording
		}
		return s.stopRecording(ctx, ob, sess, s.now())
	})
}

func (s *Service) stopRecording(ctx context.Context, ob *outbox.Outbox, sess *VideoSession, now time.Time) error {
	started := now
	if sess.RecordingStartedAt != nil {
		started = *sess.RecordingStartedAt
	}
	url, err := s.vendor.StopRecording(ctx, video.Recording{ID: sess.RecordingID, RoomID: sess.RoomID, StartedAt: started})
	if err != nil {
		return fmt.Errorf("stop %s recording: %w", s.vendor.Name(), err)
	}
	secs := int(now.Sub(started).Seconds())
	sess.IsRecording = false
	sess.RecordingEndedAt = &now
	sess.RecordingDurationSeconds = &secs
	sess.RecordingURL = url
	ob.Event(events.New(events.RecordingStopped, sess.ID, now, map[string]interface{}{
		"visit_id": sess.VisitID, "duration_seconds": secs, "recording_url": url,
	}))
	s.logger.Info().Str("session_id", sess.ID).Int("seconds", secs).Msg("recording stopped")
	return nil
}

// SendChatMessage posts a message to the session, or privately to
// recipientID when it is set.
func (s *Service) SendChatMessage(ctx context.Context, sessionID, senderID, message, recipientID string) (*SessionChatMessage, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if len(message) > maxChatLength {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidInput, maxChatLength)
	}
	var out *SessionChatMessage
	err := s.run(ctx, sessionKey(sessionID), func(ctx context.Context, _ *outbox.Outbox) error {
		sess, err := s.load(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.closed() {
			return fmt.Errorf("%w: session %s is %s", ErrSessionEnded, sessionID, sess.Status)
		}
		if !sess.ChatEnabled {
			return ErrChatDisabled
		}
		if sess.activeParticipant(senderID) == nil {
			return fmt.Errorf("%w: user %s", ErrNotAParticipant, senderID)
		}
		if recipientID != "" && sess.activeParticipant(recipientID) == nil {
			return fmt.Errorf("%w: user %s", ErrRecipientNotPresent, recipientID)
		}
		msg := &SessionChatMessage{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			SenderID:    senderID,
			RecipientID: recipientID,
			Message:     message,
			SentAt:      s.now(),
		}
		if err := s.stores.Chat.Create(ctx, msg); err != nil {
			return fmt.Errorf("store chat message: %w", err)
		}
		out = msg
		return nil
	})
	return out, err
}

// GetChatMessages returns the messages userID may read. Anyone who has been
// in the session can read its history.
func (s *Service) GetChatMessages(ctx context.Context, sessionID, userID string) ([]*SessionChatMessage, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.everJoined(userID) {
		return nil, fmt.Errorf("%w: user %s", ErrNotAParticipant, userID)
	}
	all, err := s.stores.Chat.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*SessionChatMessage, 0, len(all))
	for _, m := range all {
		if m.visibleTo(userID) {
			out = append(out, m)
		}
	}
	return out, nil
}

// ReportError appends to the session's error log. A critical error fails an
// open session regardless of who is still connected.
func (s *Service) ReportError(ctx context.Context, sessionID, message string, severity Severity) (*VideoSession, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, severity)
	}
	return s.inSession(ctx, sessionID, func(ctx context.Context, ob *outbox.Outbox, sess *VideoSession) error {
		now := s.now()
		sess.Errors = append(sess.Errors, SessionError{Message: message, Severity: severity, OccurredAt: now})
		if severity != SeverityCritical || sess.Status.closed() {
			s.logger.Warn().Str("session_id", sessionID).Str("severity", string(severity)).Str("error", message).Msg("session error reported")
			return nil
		}
		sess.Status = StatusFailed
		ob.Event(events.New(events.SessionFailed, sess.ID, now, map[string]string{
			"visit_id": sess.VisitID, "error": message,
		}))
		s.logger.Error().Str("session_id", sessionID).Str("error", message).Msg("video session failed")
		return nil
	})
}

// UpdateMediaState applies the participant's audio and video toggles.
func (s *Service) UpdateMediaState(ctx context.Context, sessionID, userID string, state MediaState) (*SessionParticipant, error) {
	var out *SessionParticipant
	_, err := s.inSession(ctx, sessionID, func(ctx context.Context, _ *outbox.Outbox, sess *VideoSession) error {
		p := sess.activeParticipant(userID)
		if p == nil {
			return fmt.Errorf("%w: user %s", ErrNotAParticipant, userID)
		}
		if state.AudioEnabled != nil {
			p.AudioEnabled = *state.AudioEnabled
		}
		if state.VideoEnabled != nil {
			p.VideoEnabled = *state.VideoEnabled
		}
		if err := s.stores.Participants.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Service) GetSession(ctx context.Context, id string) (*VideoSession, error) {
	return s.load(ctx, id)
}
