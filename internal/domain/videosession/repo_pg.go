package videosession

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/telehealth/internal/platform/db"
)

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

const sessionCols = `id, visit_id, room_id, provider, join_url, status, quality, max_participants,
	recording_enabled, is_recording, recording_id, recording_started_at, recording_ended_at,
	recording_duration_seconds, recording_url, screen_share_enabled, chat_enabled,
	started_at, ended_at, duration_seconds, errors, created_at, updated_at`

func scanSession(row pgx.Row) (*VideoSession, error) {
	var s VideoSession
	err := row.Scan(&s.ID, &s.VisitID, &s.RoomID, &s.Provider, &s.JoinURL, &s.Status, &s.Quality, &s.MaxParticipants,
		&s.RecordingEnabled, &s.IsRecording, &s.RecordingID, &s.RecordingStartedAt, &s.RecordingEndedAt,
		&s.RecordingDurationSeconds, &s.RecordingURL, &s.ScreenShareEnabled, &s.ChatEnabled,
		&s.StartedAt, &s.EndedAt, &s.DurationSeconds, &s.Errors, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return &s, err
}

func (r *sessionRepoPG) Create(ctx context.Context, s *VideoSession) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO video_sessions (`+sessionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		s.ID, s.VisitID, s.RoomID, s.Provider, s.JoinURL, s.Status, s.Quality, s.MaxParticipants,
		s.RecordingEnabled, s.IsRecording, s.RecordingID, s.RecordingStartedAt, s.RecordingEndedAt,
		s.RecordingDurationSeconds, s.RecordingURL, s.ScreenShareEnabled, s.ChatEnabled,
		s.StartedAt, s.EndedAt, s.DurationSeconds, errorsOrEmpty(s.Errors), s.CreatedAt, s.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: visit %s", ErrSessionExists, s.VisitID)
	}
	return err
}

func errorsOrEmpty(errs []SessionError) []SessionError {
	if errs == nil {
		return []SessionError{}
	}
	return errs
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id string) (*VideoSession, error) {
	return scanSession(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+sessionCols+` FROM video_sessions WHERE id = $1`, id))
}

func (r *sessionRepoPG) Update(ctx context.Context, s *VideoSession) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE video_sessions SET status=$2, is_recording=$3, recording_id=$4, recording_started_at=$5,
			recording_ended_at=$6, recording_duration_seconds=$7, recording_url=$8,
			started_at=$9, ended_at=$10, duration_seconds=$11, errors=$12, updated_at=$13
		WHERE id = $1`,
		s.ID, s.Status, s.IsRecording, s.RecordingID, s.RecordingStartedAt,
		s.RecordingEndedAt, s.RecordingDurationSeconds, s.RecordingURL,
		s.StartedAt, s.EndedAt, s.DurationSeconds, errorsOrEmpty(s.Errors), s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *sessionRepoPG) OpenForVisit(ctx context.Context, visitID string) (*VideoSession, error) {
	return scanSession(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+sessionCols+` FROM video_sessions
		WHERE visit_id = $1 AND status NOT IN ('ended','failed')
		ORDER BY created_at DESC LIMIT 1`, visitID))
}

// =========== Participant Repository ===========

type participantRepoPG struct{ pool *pgxpool.Pool }

func NewParticipantRepoPG(pool *pgxpool.Pool) ParticipantRepository {
	return &participantRepoPG{pool: pool}
}

const participantCols = `id, session_id, user_id, role, display_name, joined_at, left_at, duration_seconds,
	audio_enabled, video_enabled, screen_sharing_enabled, connection`

func (r *participantRepoPG) Create(ctx context.Context, p *SessionParticipant) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO video_session_participants (`+participantCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.SessionID, p.UserID, p.Role, p.DisplayName, p.JoinedAt, p.LeftAt, p.DurationSeconds,
		p.AudioEnabled, p.VideoEnabled, p.ScreenSharingEnabled, p.Connection)
	return err
}

func (r *participantRepoPG) Update(ctx context.Context, p *SessionParticipant) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE video_session_participants SET left_at=$2, duration_seconds=$3, audio_enabled=$4,
			video_enabled=$5, screen_sharing_enabled=$6, connection=$7
		WHERE id = $1`,
		p.ID, p.LeftAt, p.DurationSeconds, p.AudioEnabled, p.VideoEnabled, p.ScreenSharingEnabled, p.Connection)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotAParticipant
	}
	return nil
}

func (r *participantRepoPG) ListBySession(ctx context.Context, sessionID string) ([]*SessionParticipant, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+participantCols+` FROM video_session_participants
		WHERE session_id = $1 ORDER BY joined_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionParticipant
	for rows.Next() {
		var p SessionParticipant
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.Role, &p.DisplayName, &p.JoinedAt, &p.LeftAt,
			&p.DurationSeconds, &p.AudioEnabled, &p.VideoEnabled, &p.ScreenSharingEnabled, &p.Connection); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// =========== Screen Share Repository ===========

type shareRepoPG struct{ pool *pgxpool.Pool }

func NewScreenShareRepoPG(pool *pgxpool.Pool) ScreenShareRepository { return &shareRepoPG{pool: pool} }

const shareCols = `id, session_id, participant_id, user_id, started_at, ended_at, duration_seconds`

func scanShare(row pgx.Row) (*ScreenShareSession, error) {
	var s ScreenShareSession
	if err := row.Scan(&s.ID, &s.SessionID, &s.ParticipantID, &s.UserID, &s.StartedAt, &s.EndedAt, &s.DurationSeconds); err != nil {
		return nil, err
	}
	return &s, nil
}

// Create relies on the screen_share_one_active partial unique index.
func (r *shareRepoPG) Create(ctx context.Context, s *ScreenShareSession) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO screen_share_sessions (`+shareCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.SessionID, s.ParticipantID, s.UserID, s.StartedAt, s.EndedAt, s.DurationSeconds)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrScreenShareBusy
	}
	return err
}

func (r *shareRepoPG) Update(ctx context.Context, s *ScreenShareSession) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE screen_share_sessions SET ended_at=$2, duration_seconds=$3 WHERE id = $1`,
		s.ID, s.EndedAt, s.DurationSeconds)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotScreenSharing
	}
	return nil
}

func (r *shareRepoPG) Active(ctx context.Context, sessionID string) (*ScreenShareSession, error) {
	s, err := scanShare(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+shareCols+` FROM screen_share_sessions WHERE session_id = $1 AND ended_at IS NULL`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *shareRepoPG) ListBySession(ctx context.Context, sessionID string) ([]*ScreenShareSession, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+shareCols+` FROM screen_share_sessions WHERE session_id = $1 ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ScreenShareSession
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// =========== Chat Repository ===========

type chatRepoPG struct{ pool *pgxpool.Pool }

func NewChatRepoPG(pool *pgxpool.Pool) ChatRepository { return &chatRepoPG{pool: pool} }

func (r *chatRepoPG) Create(ctx context.Context, m *SessionChatMessage) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO session_chat_messages (id, session_id, sender_id, recipient_id, message, sent_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6)`,
		m.ID, m.SessionID, m.SenderID, m.RecipientID, m.Message, m.SentAt)
	return err
}

func (r *chatRepoPG) ListBySession(ctx context.Context, sessionID string) ([]*SessionChatMessage, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, session_id, sender_id, COALESCE(recipient_id, ''), message, sent_at
		FROM session_chat_messages WHERE session_id = $1 ORDER BY sent_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionChatMessage
	for rows.Next() {
		var m SessionChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.RecipientID, &m.Message, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
