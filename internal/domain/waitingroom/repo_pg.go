package waitingroom

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/telehealth/internal/platform/db"
)

// =========== Entry Repository ===========

type entryRepoPG struct{ pool *pgxpool.Pool }

func NewEntryRepoPG(pool *pgxpool.Pool) EntryRepository { return &entryRepoPG{pool: pool} }

const entryCols = `id, visit_id, patient_id, provider_id, position, estimated_wait_minutes,
	status, entered_at, called_at, admitted_at, left_at, timeout_at, actual_wait_minutes,
	readiness, system_check, notifications, called_soon_sent, updated_at`

func scanEntry(row pgx.Row) (*WaitingRoomEntry, error) {
	var e WaitingRoomEntry
	err := row.Scan(&e.ID, &e.VisitID, &e.PatientID, &e.ProviderID, &e.Position, &e.EstimatedWaitMinutes,
		&e.Status, &e.EnteredAt, &e.CalledAt, &e.AdmittedAt, &e.LeftAt, &e.TimeoutAt, &e.ActualWaitMinutes,
		&e.Readiness, &e.SystemCheck, &e.Notifications, &e.CalledSoonSent, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return &e, err
}

func (r *entryRepoPG) Create(ctx context.Context, e *WaitingRoomEntry) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO waiting_room_entries (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, e.VisitID, e.PatientID, e.ProviderID, e.Position, e.EstimatedWaitMinutes,
		e.Status, e.EnteredAt, e.CalledAt, e.AdmittedAt, e.LeftAt, e.TimeoutAt, e.ActualWaitMinutes,
		e.Readiness, e.SystemCheck, e.Notifications, e.CalledSoonSent, e.UpdatedAt)
	return err
}

func (r *entryRepoPG) GetByVisit(ctx context.Context, visitID string) (*WaitingRoomEntry, error) {
	return scanEntry(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+entryCols+` FROM waiting_room_entries WHERE visit_id = $1 ORDER BY entered_at DESC LIMIT 1`, visitID))
}

func (r *entryRepoPG) Update(ctx context.Context, e *WaitingRoomEntry) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE waiting_room_entries SET position=$2, estimated_wait_minutes=$3, status=$4,
			called_at=$5, admitted_at=$6, left_at=$7, timeout_at=$8, actual_wait_minutes=$9,
			readiness=$10, system_check=$11, notifications=$12, called_soon_sent=$13, updated_at=$14
		WHERE id = $1`,
		e.ID, e.Position, e.EstimatedWaitMinutes, e.Status,
		e.CalledAt, e.AdmittedAt, e.LeftAt, e.TimeoutAt, e.ActualWaitMinutes,
		e.Readiness, e.SystemCheck, e.Notifications, e.CalledSoonSent, e.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *entryRepoPG) CompareAndSetStatus(ctx context.Context, entryID string, from, to EntryStatus) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE waiting_room_entries SET status = $3 WHERE id = $1 AND status = $2`, entryID, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *entryRepoPG) ListExpired(ctx context.Context, now time.Time, limit int) ([]*WaitingRoomEntry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+entryCols+` FROM waiting_room_entries
		WHERE status = 'waiting' AND timeout_at <= $1
		ORDER BY timeout_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*WaitingRoomEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// =========== Queue Repository ===========

type queueRepoPG struct{ pool *pgxpool.Pool }

func NewQueueRepoPG(pool *pgxpool.Pool) QueueRepository { return &queueRepoPG{pool: pool} }

func (r *queueRepoPG) Get(ctx context.Context, providerID string) (*ProviderQueue, error) {
	var q ProviderQueue
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT provider_id, visit_ids, average_visit_minutes, recent_durations, sample_count,
			current_visit_id, updated_at
		FROM provider_queues WHERE provider_id = $1`, providerID).
		Scan(&q.ProviderID, &q.VisitIDs, &q.AverageVisitMinutes, &q.RecentDurations, &q.SampleCount,
			&q.CurrentVisitID, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errQueueNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *queueRepoPG) Save(ctx context.Context, q *ProviderQueue) error {
	visitIDs := q.VisitIDs
	if visitIDs == nil {
		visitIDs = []string{}
	}
	durations := q.RecentDurations
	if durations == nil {
		durations = []int{}
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO provider_queues (provider_id, visit_ids, average_visit_minutes, recent_durations,
			sample_count, current_visit_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider_id) DO UPDATE SET visit_ids=$2, average_visit_minutes=$3,
			recent_durations=$4, sample_count=$5, current_visit_id=$6, updated_at=$7`,
		q.ProviderID, visitIDs, q.AverageVisitMinutes, durations, q.SampleCount, q.CurrentVisitID, q.UpdatedAt)
	return err
}
