package telehealth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/telehealth/internal/platform/db"
)

// =========== Visit Repository ===========

type visitRepoPG struct{ pool *pgxpool.Pool }

func NewVisitRepoPG(pool *pgxpool.Pool) VisitRepository { return &visitRepoPG{pool: pool} }

const visitCols = `id, patient_id, provider_id, patient_name, provider_name, visit_type, reason,
	scheduled_at, duration_minutes, status, video_session_id, recording_consent, platform,
	checked_in_at, started_at, completed_at, actual_duration_minutes, documentation,
	price, currency, payment_status, payment_method, connection_quality, device_info,
	technical_issue, cancelled_by, cancellation_reason, cancelled_at, created_at, updated_at, version_id`

func scanVisit(row pgx.Row) (*VirtualVisit, error) {
	var v VirtualVisit
	err := row.Scan(&v.ID, &v.PatientID, &v.ProviderID, &v.PatientName, &v.ProviderName, &v.VisitType, &v.Reason,
		&v.ScheduledAt, &v.DurationMinutes, &v.Status, &v.VideoSessionID, &v.RecordingConsent, &v.Platform,
		&v.CheckedInAt, &v.StartedAt, &v.CompletedAt, &v.ActualDurationMinutes, &v.Documentation,
		&v.Price, &v.Currency, &v.PaymentStatus, &v.PaymentMethod, &v.ConnectionQuality, &v.DeviceInfo,
		&v.TechnicalIssue, &v.CancelledBy, &v.CancellationReason, &v.CancelledAt, &v.CreatedAt, &v.UpdatedAt, &v.VersionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVisitNotFound
	}
	return &v, err
}

func scanVisits(rows pgx.Rows) ([]*VirtualVisit, error) {
	defer rows.Close()
	var items []*VirtualVisit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *visitRepoPG) Create(ctx context.Context, v *VirtualVisit) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO telehealth_visits (`+visitCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
		v.ID, v.PatientID, v.ProviderID, v.PatientName, v.ProviderName, v.VisitType, v.Reason,
		v.ScheduledAt, v.DurationMinutes, v.Status, v.VideoSessionID, v.RecordingConsent, v.Platform,
		v.CheckedInAt, v.StartedAt, v.CompletedAt, v.ActualDurationMinutes, v.Documentation,
		v.Price, v.Currency, v.PaymentStatus, v.PaymentMethod, v.ConnectionQuality, v.DeviceInfo,
		v.TechnicalIssue, v.CancelledBy, v.CancellationReason, v.CancelledAt, v.CreatedAt, v.UpdatedAt, v.VersionID)
	return err
}

func (r *visitRepoPG) GetByID(ctx context.Context, id string) (*VirtualVisit, error) {
	return scanVisit(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+visitCols+` FROM telehealth_visits WHERE id = $1`, id))
}

func (r *visitRepoPG) Update(ctx context.Context, v *VirtualVisit) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE telehealth_visits SET status=$2, video_session_id=$3, checked_in_at=$4, started_at=$5,
			completed_at=$6, actual_duration_minutes=$7, documentation=$8, payment_status=$9,
			connection_quality=$10, device_info=$11, technical_issue=$12, cancelled_by=$13,
			cancellation_reason=$14, cancelled_at=$15, updated_at=$16, version_id=$17
		WHERE id = $1`,
		v.ID, v.Status, v.VideoSessionID, v.CheckedInAt, v.StartedAt,
		v.CompletedAt, v.ActualDurationMinutes, v.Documentation, v.PaymentStatus,
		v.ConnectionQuality, v.DeviceInfo, v.TechnicalIssue, v.CancelledBy,
		v.CancellationReason, v.CancelledAt, v.UpdatedAt, v.VersionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVisitNotFound
	}
	return nil
}

const terminalStatuses = `('completed','cancelled','no_show')`

func (r *visitRepoPG) ListActiveForProvider(ctx context.Context, providerID string, from, to time.Time) ([]*VirtualVisit, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+visitCols+` FROM telehealth_visits
		WHERE provider_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
			AND status NOT IN `+terminalStatuses+`
		ORDER BY scheduled_at`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	return scanVisits(rows)
}

func (r *visitRepoPG) ListScheduledBefore(ctx context.Context, cutoff time.Time, limit int) ([]*VirtualVisit, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+visitCols+` FROM telehealth_visits
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanVisits(rows)
}

func (r *visitRepoPG) List(ctx context.Context, f VisitFilter, limit, offset int) ([]*VirtualVisit, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.PatientID != "" {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, f.PatientID)
		idx++
	}
	if f.ProviderID != "" {
		where += fmt.Sprintf(` AND provider_id = $%d`, idx)
		args = append(args, f.ProviderID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND scheduled_at >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND scheduled_at < $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM telehealth_visits`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + visitCols + ` FROM telehealth_visits` + where +
		fmt.Sprintf(` ORDER BY scheduled_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanVisits(rows)
	return items, total, err
}

// =========== Consent Repository ===========

type consentRepoPG struct{ pool *pgxpool.Pool }

func NewConsentRepoPG(pool *pgxpool.Pool) ConsentRepository { return &consentRepoPG{pool: pool} }

const consentCols = `id, patient_id, consented_at, ip_address, user_agent, consent_version, expires_at, revoked_at`

func scanConsent(row pgx.Row) (*TelehealthConsent, error) {
	var c TelehealthConsent
	err := row.Scan(&c.ID, &c.PatientID, &c.ConsentedAt, &c.IPAddress, &c.UserAgent, &c.ConsentVersion,
		&c.ExpiresAt, &c.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConsentNotFound
	}
	return &c, err
}

func (r *consentRepoPG) Create(ctx context.Context, c *TelehealthConsent) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO telehealth_consents (`+consentCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.PatientID, c.ConsentedAt, c.IPAddress, c.UserAgent, c.ConsentVersion, c.ExpiresAt, c.RevokedAt)
	return err
}

func (r *consentRepoPG) GetByID(ctx context.Context, id string) (*TelehealthConsent, error) {
	return scanConsent(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+consentCols+` FROM telehealth_consents WHERE id = $1`, id))
}

// Update only ever records a revocation.
func (r *consentRepoPG) Update(ctx context.Context, c *TelehealthConsent) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE telehealth_consents SET revoked_at = $2 WHERE id = $1`, c.ID, c.RevokedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConsentNotFound
	}
	return nil
}

func (r *consentRepoPG) LatestActive(ctx context.Context, patientID string) (*TelehealthConsent, error) {
	return scanConsent(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+consentCols+` FROM telehealth_consents
		WHERE patient_id = $1 AND revoked_at IS NULL
		ORDER BY consented_at DESC LIMIT 1`, patientID))
}

// =========== Availability Repository ===========

type availabilityRepoPG struct{ pool *pgxpool.Pool }

func NewAvailabilityRepoPG(pool *pgxpool.Pool) AvailabilityRepository {
	return &availabilityRepoPG{pool: pool}
}

func (r *availabilityRepoPG) Get(ctx context.Context, providerID string) (*ProviderTelehealthAvailability, error) {
	var a ProviderTelehealthAvailability
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT provider_id, provider_name, enabled, max_daily_virtual_visits, default_duration_minutes,
			timezone, weekly_hours, break_times, supported_visit_types, accepted_payment_methods, updated_at
		FROM provider_telehealth_availability WHERE provider_id = $1`, providerID).
		Scan(&a.ProviderID, &a.ProviderName, &a.Enabled, &a.MaxDailyVirtualVisits, &a.DefaultDurationMinutes,
			&a.Timezone, &a.WeeklyHours, &a.BreakTimes, &a.SupportedVisitTypes, &a.AcceptedPaymentMethods, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAvailabilityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *availabilityRepoPG) Save(ctx context.Context, a *ProviderTelehealthAvailability) error {
	methods := a.AcceptedPaymentMethods
	if methods == nil {
		methods = []string{}
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO provider_telehealth_availability (provider_id, provider_name, enabled,
			max_daily_virtual_visits, default_duration_minutes, timezone, weekly_hours, break_times,
			supported_visit_types, accepted_payment_methods, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (provider_id) DO UPDATE SET provider_name=$2, enabled=$3,
			max_daily_virtual_visits=$4, default_duration_minutes=$5, timezone=$6, weekly_hours=$7,
			break_times=$8, supported_visit_types=$9, accepted_payment_methods=$10, updated_at=$11`,
		a.ProviderID, a.ProviderName, a.Enabled, a.MaxDailyVirtualVisits, a.DefaultDurationMinutes,
		a.Timezone, a.WeeklyHours, a.BreakTimes, a.SupportedVisitTypes, methods, a.UpdatedAt)
	return err
}
