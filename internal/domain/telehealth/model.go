package telehealth

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type VisitType string

const (
	VisitInitialConsultation VisitType = "initial_consultation"
	VisitFollowUp            VisitType = "follow_up"
	VisitUrgentCare          VisitType = "urgent_care"
	VisitPrescriptionRefill  VisitType = "prescription_refill"
	VisitSecondOpinion       VisitType = "second_opinion"
	VisitPostOpCheckup       VisitType = "post_op_checkup"
	VisitChronicCare         VisitType = "chronic_care_management"
)

// AllVisitTypes is the full visit type catalogue, in display order.
var AllVisitTypes = []VisitType{
	VisitInitialConsultation, VisitFollowUp, VisitUrgentCare, VisitPrescriptionRefill,
	VisitSecondOpinion, VisitPostOpCheckup, VisitChronicCare,
}

func (t VisitType) Valid() bool {
	for _, v := range AllVisitTypes {
		if v == t {
			return true
		}
	}
	return false
}

type VisitStatus string

const (
	StatusScheduled      VisitStatus = "scheduled"
	StatusWaitingRoom    VisitStatus = "waiting_room"
	StatusInProgress     VisitStatus = "in_progress"
	StatusCompleted      VisitStatus = "completed"
	StatusCancelled      VisitStatus = "cancelled"
	StatusNoShow         VisitStatus = "no_show"
	StatusTechnicalIssue VisitStatus = "technical_issue"
)

func (s VisitStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

func (p Platform) Valid() bool {
	return p == PlatformWeb || p == PlatformIOS || p == PlatformAndroid
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentWaived   PaymentStatus = "waived"
	PaymentRefunded PaymentStatus = "refunded"
)

// Documentation is the clinical record captured when a visit completes.
type Documentation struct {
	ChiefComplaint   string     `json:"chief_complaint,omitempty"`
	Assessment       string     `json:"assessment,omitempty"`
	Plan             string     `json:"plan,omitempty"`
	Diagnoses        []string   `json:"diagnoses,omitempty"`
	Prescriptions    []string   `json:"prescriptions,omitempty"`
	FollowUpRequired bool       `json:"follow_up_required"`
	FollowUpDate     *time.Time `json:"follow_up_date,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}

type VirtualVisit struct {
	ID                    string          `json:"id"`
	PatientID             string          `json:"patient_id"`
	ProviderID            string          `json:"provider_id"`
	PatientName           string          `json:"patient_name,omitempty"`
	ProviderName          string          `json:"provider_name,omitempty"`
	VisitType             VisitType       `json:"visit_type"`
	Reason                string          `json:"reason,omitempty"`
	ScheduledAt           time.Time       `json:"scheduled_at"`
	DurationMinutes       int             `json:"duration_minutes"`
	Status                VisitStatus     `json:"status"`
	VideoSessionID        string          `json:"video_session_id,omitempty"`
	RecordingConsent      bool            `json:"recording_consent"`
	Platform              Platform        `json:"platform"`
	CheckedInAt           *time.Time      `json:"checked_in_at,omitempty"`
	StartedAt             *time.Time      `json:"started_at,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	ActualDurationMinutes *int            `json:"actual_duration_minutes,omitempty"`
	Documentation         *Documentation  `json:"documentation,omitempty"`
	Price                 decimal.Decimal `json:"price"`
	Currency              string          `json:"currency"`
	PaymentStatus         PaymentStatus   `json:"payment_status"`
	PaymentMethod         string          `json:"payment_method,omitempty"`
	ConnectionQuality     string          `json:"connection_quality,omitempty"`
	DeviceInfo            string          `json:"device_info,omitempty"`
	TechnicalIssue        string          `json:"technical_issue,omitempty"`
	CancelledBy           string          `json:"cancelled_by,omitempty"`
	CancellationReason    string          `json:"cancellation_reason,omitempty"`
	CancelledAt           *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	VersionID             int             `json:"version_id"`
}

// EndsAt is the end of the booked slot.
func (v *VirtualVisit) EndsAt() time.Time {
	return v.ScheduledAt.Add(time.Duration(v.DurationMinutes) * time.Minute)
}

func (v *VirtualVisit) touch(now time.Time) {
	v.UpdatedAt = now
	v.VersionID++
}

// TimeWindow is a wall-clock window in the provider's time zone, "HH:MM".
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// minutes returns the window bounds as minutes past midnight.
func (w TimeWindow) minutes() (int, int, error) {
	start, err := clockMinutes(w.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := clockMinutes(w.End)
	if err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("window %s-%s ends before it starts", w.Start, w.End)
	}
	return start, end, nil
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

const DefaultVisitMinutes = 30

type ProviderTelehealthAvailability struct {
	ProviderID             string                  `json:"provider_id"`
	ProviderName           string                  `json:"provider_name,omitempty"`
	Enabled                bool                    `json:"enabled"`
	MaxDailyVirtualVisits  int                     `json:"max_daily_virtual_visits"`
	DefaultDurationMinutes int                     `json:"default_duration_minutes"`
	Timezone               string                  `json:"timezone,omitempty"`
	WeeklyHours            map[string][]TimeWindow `json:"weekly_hours,omitempty"`
	BreakTimes             []TimeWindow            `json:"break_times,omitempty"`
	SupportedVisitTypes    []VisitType             `json:"supported_visit_types,omitempty"`
	AcceptedPaymentMethods []string                `json:"accepted_payment_methods,omitempty"`
	UpdatedAt              time.Time               `json:"updated_at"`
}

func (a *ProviderTelehealthAvailability) supports(t VisitType) bool {
	if len(a.SupportedVisitTypes) == 0 {
		return true
	}
	for _, v := range a.SupportedVisitTypes {
		if v == t {
			return true
		}
	}
	return false
}

func (a *ProviderTelehealthAvailability) accepts(method string) bool {
	if method == "" || len(a.AcceptedPaymentMethods) == 0 {
		return true
	}
	for _, m := range a.AcceptedPaymentMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (a *ProviderTelehealthAvailability) duration() int {
	if a.DefaultDurationMinutes > 0 {
		return a.DefaultDurationMinutes
	}
	return DefaultVisitMinutes
}

func (a *ProviderTelehealthAvailability) location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// validate checks the time zone, every window and the visit types.
func (a *ProviderTelehealthAvailability) validate() error {
	if a.ProviderID == "" {
		return fmt.Errorf("provider_id is required")
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", a.Timezone)
		}
	}
	if a.MaxDailyVirtualVisits < 0 || a.DefaultDurationMinutes < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	for day, windows := range a.WeeklyHours {
		if _, ok := weekdays[strings.ToLower(day)]; !ok {
			return fmt.Errorf("unknown weekday %q", day)
		}
		for _, w := range windows {
			if _, _, err := w.minutes(); err != nil {
				return err
			}
		}
	}
	for _, w := range a.BreakTimes {
		if _, _, err := w.minutes(); err != nil {
			return err
		}
	}
	for _, t := range a.SupportedVisitTypes {
		if !t.Valid() {
			return fmt.Errorf("unknown visit type %q", t)
		}
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

// windowsFor returns the configured windows for the weekday.
func (a *ProviderTelehealthAvailability) windowsFor(day time.Weekday) []TimeWindow {
	for name, windows := range a.WeeklyHours {
		if weekdays[strings.ToLower(name)] == day {
			return windows
		}
	}
	return nil
}

// fits reports whether [start, start+d) lies inside a weekly window and
// clear of every break. Without weekly hours any time fits.
func (a *ProviderTelehealthAvailability) fits(start time.Time, d time.Duration) bool {
	if len(a.WeeklyHours) == 0 {
		return true
	}
	local := start.In(a.location())
	from := local.Hour()*60 + local.Minute()
	to := from + int(d/time.Minute)

	inside := false
	for _, w := range a.windowsFor(local.Weekday()) {
		ws, we, err := w.minutes()
		if err == nil && from >= ws && to <= we {
			inside = true
			break
		}
	}
	if !inside {
		return false
	}
	for _, b := range a.BreakTimes {
		bs, be, err := b.minutes()
		if err == nil && from < be && to > bs {
			return false
		}
	}
	return true
}

type TelehealthConsent struct {
	ID             string     `json:"id"`
	PatientID      string     `json:"patient_id"`
	ConsentedAt    time.Time  `json:"consented_at"`
	IPAddress      string     `json:"ip_address,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
	ConsentVersion string     `json:"consent_version"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

func (c *TelehealthConsent) expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

type ScheduleRequest struct {
	PatientID        string    `json:"patient_id"`
	ProviderID       string    `json:"provider_id"`
	PatientName      string    `json:"patient_name"`
	ProviderName     string    `json:"provider_name"`
	VisitType        VisitType `json:"visit_type"`
	Reason           string    `json:"reason"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	RecordingConsent bool      `json:"recording_consent"`
	Platform         Platform  `json:"platform"`
	PaymentMethod    string    `json:"payment_method"`
	DeviceInfo       string    `json:"device_info"`
}

type ConsentRequest struct {
	PatientID      string     `json:"patient_id"`
	IPAddress      string     `json:"ip_address"`
	UserAgent      string     `json:"user_agent"`
	ConsentVersion string     `json:"consent_version"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

// VisitFilter narrows ListVisits. Empty fields match everything.
type VisitFilter struct {
	PatientID  string
	ProviderID string
	Status     VisitStatus
	From       *time.Time
	To         *time.Time
}

type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
