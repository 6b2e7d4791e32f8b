package waitingroom

import (
	"strconv"
	"strings"
	"time"
)

type EntryStatus string

const (
	StatusWaiting  EntryStatus = "waiting"
	StatusCalled   EntryStatus = "called"
	StatusAdmitted EntryStatus = "admitted"
	StatusLeft     EntryStatus = "left"
	StatusTimedOut EntryStatus = "timed_out"
)

type Readiness struct {
	SystemCheckPassed      bool `json:"system_check_passed"`
	CameraWorking          bool `json:"camera_working"`
	MicrophoneWorking      bool `json:"microphone_working"`
	ConnectionMeetsFloor   bool `json:"connection_meets_floor"`
	QuestionnaireCompleted bool `json:"questionnaire_completed"`
	ConsentSigned          bool `json:"consent_signed"`
	PaymentVerified        bool `json:"payment_verified"`
}

// Missing lists the readiness items that are not yet satisfied.
func (r Readiness) Missing() []string {
	var missing []string
	check := func(ok bool, name string) {
		if !ok {
			missing = append(missing, name)
		}
	}
	check(r.SystemCheckPassed, "system_check")
	check(r.CameraWorking, "camera")
	check(r.MicrophoneWorking, "microphone")
	check(r.ConnectionMeetsFloor, "connection")
	check(r.QuestionnaireCompleted, "questionnaire")
	check(r.ConsentSigned, "consent")
	check(r.PaymentVerified, "payment")
	return missing
}

type SystemCheckResults struct {
	CameraAvailable      bool      `json:"camera_available"`
	CameraPermission     bool      `json:"camera_permission"`
	MicrophoneAvailable  bool      `json:"microphone_available"`
	MicrophonePermission bool      `json:"microphone_permission"`
	SpeakerAvailable     bool      `json:"speaker_available"`
	ConnectionSpeedMbps  float64   `json:"connection_speed_mbps"`
	BrowserName          string    `json:"browser_name"`
	BrowserVersion       string    `json:"browser_version"`
	CheckedAt            time.Time `json:"checked_at"`
}

type SentNotification struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

type WaitingRoomEntry struct {
	ID                   string              `json:"id"`
	VisitID              string              `json:"visit_id"`
	PatientID            string              `json:"patient_id"`
	ProviderID           string              `json:"provider_id"`
	Position             int                 `json:"position"`
	EstimatedWaitMinutes int                 `json:"estimated_wait_minutes"`
	Status               EntryStatus         `json:"status"`
	EnteredAt            time.Time           `json:"entered_at"`
	CalledAt             *time.Time          `json:"called_at,omitempty"`
	AdmittedAt           *time.Time          `json:"admitted_at,omitempty"`
	LeftAt               *time.Time          `json:"left_at,omitempty"`
	TimeoutAt            time.Time           `json:"timeout_at"`
	ActualWaitMinutes    *int                `json:"actual_wait_minutes,omitempty"`
	Readiness            Readiness           `json:"readiness"`
	SystemCheck          *SystemCheckResults `json:"system_check,omitempty"`
	Notifications        []SentNotification  `json:"notifications"`
	CalledSoonSent       bool                `json:"called_soon_sent"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// finishWait stamps the whole minutes between entering and at.
func (e *WaitingRoomEntry) finishWait(at time.Time) {
	mins := int(at.Sub(e.EnteredAt).Minutes())
	if mins < 0 {
		mins = 0
	}
	e.ActualWaitMinutes = &mins
	e.Position = 0
	e.EstimatedWaitMinutes = 0
}

const (
	DefaultAverageVisitMinutes = 15
	rollingWindow              = 20
)

type ProviderQueue struct {
	ProviderID          string    `json:"provider_id"`
	VisitIDs            []string  `json:"visit_ids"`
	AverageVisitMinutes int       `json:"average_visit_minutes"`
	RecentDurations     []int     `json:"-"`
	SampleCount         int       `json:"sample_count"`
	CurrentVisitID      string    `json:"current_visit_id,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func newQueue(providerID string) *ProviderQueue {
	return &ProviderQueue{ProviderID: providerID, AverageVisitMinutes: DefaultAverageVisitMinutes}
}

func (q *ProviderQueue) remove(visitID string) bool {
	for i, id := range q.VisitIDs {
		if id == visitID {
			q.VisitIDs = append(q.VisitIDs[:i:i], q.VisitIDs[i+1:]...)
			return true
		}
	}
	return false
}

// recordDuration folds minutes into the rolling average of the last
// rollingWindow visits, rounded to the nearest minute.
func (q *ProviderQueue) recordDuration(minutes int) {
	if minutes < 0 {
		minutes = 0
	}
	q.RecentDurations = append(q.RecentDurations, minutes)
	if len(q.RecentDurations) > rollingWindow {
		q.RecentDurations = q.RecentDurations[len(q.RecentDurations)-rollingWindow:]
	}
	q.SampleCount++
	sum := 0
	for _, d := range q.RecentDurations {
		sum += d
	}
	n := len(q.RecentDurations)
	q.AverageVisitMinutes = (sum + n/2) / n
	if q.AverageVisitMinutes < 1 {
		q.AverageVisitMinutes = 1
	}
}

type QueueStatus struct {
	ProviderID          string              `json:"provider_id"`
	Waiting             int                 `json:"waiting"`
	AverageVisitMinutes int                 `json:"average_visit_minutes"`
	CurrentVisitID      string              `json:"current_visit_id,omitempty"`
	Entries             []*WaitingRoomEntry `json:"entries"`
}

type ReadinessUpdate struct {
	QuestionnaireCompleted *bool `json:"questionnaire_completed"`
	ConsentSigned          *bool `json:"consent_signed"`
	PaymentVerified        *bool `json:"payment_verified"`
}

const MinConnectionMbps = 2.0

// minBrowserVersions is the supported browser allow-list (major versions).
var minBrowserVersions = map[string]int{
	"chrome":  90,
	"firefox": 88,
	"safari":  14,
	"edge":    90,
}

// browserSupported reports whether name/version is on the allow-list.
func browserSupported(name, version string) bool {
	floor, ok := minBrowserVersions[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return false
	}
	major, err := strconv.Atoi(strings.SplitN(strings.TrimSpace(version), ".", 2)[0])
	if err != nil {
		return false
	}
	return major >= floor
}
