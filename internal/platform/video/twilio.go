package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/clock"
)

// Twilio issues Programmable Video access tokens. Rooms are ad hoc: Twilio
// creates a room with the given unique name on first connect, so CreateRoom
// only reserves the name.
type Twilio struct {
	accountSID   string
	apiKeySID    string
	apiKeySecret string
	rooms        *registry
	clock        clock.Clock
}

// Twilio caps access tokens at 24 hours.
const twilioMaxTTL = 24 * time.Hour

func NewTwilio(accountSID, apiKeySID, apiKeySecret string, clk clock.Clock) (*Twilio, error) {
	if accountSID == "" || apiKeySID == "" || apiKeySecret == "" {
		return nil, errors.New("twilio account sid, api key sid and secret are required")
	}
	return &Twilio{
		accountSID:   accountSID,
		apiKeySID:    apiKeySID,
		apiKeySecret: apiKeySecret,
		rooms:        newRegistry(),
		clock:        clk,
	}, nil
}

func (t *Twilio) Name() string { return ProviderTwilio }

func (t *Twilio) DefaultQuality() QualityProfile {
	return QualityProfile{Resolution: "1280x720", FrameRate: 24, MaxBitrateKbps: 2400, AdaptiveBitrate: true}
}

func (t *Twilio) CreateRoom(_ context.Context, opts RoomOptions) (Room, error) {
	name := opts.Name
	if name == "" {
		name = uuid.NewString()
	}
	id := "telehealth-" + name
	t.rooms.add(id)
	return Room{RoomID: id, Provider: ProviderTwilio, Quality: t.DefaultQuality()}, nil
}

type videoGrant struct {
	Room string `json:"room,omitempty"`
}

func (t *Twilio) IssueToken(_ context.Context, roomID, identity string, ttl time.Duration) (string, error) {
	if err := t.rooms.check(roomID); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > twilioMaxTTL {
		ttl = twilioMaxTTL
	}

	now := t.clock.Now()
	claims := jwt.MapClaims{
		"jti": fmt.Sprintf("%s-%d", t.apiKeySID, now.Unix()),
		"iss": t.apiKeySID,
		"sub": t.accountSID,
		"exp": now.Add(ttl).Unix(),
		"grants": map[string]interface{}{
			"identity": identity,
			"video":    videoGrant{Room: roomID},
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["cty"] = "twilio-fpa;v=1"
	signed, err := tok.SignedString([]byte(t.apiKeySecret))
	if err != nil {
		return "", fmt.Errorf("sign twilio token: %w", err)
	}
	return signed, nil
}

func (t *Twilio) StartRecording(_ context.Context, roomID string) (Recording, error) {
	return t.rooms.startRecording(roomID, t.clock.Now())
}

func (t *Twilio) StopRecording(_ context.Context, rec Recording) (string, error) {
	if err := t.rooms.stopRecording(rec); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://video.twilio.com/v1/Rooms/%s/Recordings/%s/Media", rec.RoomID, rec.ID), nil
}

func (t *Twilio) CloseRoom(_ context.Context, roomID string) error {
	return t.rooms.close(roomID)
}
