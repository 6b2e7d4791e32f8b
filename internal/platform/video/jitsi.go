package video

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/clock"
)

// Jitsi issues JWTs for a self-hosted Jitsi Meet deployment with token
// authentication enabled. Rooms exist as soon as someone joins them.
type Jitsi struct {
	domain    string
	appID     string
	appSecret string
	rooms     *registry
	clock     clock.Clock
}

func NewJitsi(domain, appID, appSecret string, clk clock.Clock) (*Jitsi, error) {
	if domain == "" || appID == "" || appSecret == "" {
		return nil, errors.New("jitsi domain, app id and app secret are required")
	}
	return &Jitsi{
		domain:    strings.TrimSuffix(domain, "/"),
		appID:     appID,
		appSecret: appSecret,
		rooms:     newRegistry(),
		clock:     clk,
	}, nil
}

func (j *Jitsi) Name() string { return ProviderJitsi }

func (j *Jitsi) DefaultQuality() QualityProfile {
	return QualityProfile{Resolution: "720p", FrameRate: 30, MaxBitrateKbps: 2500, AdaptiveBitrate: true}
}

func (j *Jitsi) CreateRoom(_ context.Context, opts RoomOptions) (Room, error) {
	name := opts.Name
	if name == "" {
		name = uuid.NewString()
	}
	// Jitsi room names are case-insensitive.
	id := strings.ToLower("telehealth-" + name)
	j.rooms.add(id)
	return Room{
		RoomID:   id,
		Provider: ProviderJitsi,
		JoinURL:  fmt.Sprintf("https://%s/%s", j.domain, id),
		Quality:  j.DefaultQuality(),
	}, nil
}

type jitsiClaims struct {
	jwt.RegisteredClaims
	Room    string       `json:"room"`
	Context jitsiContext `json:"context"`
}

type jitsiContext struct {
	User jitsiUser `json:"user"`
}

type jitsiUser struct {
	ID string `json:"id"`
}

func (j *Jitsi) IssueToken(_ context.Context, roomID, identity string, ttl time.Duration) (string, error) {
	if err := j.rooms.check(roomID); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := j.clock.Now()
	claims := jitsiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.appID,
			Subject:   j.domain,
			Audience:  jwt.ClaimStrings{"jitsi"},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Room:    roomID,
		Context: jitsiContext{User: jitsiUser{ID: identity}},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(j.appSecret))
	if err != nil {
		return "", fmt.Errorf("sign jitsi token: %w", err)
	}
	return signed, nil
}

// StartRecording registers a Jibri recording for the room.
func (j *Jitsi) StartRecording(_ context.Context, roomID string) (Recording, error) {
	return j.rooms.startRecording(roomID, j.clock.Now())
}

func (j *Jitsi) StopRecording(_ context.Context, rec Recording) (string, error) {
	if err := j.rooms.stopRecording(rec); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%s/recordings/%s/%s.mp4", j.domain, rec.RoomID, rec.ID), nil
}

func (j *Jitsi) CloseRoom(_ context.Context, roomID string) error {
	return j.rooms.close(roomID)
}
