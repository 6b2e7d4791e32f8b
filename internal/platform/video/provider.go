// Package video abstracts the media vendor behind a capability interface.
// The session engine only tracks session state; rooms, join tokens and
// recordings are provisioned through a Provider.
package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/telehealth/internal/platform/clock"
)

var (
	ErrRoomNotFound     = errors.New("video room not found")
	ErrRoomClosed       = errors.New("video room closed")
	ErrRecordingUnknown = errors.New("recording not found")
)

// QualityProfile is the vendor's default media configuration.
type QualityProfile struct {
	Resolution      string `json:"resolution"`
	FrameRate       int    `json:"frame_rate"`
	MaxBitrateKbps  int    `json:"max_bitrate_kbps"`
	AdaptiveBitrate bool   `json:"adaptive_bitrate"`
}

type RoomOptions struct {
	Name            string
	MaxParticipants int
	Recording       bool
}

type Room struct {
	RoomID   string
	Provider string
	JoinURL  string
	Quality  QualityProfile
}

// Recording identifies a recording in progress at the vendor.
type Recording struct {
	ID        string
	RoomID    string
	StartedAt time.Time
}

type Provider interface {
	Name() string
	DefaultQuality() QualityProfile
	CreateRoom(ctx context.Context, opts RoomOptions) (Room, error)
	// IssueToken returns the vendor join credential for identity.
	IssueToken(ctx context.Context, roomID, identity string, ttl time.Duration) (string, error)
	StartRecording(ctx context.Context, roomID string) (Recording, error)
	// StopRecording returns the playback reference.
	StopRecording(ctx context.Context, rec Recording) (string, error)
	CloseRoom(ctx context.Context, roomID string) error
}

const (
	ProviderLocal  = "local"
	ProviderTwilio = "twilio"
	ProviderJitsi  = "jitsi"
)

type Config struct {
	Provider string

	TwilioAccountSID   string
	TwilioAPIKeySID    string
	TwilioAPIKeySecret string

	JitsiDomain    string
	JitsiAppID     string
	JitsiAppSecret string
}

// New builds the Provider selected by cfg.Provider.
func New(cfg Config, clk clock.Clock) (Provider, error) {
	switch cfg.Provider {
	case "", ProviderLocal:
		return NewLocal(clk), nil
	case ProviderTwilio:
		return NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAPIKeySID, cfg.TwilioAPIKeySecret, clk)
	case ProviderJitsi:
		return NewJitsi(cfg.JitsiDomain, cfg.JitsiAppID, cfg.JitsiAppSecret, clk)
	default:
		return nil, fmt.Errorf("unknown video provider %q", cfg.Provider)
	}
}
