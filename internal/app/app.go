// Package app wires the telehealth services from configuration: storage
// backend, event publishing, notification delivery, the video vendor and the
// background sweeps.
package app

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/config"
	"github.com/ehr/telehealth/internal/domain/telehealth"
	"github.com/ehr/telehealth/internal/domain/videosession"
	"github.com/ehr/telehealth/internal/domain/waitingroom"
	"github.com/ehr/telehealth/internal/platform/clock"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/events"
	"github.com/ehr/telehealth/internal/platform/notification"
	"github.com/ehr/telehealth/internal/platform/scheduling"
	"github.com/ehr/telehealth/internal/platform/telemetry"
	"github.com/ehr/telehealth/internal/platform/video"
	"github.com/ehr/telehealth/internal/platform/websocket"
)

// App holds every long-lived component of a running server.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Clock  clock.Clock

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Events        events.Publisher
	Hub           *websocket.Hub
	Notifications *notification.Manager
	Video         video.Provider
	Telemetry     *telemetry.Provider

	Telehealth  *telehealth.Service
	WaitingRoom *waitingroom.Service
	Sessions    *videosession.Service

	Scheduler *scheduling.Scheduler

	closers []func() error
}

type Option func(*options)

type options struct {
	clock clock.Clock
	pool  *pgxpool.Pool
}

// WithClock replaces the system clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithPool reuses an existing pool instead of connecting to DATABASE_URL.
func WithPool(pool *pgxpool.Pool) Option {
	return func(o *options) { o.pool = pool }
}

// waitingRoomAdapter lets the visit service place checked-in patients
// without depending on the queue's entry type.
type waitingRoomAdapter struct {
	svc *waitingroom.Service
}

func (a waitingRoomAdapter) Enter(ctx context.Context, visitID, patientID, providerID string) error {
	_, err := a.svc.EnterWaitingRoom(ctx, visitID, patientID, providerID)
	return err
}

func (a waitingRoomAdapter) Withdraw(ctx context.Context, visitID string) error {
	return a.svc.Withdraw(ctx, visitID)
}

func (a waitingRoomAdapter) InQueue(ctx context.Context, visitID string) (bool, error) {
	e, err := a.svc.GetEntry(ctx, visitID)
	if errors.Is(err, waitingroom.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Status == waitingroom.StatusWaiting || e.Status == waitingroom.StatusCalled, nil
}

func (a waitingRoomAdapter) RecordVisitDuration(ctx context.Context, providerID string, minutes int) error {
	return a.svc.RecordVisitDuration(ctx, providerID, minutes)
}

// New builds the application. Close must be called to release connections.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger, Clock: o.clock}
	if err := a.build(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg, logger := a.Config, a.Logger

	// Events: Kafka when brokers are configured, otherwise the log. Connected
	// websocket clients see every event either way.
	var base events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		base = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to kafka")
	}
	a.closers = append(a.closers, base.Close)
	a.Hub = websocket.NewHub(logger)
	a.Telemetry = telemetry.New(telemetry.Config{
		ServiceName:    "telehealth-server",
		ServiceVersion: Version,
		Environment:    cfg.Env,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
	})
	a.Telemetry.RegisterGauge("websocket_clients", "Connected websocket clients.", func() int64 {
		return int64(a.Hub.ClientCount())
	})
	a.Events = events.Fanout{base, a.Hub, a.Telemetry}

	a.Notifications = notification.NewManager(notification.NewTemplateEngine(), a.Clock, logger,
		notification.NewHubChannel(a.Hub), notification.NewEventChannel(base))

	vendor, err := video.New(video.Config{
		Provider:           cfg.VideoProvider,
		TwilioAccountSID:   cfg.TwilioAccountSID,
		TwilioAPIKeySID:    cfg.TwilioAPIKeySID,
		TwilioAPIKeySecret: cfg.TwilioAPIKeySecret,
		JitsiDomain:        cfg.JitsiDomain,
		JitsiAppID:         cfg.JitsiAppID,
		JitsiAppSecret:     cfg.JitsiAppSecret,
	}, a.Clock)
	if err != nil {
		return fmt.Errorf("video provider: %w", err)
	}
	a.Video = vendor

	var tokens videosession.TokenStore = videosession.NewMemoryTokenStore(a.Clock)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(redisOpts)
		a.closers = append(a.closers, a.Redis.Close)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		tokens = videosession.NewRedisTokenStore(a.Redis, a.Clock)
		logger.Info().Msg("session tokens stored in redis")
	}

	var (
		tx       db.Transactor
		visits   telehealth.VisitRepository
		consents telehealth.ConsentRepository
		avail    telehealth.AvailabilityRepository
		entries  waitingroom.EntryRepository
		queues   waitingroom.QueueRepository
		stores   = videosession.Stores{Tokens: tokens}
	)
	switch cfg.Storage {
	case config.StorageMemory:
		tx = db.NewLocalTransactor()
		th := telehealth.NewMemoryStore()
		visits, consents, avail = th.Visits(), th.Consents(), th.Availability()
		wr := waitingroom.NewMemoryStore()
		entries, queues = wr, wr
		vs := videosession.NewMemoryStore()
		stores.Sessions, stores.Participants, stores.ScreenShares, stores.Chat = vs.Sessions(), vs.Participants(), vs.ScreenShares(), vs.Chat()
		logger.Warn().Msg("using in-memory storage; data is lost on restart")
	case config.StoragePostgres:
		pool := o.pool
		if pool == nil {
			pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { pool.Close(); return nil })
			logger.Info().Msg("connected to database")
		}
		a.Pool = pool
		a.Telemetry.RegisterGauge("db_pool_acquired_conns", "Connections currently in use.", func() int64 {
			return int64(pool.Stat().AcquiredConns())
		})
		a.Telemetry.RegisterGauge("db_pool_idle_conns", "Idle connections in the pool.", func() int64 {
			return int64(pool.Stat().IdleConns())
		})
		tx = db.NewPGTransactor(pool)
		visits, consents, avail = telehealth.NewVisitRepoPG(pool), telehealth.NewConsentRepoPG(pool), telehealth.NewAvailabilityRepoPG(pool)
		entries, queues = waitingroom.NewEntryRepoPG(pool), waitingroom.NewQueueRepoPG(pool)
		stores.Sessions = videosession.NewSessionRepoPG(pool)
		stores.Participants = videosession.NewParticipantRepoPG(pool)
		stores.ScreenShares = videosession.NewScreenShareRepoPG(pool)
		stores.Chat = videosession.NewChatRepoPG(pool)
	default:
		return fmt.Errorf("unknown storage %q", cfg.Storage)
	}

	a.WaitingRoom = waitingroom.NewService(entries, queues, tx, a.Clock, a.Events, a.Notifications, logger,
		waitingroom.Config{Timeout: cfg.WaitingRoomTimeout})
	a.Telehealth = telehealth.NewService(visits, consents, avail, waitingRoomAdapter{a.WaitingRoom}, tx, a.Clock,
		a.Events, a.Notifications, logger, telehealth.Config{
			MinLeadTime:      cfg.MinLeadTime,
			MaxAdvanceWindow: cfg.MaxAdvanceWindow,
			CheckInWindow:    cfg.CheckInWindow,
			NoShowGrace:      cfg.NoShowGrace,
		})
	secret, generated, err := resolveSessionSecret(cfg.SessionTokenSecret)
	if err != nil {
		return err
	}
	if generated {
		logger.Warn().Msg("SESSION_TOKEN_SECRET not set; join tokens will not survive a restart")
	}
	a.Sessions = videosession.NewService(stores, a.Telehealth, a.Video, tx, a.Clock, a.Events, logger,
		videosession.Config{TokenSecret: secret})

	a.Scheduler = scheduling.New(logger)
	return a.registerJobs()
}

// resolveSessionSecret returns the configured secret or, when it is empty, a
// random 32-byte key. Validate refuses an empty SESSION_TOKEN_SECRET outside
// development, so the random key only ever signs local tokens. The second
// return value is true when the key was generated.
func resolveSessionSecret(configured string) (string, bool, error) {
	if configured != "" {
		return configured, false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return "", false, fmt.Errorf("generate session token secret: %w", err)
	}
	return hex.EncodeToString(key), true, nil
}

// Close releases every connection in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
