package app

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/reverie/internal/eventlog"
	"github.com/lukasbauer/reverie/internal/httpapi"
	"github.com/lukasbauer/reverie/internal/store"
)

type App struct {
	cfg        Config
	logger     *log.Logger
	db         *pgxpool.Pool
	store      *store.Store
	eventLog   *eventlog.Logger
	httpClient *http.Client // Shared HTTP client with connection pooling for TTS
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := store.New(db)
	el := eventlog.New(db)

	// Migrations are applied externally by the CI deploy job (docker exec psql).
	// No automatic migration runner at startup.

	// Shared HTTP client with connection pooling for TTS.
	// Keeps TCP connections alive so sentence-level synthesis calls to
	// ElevenLabs do not pay a handshake per sentence.
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10, // ElevenLabs is single host
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		store:      s,
		eventLog:   el,
		httpClient: httpClient,
	}, nil
}

func (a *App) Router(sessions *httpapi.SessionRegistry) http.Handler {
	routerCfg := httpapi.RouterConfig{
		OpenAIAPIKey:          a.cfg.OpenAIAPIKey,
		OpenAIRealtimeURL:     a.cfg.OpenAIRealtimeURL,
		OpenAITranscribeModel: a.cfg.OpenAITranscribeModel,
		ElevenLabsAPIKey:      a.cfg.ElevenLabsAPIKey,
		TTSModelID:            a.cfg.TTSModelID,
		TTSSpeed:              a.cfg.TTSSpeed,
		TTSStability:          a.cfg.TTSStability,
		TTSSimilarity:         a.cfg.TTSSimilarity,
		TTSHTTPClient:         a.httpClient,
		VADSilenceMs:          a.cfg.VADSilenceMs,
		VADThreshold:          a.cfg.VADThreshold,
		MaxUtteranceMs:        a.cfg.MaxUtteranceMs,
		AudioQueueSize:        a.cfg.AudioQueueSize,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.store, a.eventLog, sessions)
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
