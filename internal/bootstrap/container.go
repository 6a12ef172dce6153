package bootstrap

import (
	"context"
	"log"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"ai-voice-relay/internal/cache"
	"ai-voice-relay/internal/config"
	"ai-voice-relay/internal/dedup"
	"ai-voice-relay/internal/pkg/logger"
	"ai-voice-relay/internal/relay"
	"ai-voice-relay/internal/session"
	"ai-voice-relay/internal/synthesis"
	"ai-voice-relay/internal/upstream"
	"ai-voice-relay/internal/websocket"
)

type Container struct {
	RelayService *relay.Service
	WebSocketHub *websocket.Hub
	Connector    *upstream.Connector
	Registry     *session.Registry
	CacheTier    *cache.Tier
	Logger       logger.ILogger
}

func NewContainer(cfg *config.Config) *Container {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")

	// Missing synthesis credentials is startup-fatal; everything else degrades.
	if cfg.Synthesis.APIKey == "" {
		log.Fatalf("[FATAL] SYNTH_API_KEY is required")
	}

	// 2. Cache store
	store, err := cache.NewRedisStoreFromURL(context.Background(), cfg.Cache.RedisURL)
	if err != nil {
		log.Printf("[WARN] Cache store unreachable, running on fallback behavior: %v", err)
	}
	tier := cache.NewTier(store, sysLogger)

	// 3. Event pipe (upstream connector -> dispatcher)
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{},
		watermillLogger,
	)

	// 4. Upstream link
	connector := upstream.NewConnector(cfg.Upstream.URL, pubSub, sysLogger)

	// 5. Sessions & routing
	registry := session.NewRegistry(tier, sysLogger)
	router := relay.NewRouter(registry, sysLogger)

	// 6. Synthesis engine
	var engineOpts []synthesis.Option
	if cfg.Synthesis.Endpoint != "" {
		engineOpts = append(engineOpts, synthesis.WithBaseURL(cfg.Synthesis.Endpoint))
	}
	engine := synthesis.NewClient(cfg.Synthesis.Region, cfg.Synthesis.APIKey, engineOpts...)
	bridge := synthesis.NewBridge(engine, tier, cfg.Synthesis.MaxConcurrent, sysLogger)

	// 7. WebSocket Hub (isolated log file keeps the delivery path out of the main log)
	wsLogger := logger.NewIsolatedLogger("logs/relay-ws.log")
	hub := websocket.NewHub(wsLogger)

	// 8. Relay core
	relayService := relay.NewService(
		registry,
		router,
		connector,
		tier,
		dedup.NewChecker(tier),
		bridge,
		hub,
		pubSub,
		cfg.Synthesis.VoiceID,
		cfg.App.FallbackGreeting,
		sysLogger,
	)

	return &Container{
		RelayService: relayService,
		WebSocketHub: hub,
		Connector:    connector,
		Registry:     registry,
		CacheTier:    tier,
		Logger:       sysLogger,
	}
}
