package main

import (
	"context"
	"log"

	"ai-voice-relay/internal/bootstrap"
	"ai-voice-relay/internal/config"
	"ai-voice-relay/internal/server"
	"ai-voice-relay/internal/tracer"
)

func main() {
	// 0. Initialize Tracer (no-op unless OTEL_ENABLED=true)
	shutdownTracer := tracer.InitTracer()
	defer shutdownTracer(context.Background())

	// 1. Load Configuration
	cfg := config.Load()

	// 2. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(cfg)

	// 3. Start Background Loops
	ctx := context.Background()

	go container.WebSocketHub.Run()
	go container.Connector.Run(ctx)
	go container.Registry.RunSweeper(ctx)

	if err := container.RelayService.RunDispatcher(ctx); err != nil {
		log.Fatalf("Failed to start upstream dispatcher: %v", err)
	}

	// 4. Initialize Server
	srv := server.New(cfg, container)

	// 5. Run Server
	log.Fatal(srv.Run())
}
