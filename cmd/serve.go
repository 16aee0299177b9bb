package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dayuer/beacon-gateway/internal/bus"
	"github.com/dayuer/beacon-gateway/internal/cluster"
	"github.com/dayuer/beacon-gateway/internal/config"
	"github.com/dayuer/beacon-gateway/internal/confighub"
	"github.com/dayuer/beacon-gateway/internal/forward"
	"github.com/dayuer/beacon-gateway/internal/redis"
	"github.com/dayuer/beacon-gateway/internal/registry"
	"github.com/dayuer/beacon-gateway/internal/stream"
	"github.com/dayuer/beacon-gateway/internal/tracing"
	"github.com/dayuer/beacon-gateway/internal/transport"
)

var (
	servePort       int
	serveAPIKey     string
	serveBrainURL   string
	serveIDURL      string
	serveAwait      bool
	serveTimeoutMs  int
	serveInstanceID string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (HTTP API, SSE/WebSocket streams, MCP forwarding)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 3030, "HTTP port (or PORT env)")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "Bearer token for /api routes (or GATEWAY_API_KEY env)")
	serveCmd.Flags().StringVar(&serveBrainURL, "brain-url", "", "MCP endpoint of the brain agent (or CVM_BRAIN_URL env)")
	serveCmd.Flags().StringVar(&serveIDURL, "id-url", "", "MCP endpoint of the id agent (or CVM_ID_URL env)")
	serveCmd.Flags().BoolVar(&serveAwait, "await", false, "wait for the agent outcome before answering (or FORWARD_AWAIT env)")
	serveCmd.Flags().IntVar(&serveTimeoutMs, "forward-timeout-ms", 5000, "await-mode timeout (or FORWARD_TIMEOUT_MS env)")
	serveCmd.Flags().StringVar(&serveInstanceID, "instance-id", "", "instance id reported by /health (default random)")
}

// applyServeFlags overlays explicitly set flags onto cfg. Flags win over env
// and file values.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = servePort
	}
	if flags.Changed("api-key") {
		cfg.Server.APIKey = serveAPIKey
	}
	if flags.Changed("brain-url") {
		cfg.Agents.Brain.URL = serveBrainURL
	}
	if flags.Changed("id-url") {
		cfg.Agents.ID.URL = serveIDURL
	}
	if flags.Changed("await") {
		cfg.Forward.AwaitMode = serveAwait
	}
	if flags.Changed("forward-timeout-ms") {
		cfg.Forward.TimeoutMs = serveTimeoutMs
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

// buildRouter creates one MCP client per configured agent endpoint.
func buildRouter(cfg config.Config) *transport.Router {
	router := transport.NewRouter()
	endpoints := []struct {
		botType bus.BotType
		ep      config.AgentEndpoint
	}{
		{bus.BotTypeBrain, cfg.Agents.Brain},
		{bus.BotTypeID, cfg.Agents.ID},
	}
	for _, e := range endpoints {
		if e.ep.URL == "" {
			log.Printf("[Serve] ⚠️ No %s agent configured; %s messages will be rejected", e.botType, e.botType)
			continue
		}
		router.Handle(e.botType, transport.NewClient(transport.ClientConfig{
			Name:        string(e.botType),
			URL:         e.ep.URL,
			Kind:        e.ep.Transport,
			Headers:     e.ep.Headers,
			CallTimeout: e.ep.CallTimeout(),
		}))
	}
	return router
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Config: defaults < file < env < flags
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setLogLevel(cfg.LogLevel)

	instanceID := serveInstanceID
	if instanceID == "" {
		instanceID = "beacon-" + uuid.NewString()[:8]
	}
	returnAddr := cfg.Forward.ReturnAddress
	if returnAddr == "" {
		returnAddr = instanceID
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Println("🚀 Starting beacon gateway...")
	fmt.Printf("   Instance: %s\n", instanceID)
	fmt.Printf("   Return address: %s\n", returnAddr)

	// 2. Tracing
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		log.Printf("[Serve] ⚠️ Tracing disabled: %v", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTracing(flushCtx)
		}()
	}

	// 3. Message bus
	policy := bus.PolicyBroadcast
	if cfg.Bus.Exclusive {
		policy = bus.PolicyExclusive
	}
	msgBus := bus.NewMessageBus(bus.Config{
		Capacity: cfg.Bus.Capacity,
		Policy:   policy,
		IdleTTL:  cfg.IdleTTL(),
	})
	msgBus.Start(ctx)
	defer msgBus.Stop()
	fmt.Printf("   Bus: %d events/channel, %s\n", cfg.Bus.Capacity, policy)

	// 4. Adaptor directory, mirrored to Redis when reachable
	var regOpts []registry.Option
	rdb, err := redis.Connect(ctx, redis.Config{URL: cfg.Redis.URL, KeyPrefix: cfg.Redis.KeyPrefix})
	switch {
	case err == nil:
		defer rdb.Close()
		regOpts = append(regOpts, registry.WithMirror(rdb))
	case errors.Is(err, redis.ErrNotConfigured):
		fmt.Println("   📋 Adaptor directory in memory only (no Redis URL)")
	default:
		log.Printf("[Serve] ⚠️ Redis unavailable, adaptor directory in memory only: %v", err)
	}
	reg := registry.NewRegistry(regOpts...)
	reg.Restore(ctx)
	if cfg.AdaptorsFile != "" {
		specs, err := registry.LoadAdaptorSpecs(cfg.AdaptorsFile)
		if err != nil {
			log.Printf("[Serve] ⚠️ Could not load %s: %v", cfg.AdaptorsFile, err)
		} else if err := reg.Seed(ctx, specs); err != nil {
			log.Printf("[Serve] ⚠️ Seeding adaptors: %v", err)
		}
	}

	// 5. Runtime forward settings
	hub := confighub.New(confighub.ForwardConfig{
		TimeoutMs: cfg.Forward.TimeoutMs,
		AwaitMode: cfg.Forward.AwaitMode,
	})
	trackForwardMode(hub, func(mode string) {
		log.Printf("[Serve] 🔄 Forward mode → %s", mode)
	})
	if path := cfg.Forward.SettingsFile; path != "" {
		if err := hub.Watch(ctx, path); err != nil {
			log.Printf("[Serve] ⚠️ Not watching %s: %v", path, err)
		}
	}

	// 6. Agent transport + forward coordinator
	router := buildRouter(cfg)
	router.Connect(ctx)
	defer router.Close()

	coord := forward.NewCoordinator(forward.Config{
		Transport:     router,
		Settings:      hub,
		ReturnAddress: returnAddr,
		Publisher:     msgBus,
		SurfaceLate:   cfg.Forward.SurfaceLate,
		PendingTTL:    cfg.PendingTTL(),
	})
	coord.Start(ctx)
	defer coord.Close()

	returnSrv := transport.NewReturnServer(msgBus, coord)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		returnSrv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("   Forward: %s, agents %v\n", forwardMode(*hub.Current()), router.Routes())

	// 7. HTTP server (blocks until signal)
	srv := cluster.NewServer(cluster.ServerConfig{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		APIKey:        cfg.Server.APIKey,
		InstanceID:    instanceID,
		Bus:           msgBus,
		Forwarder:     coord,
		Registry:      reg,
		ConfigHub:     hub,
		ReturnHandler: returnSrv.Handler(),
		Stream: stream.Options{
			QueueSize: cfg.Stream.QueueSize,
			Heartbeat: cfg.Heartbeat(),
		},
		RateLimitPerSecond: cfg.Server.RateLimitPerSecond,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
	})
	fmt.Println("────────────────────────────────────────")

	err = srv.Start(ctx)
	fmt.Println("\n🛑 Shutting down...")
	return err
}

func forwardMode(cfg confighub.ForwardConfig) string {
	if cfg.AwaitMode {
		return fmt.Sprintf("await (%dms)", cfg.TimeoutMs)
	}
	return "fire-and-forget"
}

// trackForwardMode calls report whenever a settings change alters the
// forward mode as printed at startup.
func trackForwardMode(hub *confighub.ConfigHub, report func(mode string)) {
	var mu sync.Mutex
	last := forwardMode(*hub.Current())
	hub.OnChange(func(cfg *confighub.ForwardConfig) {
		mode := forwardMode(*cfg)
		mu.Lock()
		changed := mode != last
		last = mode
		mu.Unlock()
		if changed {
			report(mode)
		}
	})
}
