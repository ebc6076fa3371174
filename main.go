// main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	flag "github.com/spf13/pflag"

	"proximeet/app/controllers"
	"proximeet/app/middlewares"
	"proximeet/app/notify"
	"proximeet/app/routes"
	"proximeet/app/services"
	"proximeet/app/store"
	"proximeet/app/store/memory"
	"proximeet/config"
	"proximeet/database"
	"proximeet/database/sqlite"
	"proximeet/redis"
)

// backends are the stores and bridge chosen by configuration.
type backends struct {
	presence      store.PresenceStore
	relationships store.RelationshipStore
	messages      store.MessageStore
	bridge        notify.Bridge
	identity      services.IdentityDirectory
	health        map[string]routes.HealthCheck
	closers       []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func main() {
	envFile := flag.String("env-file", ".env", "path to a dotenv file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("🔌 Initializing backends...")
	b, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize backends: %v", err)
	}
	defer b.close()
	fmt.Println("✅ Backends initialized successfully")

	presence := services.NewPresenceService(b.presence, b.bridge, cfg.PresenceActiveTTL, cfg.PresenceOffTTL)
	heartbeats := services.NewHeartbeatService(presence, cfg.HeartbeatInterval)
	presence.SetHeartbeats(heartbeats)
	discovery := services.NewDiscoveryService(b.presence, b.identity, cfg.DiscoveryLimit)
	relationships := services.NewRelationshipService(b.relationships, b.bridge)
	channel := services.NewChannelService(b.relationships, b.messages, b.bridge, cfg.HistoryLimit)

	fmt.Println("🔧 Initializing socket service...")
	socketService := services.NewSocketService(cfg.JWTSecret, channel, heartbeats, services.SessionDeps{
		Presence:      presence,
		Discovery:     discovery,
		Relationships: relationships,
		Bridge:        b.bridge,
	})
	socketHandler := config.NewSocketHandler(socketService)
	fmt.Println("✅ Socket.IO handler initialized")

	app := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		StrictRouting: true,
		ServerHeader:  "Fiber",
		AppName:       config.AppName,
		ErrorHandler:  middlewares.ErrorHandler,
	})

	// Socket.IO routes go before the regular routes.
	socketHandler.SetupSocketRoutes(app)

	routes.SetupRoutes(app, routes.Handlers{
		Presence:      controllers.NewPresenceController(presence, discovery),
		Relationships: controllers.NewRelationshipController(relationships, b.identity),
		Channel:       controllers.NewChannelController(channel),
		JWTSecret:     cfg.JWTSecret,
		Health:        b.health,
	})

	go func() {
		<-ctx.Done()
		fmt.Println("🛑 Shutting down...")
		heartbeats.Shutdown()
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Server shutdown error: %v", err)
		}
	}()

	port := cfg.ServerPort
	fmt.Printf("🚀 Server starting on port :%d\n", port)
	fmt.Printf("🔌 Socket.IO server available at :%d/socket.io\n", port)
	fmt.Printf("🗄️ Store: %s, presence: %s, bridge: %s, identity: %s\n",
		cfg.StoreDriver, cfg.PresenceDriver, cfg.BridgeDriver, cfg.IdentityDriver)

	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
		log.Printf("❌ Server stopped: %v", err)
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{health: map[string]routes.HealthCheck{}}

	var redisService *redis.Service
	if cfg.NeedsRedis() {
		redisService = redis.NewService(cfg.Redis)
		if err := redisService.Ping(ctx); err != nil {
			_ = redisService.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = redisService.Close() })
		b.health["redis"] = redisService.Ping
	}

	var (
		mem      *memory.Store
		sqliteDB *sqlite.Store
	)
	memoryStore := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	sqliteStore := func() (*sqlite.Store, error) {
		if sqliteDB != nil {
			return sqliteDB, nil
		}
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqliteDB = s
		b.closers = append(b.closers, func() { _ = s.Close() })
		b.health["sqlite"] = s.Ping
		return s, nil
	}

	switch cfg.StoreDriver {
	case config.DriverCassandra:
		session, err := database.InitCassandra(cfg.Cassandra)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, session.Close)
		b.health["cassandra"] = func(ctx context.Context) error { return database.HealthCheck(ctx, session) }
		cs := database.NewCassandraStore(session, redisService)
		b.relationships, b.messages = cs, cs
	case config.DriverSQLite:
		s, err := sqliteStore()
		if err != nil {
			b.close()
			return nil, err
		}
		b.relationships, b.messages = s, s
	default:
		s := memoryStore()
		b.relationships, b.messages = s, s
	}

	switch cfg.PresenceDriver {
	case config.DriverRedis:
		b.presence = redis.NewPresenceStore(redisService)
	case config.DriverSQLite:
		s, err := sqliteStore()
		if err != nil {
			b.close()
			return nil, err
		}
		b.presence = s
	default:
		b.presence = memoryStore()
	}

	switch cfg.BridgeDriver {
	case config.DriverRedis:
		b.bridge = redis.NewBridge(redisService)
	default:
		b.bridge = notify.NewMemoryBridge()
	}

	switch cfg.IdentityDriver {
	case config.DriverMongo:
		client, err := database.InitMongo(ctx, cfg.MongoURI)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Disconnect(context.Background()) })
		b.health["mongo"] = func(ctx context.Context) error { return database.MongoHealthCheck(ctx, client) }
		b.identity = services.NewMongoDirectory(client.Database(cfg.MongoDatabase).Collection(database.UsersCollection))
	default:
		b.identity = services.NewMemoryDirectory(nil)
	}

	return b, nil
}
