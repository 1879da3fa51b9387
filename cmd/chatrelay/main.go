package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/goevery/chatrelay/internal/auth"
	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/handler"
	"github.com/goevery/chatrelay/internal/persistence"
	"github.com/goevery/chatrelay/internal/persistence/memory"
	"github.com/goevery/chatrelay/internal/persistence/mongodb"
	"github.com/goevery/chatrelay/internal/persistence/redisstore"
	"github.com/goevery/chatrelay/internal/server"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	logger          *zap.Logger
	settings        Settings
	websocketServer *server.WebSocketServer
	restServer      *server.RESTServer
}

func NewApp(
	logger *zap.Logger,
	settings Settings,
	engine persistence.Engine,
	presenceStore broadcaster.PresenceStore,
) *App {
	originChecker := server.NewOriginChecker(logger, settings.AllowedOrigins)
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	authenticator := auth.NewAuthenticator(settings.JWTSecret, settings.TokenTTL())

	registry := broadcaster.NewInMemoryRegistry(logger)
	broadcastRouter := broadcaster.NewRouter(logger, registry)
	presenceCoordinator := broadcaster.NewPresenceCoordinator(logger, registry, presenceStore, broadcastRouter)

	heartbeatHandler := handler.NewHeartbeatHandler()
	authHandler := handler.NewAuthHandler(authenticator)
	sendMessageHandler := handler.NewSendMessageHandler(logger, engine, broadcastRouter)
	typingHandler := handler.NewTypingHandler(broadcastRouter)
	accountHandler := handler.NewAccountHandler(logger, handler.NewUsernameValidator(), engine, authenticator)
	historyHandler := handler.NewHistoryHandler(engine)
	rosterHandler := handler.NewRosterHandler(presenceCoordinator)

	router := server.NewRouter(
		logger,
		heartbeatHandler,
		authHandler,
		sendMessageHandler,
		typingHandler,
	)

	websocketServer := server.NewWebSocketServer(
		logger,
		websocketUpgrader,
		authHandler,
		typingHandler,
		router,
		registry,
		presenceCoordinator,
		engine,
		server.SessionOptions{
			HistoryLimit: settings.HistoryLimit,
			Connection: broadcaster.ConnectionOptions{
				SendBufferSize: settings.SendBufferSize,
				TypingTimeout:  settings.TypingTimeout(),
				MessageRate:    settings.MessageLimit(),
				MessageBurst:   settings.MessageBurst,
			},
		},
	)
	restServer := server.NewRESTServer(
		logger,
		accountHandler,
		historyHandler,
		rosterHandler,
	)

	return &App{
		logger,
		settings,
		websocketServer,
		restServer,
	}
}

func (a *App) run(ctx context.Context) error {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	router := mux.NewRouter()
	if a.settings.BasePath != "" {
		router = router.PathPrefix(a.settings.BasePath).Subrouter()
	}

	a.websocketServer.Register(router)
	a.restServer.Register(router)

	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}

	group, groupCtx := errgroup.WithContext(notifyCtx)

	group.Go(func() error {
		a.logger.Info("starting http server",
			zap.String("address", address))

		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start http server: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		a.logger.Info("stopping http server")

		shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCtxCancel()

		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}

		// Hijacked websocket connections are not tracked by Shutdown.
		err = a.websocketServer.Shutdown(shutdownCtx)
		if err != nil {
			a.logger.Warn("sessions did not settle before shutdown deadline", zap.Error(err))
		}

		a.logger.Info("http server stopped")

		return nil
	})

	return group.Wait()
}

func setupPersistence(ctx context.Context, logger *zap.Logger, settings Settings) (persistence.Engine, broadcaster.PresenceStore, func(), error) {
	var engine persistence.Engine
	var closers []func()

	closeAll := func() {
		for _, closer := range closers {
			closer()
		}
	}

	switch settings.PersistenceEngine {
	case "memory":
		engine = memory.NewEngine()
	case "mongodb":
		client, err := mongo.Connect(options.Client().ApplyURI(settings.MongoURI))
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		closers = append(closers, func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := client.Disconnect(disconnectCtx); err != nil {
				logger.Warn("failed to disconnect from mongodb", zap.Error(err))
			}
		})

		engine = mongodb.NewPersistenceEngine(client, settings.MongoDatabase)
	default:
		return nil, nil, closeAll, fmt.Errorf("unknown persistence engine: %s", settings.PersistenceEngine)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := engine.Setup(setupCtx); err != nil {
		return nil, nil, closeAll, fmt.Errorf("failed to setup persistence engine: %w", err)
	}

	var presenceStore broadcaster.PresenceStore = engine

	switch settings.PresenceStore {
	case "persistence":
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		})
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close redis client", zap.Error(err))
			}
		})

		if err := client.Ping(setupCtx).Err(); err != nil {
			return nil, nil, closeAll, fmt.Errorf("failed to connect to redis: %w", err)
		}

		redisPresence := redisstore.NewPresenceStore(client)
		if err := redisPresence.Setup(setupCtx); err != nil {
			return nil, nil, closeAll, fmt.Errorf("failed to setup redis presence store: %w", err)
		}

		presenceStore = redisPresence
	default:
		return nil, nil, closeAll, fmt.Errorf("unknown presence store: %s", settings.PresenceStore)
	}

	logger.Info("persistence ready",
		zap.String("engine", settings.PersistenceEngine),
		zap.String("presenceStore", settings.PresenceStore))

	return engine, presenceStore, closeAll, nil
}

func main() {
	ctx := context.Background()

	bootstrapLogger, _ := zap.NewDevelopment()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		bootstrapLogger.Fatal("failed to parse settings from environment", zap.Error(err))
	}

	err = settings.Validate()
	if err != nil {
		bootstrapLogger.Fatal("invalid settings", zap.Error(err))
	}

	logger, err := buildZapLogger(settings.LogEncoding)
	if err != nil {
		bootstrapLogger.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	engine, presenceStore, closePersistence, err := setupPersistence(ctx, logger, settings)
	defer closePersistence()
	if err != nil {
		logger.Fatal("failed to setup", zap.Error(err))
	}

	app := NewApp(logger, settings, engine, presenceStore)

	err = app.run(ctx)
	if err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
