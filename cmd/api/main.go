package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"sealed-relay/config"
	"sealed-relay/internal/handler"
	"sealed-relay/internal/metrics"
	"sealed-relay/internal/middleware"
	relayredis "sealed-relay/internal/redis"
	"sealed-relay/internal/repository"
	"sealed-relay/internal/repository/memory"
	"sealed-relay/internal/server"
	"sealed-relay/internal/services"
	"sealed-relay/internal/storage"
	"sealed-relay/pkg/database"
	"sealed-relay/pkg/logger"
)

type stores struct {
	keys          repository.KeyRepository
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	senderKeys    repository.SenderKeyRepository
	directory     interface {
		services.MembershipOracle
		services.UserDirectory
	}
	db *sql.DB
}

func openStores(ctx context.Context, cfg *config.Config, l *logger.Logger) (*stores, error) {
	if cfg.StorageDriver == "memory" {
		l.Infof("Using in-memory storage; data is lost on restart")
		dir := memory.NewDirectory()
		if cfg.MemorySeedFile == "" {
			l.Warnf("MEMORY_SEED_FILE is not set; the directory is empty and every user lookup will fail")
		} else {
			if err := seedDirectory(dir, cfg.MemorySeedFile, l); err != nil {
				return nil, err
			}
		}
		return &stores{
			keys:          memory.NewKeyRepository(),
			conversations: memory.NewConversationRepository(),
			messages:      memory.NewMessageRepository(),
			senderKeys:    memory.NewSenderKeyRepository(),
			directory:     dir,
		}, nil
	}

	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &stores{
		keys:          repository.NewKeyRepository(db),
		conversations: repository.NewConversationRepository(db),
		messages:      repository.NewMessageRepository(db),
		senderKeys:    repository.NewSenderKeyRepository(db),
		directory:     repository.NewDirectoryRepository(db),
		db:            db,
	}, nil
}

func seedDirectory(dir *memory.Directory, path string, l *logger.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open memory seed: %w", err)
	}
	defer f.Close()
	seed, err := dir.LoadSeed(f)
	if err != nil {
		return err
	}
	l.Infof("Seeded in-memory directory with %d users and %d channels", len(seed.Users), len(seed.Channels))
	return nil
}

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	metrics.MustRegister()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg, l)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	if st.db != nil {
		defer st.db.Close()
	}

	// Redis is optional; the gateway works single-instance without it.
	var (
		presence      server.PresenceRecorder
		msgLimiter    server.MessageLimiter
		bundleLimiter middleware.BundleLimiter
	)
	if cfg.RedisEnabled {
		client, err := relayredis.Connect(ctx, relayredis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			l.Warnf("Redis unavailable, continuing without presence and shared rate limits: %v", err)
		} else {
			defer client.Close()
			presence = relayredis.NewPresenceStore(client, relayredis.NewPublisher(client), 2*time.Minute)
			limits := relayredis.DefaultRateLimitConfig()
			limits.MessageLimit = cfg.MessageRateLimit
			limits.BundleLimit = cfg.BundleRateLimit
			limiter := relayredis.NewRateLimiter(client, limits)
			msgLimiter = limiter
			bundleLimiter = limiter
		}
	}

	var presigner services.Presigner
	if cfg.S3Enabled() {
		s3Client, err := storage.NewClient(ctx, storage.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Endpoint:   cfg.S3Endpoint,
			PresignTTL: cfg.S3PresignTTL,
		})
		if err != nil {
			log.Fatalf("Failed to configure object storage: %v", err)
		}
		presigner = s3Client
	}

	deriver, err := services.NewIDDeriver(cfg.ConversationSecrets)
	if err != nil {
		log.Fatalf("Invalid conversation secrets: %v", err)
	}

	keyCfg := services.DefaultKeyRegistryConfig()
	keyCfg.SignedKeyTTL = time.Duration(cfg.SignedKeyTTLDays) * 24 * time.Hour
	keyCfg.UsedKeyRetention = time.Duration(cfg.UsedKeyRetentionDays) * 24 * time.Hour
	keyCfg.MaxOneTimeKeys = cfg.MaxOneTimeKeys

	policy := services.StatusForwardOnly
	if cfg.AllowStatusRegression {
		policy = services.StatusAllowRegression
	}

	authService := services.NewAuthService(cfg)
	keyRegistry := services.NewKeyRegistry(st.keys, keyCfg)
	conversations := services.NewConversationIdentity(deriver, st.conversations, st.directory)
	envelopes := services.NewEnvelopeStore(st.messages, conversations, st.directory, keyRegistry, policy)
	senderKeys := services.NewSenderKeyDistributor(st.senderKeys, st.directory, keyRegistry)
	attachments := services.NewAttachmentService(presigner)

	gateway := server.NewGateway(server.GatewayDeps{
		Verifier:      authService,
		Devices:       keyRegistry,
		Conversations: conversations,
		Envelopes:     envelopes,
		Membership:    st.directory,
		Presence:      presence,
		Limiter:       msgLimiter,
	}, server.GatewayConfig{
		AuthTimeout: cfg.WSAuthTimeout,
	})

	sweeper := services.NewKeySweeper(keyRegistry, cfg.KeySweepInterval)
	go sweeper.Run(ctx)

	srv := server.New(cfg, l)
	srv.OnShutdown(cancel)
	srv.OnShutdown(gateway.Hub().Stop)

	var health server.HealthCheck
	if st.db != nil {
		health = st.db.PingContext
	}

	srv.SetupRoutes(&server.Handlers{
		Keys:          handler.NewKeyHandler(keyRegistry),
		SenderKeys:    handler.NewSenderKeyHandler(senderKeys),
		Conversations: handler.NewConversationHandler(conversations, envelopes, st.directory),
		Messages:      handler.NewMessageHandler(envelopes),
		Attachments:   handler.NewAttachmentHandler(attachments),
		WebSocket:     server.NewWebSocketHandler(gateway),
	}, authService, bundleLimiter, health)

	if err := srv.Start(); err != nil {
		log.Fatalf("Server stopped with error: %v", err)
	}
}
