// Command osmosisd boots one Osmosis replica: it loads persisted state,
// opens the configured transport, and keeps the replica's Store synced
// with whatever peers that transport can reach until the process is
// signaled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ar-nelson/osmosis/config"
	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/persistence"
	"github.com/ar-nelson/osmosis/store"
	"github.com/ar-nelson/osmosis/sync"
	"github.com/ar-nelson/osmosis/transport"
)

func main() {
	cfg := config.ParseFlags()

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "osmosisd: building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("osmosisd exiting", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening persistence backend: %w", err)
	}
	defer backend.Close()

	st, err := store.Open(ctx, backend, logger, cfg.MinHistory, cfg.MaxHistory)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	logger.Info("replica loaded", zap.String("uuid", st.Uuid().String()), zap.Int("ops", len(st.Ops())))

	self := st.Uuid()
	tp, err := openTransport(ctx, cfg, self)
	if err != nil {
		return fmt.Errorf("opening transport: %w", err)
	}
	defer tp.Close()

	mgr := sync.NewManager(st, tp, logger, sync.Timeouts{
		Summary:            cfg.SummaryTimeout,
		AppliedOps:         cfg.AppliedOpsTimeout,
		Echo:               cfg.EchoTimeout,
		LiveUpdateBackoff:  cfg.LiveUpdateBackoff,
		LiveUpdateMaxRetry: cfg.LiveUpdateMaxRetry,
	})
	defer mgr.Close()

	logger.Info("osmosisd ready",
		zap.String("persistence", cfg.PersistenceBackend),
		zap.String("transport", cfg.TransportBackend))

	<-ctx.Done()
	logger.Info("osmosisd shutting down")
	return nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (persistence.Backend, error) {
	switch cfg.PersistenceBackend {
	case "memory":
		return persistence.NewMemory(), nil
	case "file":
		return persistence.NewFile(cfg.DataDir)
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connecting to mongo: %w", err)
		}
		return persistence.NewMongo(ctx, client, cfg.MongoDatabase, logger)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.PersistenceBackend)
	}
}

func openTransport(ctx context.Context, cfg config.Config, self ids.Uuid) (transport.Transport, error) {
	switch cfg.TransportBackend {
	case "memory":
		return transport.NewMemoryTransport(self), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return transport.NewRedisTransport(ctx, client, self)
	default:
		return nil, fmt.Errorf("unknown transport backend %q", cfg.TransportBackend)
	}
}
