package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caesar-terminal/depthscope/internal/adapter"
	"github.com/caesar-terminal/depthscope/internal/adapter/coinbase"
	"github.com/caesar-terminal/depthscope/internal/book"
	"github.com/caesar-terminal/depthscope/internal/config"
	"github.com/caesar-terminal/depthscope/internal/ingest"
	"github.com/caesar-terminal/depthscope/internal/server"
	"github.com/caesar-terminal/depthscope/internal/sink"
)

// errFeedEnded is returned when the exchange session stops on its own.
// The process exits non-zero so the supervisor restarts it.
var errFeedEnded = errors.New("feed ended")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("depthscope starting",
		zap.String("env", cfg.Env),
		zap.String("product", cfg.Feed.ProductID),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("depthscope stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("depthscope shut down")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	b := book.New(book.Config{
		HistoryCapacity: cfg.Book.HistoryCapacity,
		ImbalanceLevels: cfg.Book.ImbalanceLevels,
	})

	breaker := adapter.NewCircuitBreaker(adapter.CircuitBreakerConfig{
		StaleThreshold: cfg.Health.StaleThreshold(),
		CoolOff:        cfg.Health.CoolOff(),
	})
	handler := ingest.NewBookHandler(b, breaker, logger)

	ws := adapter.DefaultWSConfig(cfg.Feed.URL)
	ws.ReadBufferSize = cfg.Feed.ReadBufferSize
	ws.WriteBufferSize = cfg.Feed.WriteBufferSize
	ws.HandshakeTimeout = cfg.Feed.HandshakeTimeout()
	feed := coinbase.New(coinbase.Config{
		ProductID: cfg.Feed.ProductID,
		Channel:   cfg.Feed.Channel,
		WS:        ws,
	}, handler, logger)
	breaker.Watch(feed)

	sampler := sink.NewSampler(b, cfg.Feed.ProductID, cfg.Sampler.Interval(), logger)
	bc := sink.NewBroadcaster(logger)
	bc.Register(sampler)

	var redisWriter *sink.RedisWriter
	if cfg.Redis.Enabled {
		client := sink.NewGoRedisClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		redisWriter = sink.NewRedisWriter(client, bc.Subscribe(), cfg.Redis.KeyPrefix, logger)
	}

	var kafkaWriter *sink.KafkaWriter
	if cfg.Kafka.Enabled {
		producer := sink.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()
		kafkaWriter = sink.NewKafkaWriter(producer, bc.Subscribe(), logger)
	}

	srv := server.New(cfg.HTTP.Addr, server.Deps{
		Product: cfg.Feed.ProductID,
		Book:    b,
		Health:  breaker,
		Feed:    feed,
		Stats:   handler,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	if err := feed.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		select {
		case <-feed.Done():
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: state=%s: %v", errFeedEnded, feed.State(), feed.Err())
		case <-gctx.Done():
			feed.Stop()
			<-feed.Done()
			return nil
		}
	})

	g.Go(func() error {
		sampler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		bc.Run(gctx)
		return nil
	})
	if redisWriter != nil {
		g.Go(func() error {
			redisWriter.Run(gctx)
			return nil
		})
	}
	if kafkaWriter != nil {
		g.Go(func() error {
			kafkaWriter.Run(gctx)
			return nil
		})
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
