package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	mongostore "goa.design/stageflow/features/store/mongo"
	redisstore "goa.design/stageflow/features/store/redis"
	"goa.design/stageflow/features/stream/pulse"
	clientspulse "goa.design/stageflow/features/stream/pulse/clients/pulse"
	"goa.design/stageflow/runtime/workflow/progress"
	"goa.design/stageflow/runtime/workflow/store"
	"goa.design/stageflow/runtime/workflow/store/inmem"
)

const (
	pulseStreamMaxLen = 1000
	pulseAddTimeout   = 2 * time.Second
)

// backend holds the session store and the resources it owns.
type backend struct {
	store   store.Store
	pingers []health.Pinger
	mirror  progress.Sink
	closers []func(context.Context) error
}

func openBackend(ctx context.Context, cfg config) (*backend, error) {
	switch cfg.StoreBackend {
	case backendRedis:
		return openRedis(ctx, cfg)
	case backendMongo:
		return openMongo(ctx, cfg)
	default:
		log.Print(ctx, log.KV{K: "msg", V: "using in-memory store, sessions are lost on restart"})
		return &backend{store: inmem.New()}, nil
	}
}

func openRedis(ctx context.Context, cfg config) (*backend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	s, err := redisstore.New(rdb)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	b := &backend{
		store:   s,
		pingers: []health.Pinger{s},
		closers: []func(context.Context) error{func(context.Context) error { return rdb.Close() }},
	}
	if cfg.PulseMirror {
		cli, err := clientspulse.New(clientspulse.Options{
			Redis:            rdb,
			StreamMaxLen:     pulseStreamMaxLen,
			OperationTimeout: pulseAddTimeout,
		})
		if err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("create pulse client: %w", err)
		}
		sink, err := pulse.NewSink(pulse.Options{Client: cli})
		if err != nil {
			b.close(ctx)
			return nil, fmt.Errorf("create pulse sink: %w", err)
		}
		b.mirror = sink
		b.closers = append([]func(context.Context) error{sink.Close}, b.closers...)
	}
	return b, nil
}

func openMongo(ctx context.Context, cfg config) (*backend, error) {
	cli, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	s, err := mongostore.New(ctx, mongostore.Options{Client: cli, Database: cfg.MongoDatabase})
	if err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("open mongo store: %w", err)
	}
	return &backend{
		store:   s,
		pingers: []health.Pinger{s},
		closers: []func(context.Context) error{cli.Disconnect},
	}, nil
}

func (b *backend) close(ctx context.Context) {
	for _, c := range b.closers {
		if err := c(ctx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close backend"})
		}
	}
}
