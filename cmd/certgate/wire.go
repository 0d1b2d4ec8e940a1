package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"certgate/internal/channel"
	"certgate/internal/config"
	"certgate/internal/domain"
	applog "certgate/internal/log"
	"certgate/internal/registry"
	"certgate/internal/repos"
)

type store struct {
	Blobs repos.BlobStore
	Meta  repos.MetadataStore
	db    *sqlx.DB
}

func (s store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func openStore(ctx context.Context, cfg config.Storage) (store, error) {
	if cfg.Backend == "memory" {
		applog.Info(nil, "storage.memory", nil)
		return store{Blobs: repos.NewMemoryBlobStore(), Meta: repos.NewMemoryProductRepo()}, nil
	}

	var (
		blobs repos.BlobStore
		err   error
	)
	switch cfg.BlobDriver {
	case "fs":
		blobs, err = repos.NewFSBlobStore(cfg.BlobDir)
	default:
		blobs, err = repos.NewS3BlobStore(ctx, repos.S3Options{
			Bucket:    cfg.Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		})
	}
	if err != nil {
		return store{}, fmt.Errorf("blob store: %w", err)
	}

	db, err := repos.OpenDB(cfg.DBDriver, cfg.DBDSN, cfg.Collection)
	if err != nil {
		return store{}, fmt.Errorf("metadata store: %w", err)
	}
	applog.Info(nil, "storage.durable", map[string]any{"blob_driver": cfg.BlobDriver, "db_driver": cfg.DBDriver})
	return store{Blobs: blobs, Meta: repos.NewProductRepo(db, cfg.Collection), db: db}, nil
}

func newVerifier(cfg config.Registry) registry.Verifier {
	if cfg.Stub {
		applog.Security(nil, "registry.stub", map[string]any{"note": "every certificate id verifies"})
		return registry.AcceptAll(domain.NewDate(time.Now().AddDate(1, 0, 0)))
	}
	return registry.New(registry.Options{
		BaseURL:          cfg.BaseURL,
		NoncePath:        cfg.NoncePath,
		QueryPath:        cfg.QueryPath,
		Action:           cfg.Action,
		TableID:          cfg.TableID,
		Timeout:          cfg.Timeout,
		SubjectColumn:    cfg.SubjectColumn,
		ValidFromColumn:  cfg.ValidFromColumn,
		ValidUntilColumn: cfg.ValidUntilColumn,
		BreakerFailures:  cfg.BreakerFailures,
		BreakerCooldown:  cfg.BreakerCooldown,
	})
}

// openTransport returns a nil transport when the channel is disabled.
func openTransport(cfg config.Channel) (channel.Transport, error) {
	topo := channel.Topology{
		RequestTopic:         cfg.RequestTopic,
		ResponseTopic:        cfg.ResponseTopic,
		RequestSubscription:  cfg.RequestSubscription,
		ResponseSubscription: cfg.ResponseSubscription,
	}
	switch cfg.Backend {
	case "memory":
		return channel.NewMemoryTransport(topo), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return channel.NewRedisTransport(client, topo, channel.RedisOptions{
			Consumer:  cfg.RedisConsumer,
			ClaimIdle: cfg.RedisClaimIdle,
		}), nil
	case "kafka":
		t, err := channel.NewKafkaTransport(topo, channel.KafkaOptions{
			Brokers:     cfg.KafkaBrokers,
			Partitions:  cfg.KafkaPartitions,
			Replication: cfg.KafkaReplication,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, nil
	}
}
