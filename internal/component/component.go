package component

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ssuji15/orca/internal/cache"
	"github.com/ssuji15/orca/internal/cache/freecache"
	rcache "github.com/ssuji15/orca/internal/cache/redis"
	"github.com/ssuji15/orca/internal/component/jetstream"
	"github.com/ssuji15/orca/internal/component/redis"
	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/db"
	"github.com/ssuji15/orca/internal/docstore"
	jstore "github.com/ssuji15/orca/internal/docstore/jetstream"
	"github.com/ssuji15/orca/internal/docstore/memory"
	"github.com/ssuji15/orca/internal/docstore/postgres"
	rstore "github.com/ssuji15/orca/internal/docstore/redis"
	"github.com/ssuji15/orca/internal/metrics"
	"github.com/ssuji15/orca/internal/queue"
	jq "github.com/ssuji15/orca/internal/queue/jetstream"
	"github.com/ssuji15/orca/internal/resource"
	rgrpc "github.com/ssuji15/orca/internal/resource/grpc"
	jobservice "github.com/ssuji15/orca/internal/service/job_service"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/storage"
	"github.com/ssuji15/orca/internal/storage/minio"
	"github.com/ssuji15/orca/internal/trigger"
	"github.com/ssuji15/orca/internal/watchdog"
)

const webhookTimeout = 10 * time.Second

// Components holds every backend a binary talks to.
type Components struct {
	Store     docstore.Store
	Queue     queue.Queue // nil when QUEUE_TYPE=local
	Cache     cache.Cache
	Storage   storage.Storage
	Resources *resource.Manager
	Registry  *prometheus.Registry
	Metrics   *metrics.Collector
	Lock      *config.LockConfig
	Worker    *config.WorkerConfig
}

// Build connects to the backends selected by cfg. Whatever was opened before
// a failure is shut down again.
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	c := &Components{Registry: prometheus.NewRegistry()}
	if err := c.build(ctx, cfg); err != nil {
		c.ShutDown(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Components) build(ctx context.Context, cfg *config.Config) (err error) {
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.NewCollector(c.Registry)

	if c.Lock, err = config.GetLockConfig(); err != nil {
		return err
	}
	if c.Worker, err = config.GetWorkerConfig(); err != nil {
		return err
	}
	if c.Store, err = GetStore(ctx, cfg.STORE_TYPE); err != nil {
		return fmt.Errorf("store initialization error: %w", err)
	}
	if c.Queue, err = GetQueue(cfg.QUEUE_TYPE, c.Lock); err != nil {
		return fmt.Errorf("queue initialization error: %w", err)
	}
	if c.Cache, err = GetCache(ctx, cfg.CACHE_TYPE); err != nil {
		return fmt.Errorf("cache initialization error: %w", err)
	}
	if c.Storage, err = GetStorage(cfg.STORAGE_TYPE); err != nil {
		return fmt.Errorf("storage initialization error: %w", err)
	}
	if c.Resources, err = GetResourceManager(c.Worker, c.Queue, c.Metrics); err != nil {
		return fmt.Errorf("worker client initialization error: %w", err)
	}
	return nil
}

func (c *Components) Trigger() trigger.Trigger {
	return trigger.NewStoreTrigger(c.Store, watchdog.TriggerName)
}

func (c *Components) JobService() *jobservice.JobService {
	opts := []jobservice.Option{
		jobservice.WithTrigger(c.Trigger()),
		jobservice.WithMetrics(c.Metrics),
		jobservice.WithLockConfig(*c.Lock),
		jobservice.WithCallbackBaseURL(c.Worker.CALLBACK_BASE_URL),
	}
	if c.Cache != nil {
		opts = append(opts, jobservice.WithCache(c.Cache))
	}
	if c.Storage != nil {
		opts = append(opts, jobservice.WithStorage(c.Storage))
	}
	return jobservice.NewJobService(c.Store, c.Resources, opts...)
}

// ShutDown closes every open backend concurrently.
func (c *Components) ShutDown(ctx context.Context) {
	var wg sync.WaitGroup
	shutdown := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	if c.Resources != nil {
		shutdown(func(context.Context) {
			if err := c.Resources.Close(); err != nil {
				logger.Log.Err(err).Msg("unable to close worker connection")
			}
		})
	}
	if c.Store != nil {
		shutdown(c.Store.ShutDown)
	}
	if c.Queue != nil {
		shutdown(c.Queue.ShutDown)
	}
	if c.Cache != nil {
		shutdown(c.Cache.ShutDown)
	}
	if c.Storage != nil {
		shutdown(c.Storage.ShutDown)
	}
	wg.Wait()
}

func GetStore(ctx context.Context, storeType string) (docstore.Store, error) {
	switch storeType {
	case "jetstream":
		cfg, err := config.GetNatsConfig()
		if err != nil {
			return nil, err
		}
		nc, err := jetstream.NewJetStreamClient(cfg, "orca-store")
		if err != nil {
			return nil, err
		}
		s, err := jstore.NewStore(nc, cfg.KV_BUCKET, 0)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return s, nil
	case "redis":
		cfg, err := config.GetRedisConfig()
		if err != nil {
			return nil, err
		}
		rc, err := redis.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return rstore.NewStore(rc, cfg.KEY_PREFIX, 0), nil
	case "postgres":
		cfg, err := config.GetPostgresConfig()
		if err != nil {
			return nil, err
		}
		d, err := db.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s := postgres.NewStore(d, 0)
		if err := s.Migrate(ctx); err != nil {
			d.Close(ctx)
			return nil, err
		}
		return s, nil
	case "memory":
		return memory.NewStore(0), nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", storeType)
	}
}

// GetQueue returns nil for the local queue type: operations then run in
// process through invoker.LocalInvoker.
func GetQueue(qType string, lock *config.LockConfig) (queue.Queue, error) {
	switch qType {
	case "jetstream":
		cfg, err := config.GetNatsConfig()
		if err != nil {
			return nil, err
		}
		if err := config.CheckAckWait(cfg, lock); err != nil {
			return nil, err
		}
		nc, err := jetstream.NewJetStreamClient(cfg, "orca-queue")
		if err != nil {
			return nil, err
		}
		q, err := jq.NewJetStreamQueueClient(nc, cfg)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return q, nil
	case "local":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported queue type %q", qType)
	}
}

// GetCache returns nil when caching is off.
func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "":
		return nil, nil
	case "freecache":
		cfg, err := config.GetFreeCacheConfig()
		if err != nil {
			return nil, err
		}
		return freecache.NewFreeCache(cfg), nil
	case "redis":
		cfg, err := config.GetRedisConfig()
		if err != nil {
			return nil, err
		}
		rc, err := redis.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return rcache.NewRedisCache(rc, cfg.KEY_PREFIX, cfg.CACHE_TTL), nil
	default:
		return nil, fmt.Errorf("unsupported cache type %q", cacheType)
	}
}

// GetStorage returns nil when outputs are not archived.
func GetStorage(storageType string) (storage.Storage, error) {
	switch storageType {
	case "":
		return nil, nil
	case "minio":
		cfg, err := config.GetMinioConfig()
		if err != nil {
			return nil, err
		}
		m, err := minio.NewMinioClient(cfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", storageType)
	}
}

// GetResourceManager dials the worker service. Job notifications go to each
// job's webhook and, when a queue is configured, to the events stream.
func GetResourceManager(cfg *config.WorkerConfig, q queue.Queue, m *metrics.Collector) (*resource.Manager, error) {
	client, err := rgrpc.NewClient(cfg.ADDRESS)
	if err != nil {
		return nil, err
	}
	notifiers := resource.MultiNotifier{resource.NewWebhookNotifier(webhookTimeout)}
	if q != nil {
		notifiers = append(notifiers, resource.NewQueueNotifier(q))
	}
	return resource.NewManager(client, notifiers, m), nil
}
