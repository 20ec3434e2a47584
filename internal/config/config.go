package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type NatsConfig struct {
	URL           string
	KV_BUCKET     string
	OPS_STREAM    string
	EVENTS_STREAM string
	CONSUMER_NAME string
	// ACK_WAIT is how long an unacknowledged operation stays with one consumer.
	ACK_WAIT time.Duration
}

type RedisConfig struct {
	ClientPassword string
	URL            string
	KEY_PREFIX     string
	CACHE_TTL      int // seconds, CACHE_TYPE=redis
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type MinioConfig struct {
	URL           string
	OUTPUT_BUCKET string
	ACCESS_KEY    string
	SECRET_KEY    string
	USE_SSL       bool
}

type PostgresConfig struct {
	URL       string
	MAX_CONNS int32
}

type LockConfig struct {
	TIMEOUT time.Duration
	BACKOFF time.Duration
	// WAIT bounds a single acquisition. Zero waits until the caller's context ends.
	WAIT time.Duration
}

type WatchdogConfig struct {
	INTERVAL                time.Duration
	DEFAULT_TIMEOUT_MINUTES int
}

type WorkerConfig struct {
	ADDRESS           string
	CALLBACK_BASE_URL string
}

// ContainerWorkerConfig configures container_worker. IMAGES maps job profiles
// to images; a profile without an entry is used as the image name.
type ContainerWorkerConfig struct {
	ENGINE               string
	CONTAINERD_SOCKET    string
	CONTAINERD_NAMESPACE string
	RUNTIME              string
	CPU_QUOTA            int64
	MEMORY_LIMIT         int64
	IMAGES               map[string]string
}

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
	HTTP_ADDR    string
	STORE_TYPE   string
	QUEUE_TYPE   string
	CACHE_TYPE   string
	STORAGE_TYPE string
}

var (
	storeTypes = map[string]struct{}{"jetstream": {}, "redis": {}, "postgres": {}, "memory": {}}
	queueTypes = map[string]struct{}{"jetstream": {}, "local": {}}
	cacheTypes = map[string]struct{}{"": {}, "freecache": {}, "redis": {}}
	engines    = map[string]struct{}{"docker": {}, "containerd": {}}
)

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func durationOr(key string, def time.Duration) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("KEY: %s must not be negative", key)
	}
	return d, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	st := env("STORE_TYPE")
	if st == "" {
		return nil, fmt.Errorf("KEY: STORE_TYPE is empty")
	}
	if _, ok := storeTypes[st]; !ok {
		return nil, fmt.Errorf("KEY: STORE_TYPE has unsupported value %q", st)
	}
	qt := env("QUEUE_TYPE")
	if qt == "" {
		return nil, fmt.Errorf("KEY: QUEUE_TYPE is empty")
	}
	if _, ok := queueTypes[qt]; !ok {
		return nil, fmt.Errorf("KEY: QUEUE_TYPE has unsupported value %q", qt)
	}
	ct := env("CACHE_TYPE")
	if _, ok := cacheTypes[ct]; !ok {
		return nil, fmt.Errorf("KEY: CACHE_TYPE has unsupported value %q", ct)
	}
	// server and worker processes each hold their own freecache
	if ct == "freecache" && qt != "local" {
		return nil, fmt.Errorf("KEY: CACHE_TYPE freecache is process local and needs QUEUE_TYPE=local, use redis")
	}
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    env("TRACE_URL"),
		HTTP_ADDR:    envOr("HTTP_ADDR", ":8080"),
		STORE_TYPE:   st,
		QUEUE_TYPE:   qt,
		CACHE_TYPE:   ct,
		STORAGE_TYPE: env("STORAGE_TYPE"),
	}, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	ackWait, err := durationOr("JETSTREAM_ACK_WAIT", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	if ackWait == 0 {
		return nil, fmt.Errorf("KEY: JETSTREAM_ACK_WAIT must be positive")
	}
	return &NatsConfig{
		URL:           url,
		KV_BUCKET:     envOr("JETSTREAM_KV_BUCKET", "ORCA"),
		OPS_STREAM:    envOr("JETSTREAM_OPS_STREAM", "OPS"),
		EVENTS_STREAM: envOr("JETSTREAM_EVENTS_STREAM", "EVENTS"),
		CONSUMER_NAME: envOr("JETSTREAM_CONSUMER", "orca-worker"),
		ACK_WAIT:      ackWait,
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}
	ttl := 60
	if v := env("REDIS_CACHE_TTL"); v != "" {
		n, err := convertStringToInt(v, "REDIS_CACHE_TTL")
		if err != nil {
			return nil, err
		}
		ttl = n
	}
	return &RedisConfig{
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
		KEY_PREFIX:     envOr("REDIS_KEY_PREFIX", "orca:"),
		CACHE_TTL:      ttl,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := convertStringToInt(env("FREECACHE_TTL"), "FREECACHE_TTL")
	if err != nil {
		return nil, err
	}
	fs, err := convertStringToInt(env("FREECACHE_SIZE"), "FREECACHE_SIZE")
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	mc := 10
	if v := env("POSTGRES_MAX_CONNS"); v != "" {
		n, err := convertStringToInt(v, "POSTGRES_MAX_CONNS")
		if err != nil {
			return nil, err
		}
		if n < 1 {
			return nil, fmt.Errorf("KEY: POSTGRES_MAX_CONNS must be positive")
		}
		mc = n
	}
	return &PostgresConfig{
		URL:       url,
		MAX_CONNS: int32(mc),
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	ob := env("MINIO_OUTPUT_BUCKET")
	if ob == "" {
		return nil, fmt.Errorf("KEY: MINIO_OUTPUT_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:           url,
		OUTPUT_BUCKET: ob,
		USE_SSL:       ssl == "true",
		ACCESS_KEY:    ak,
		SECRET_KEY:    sk,
	}, nil
}

func GetLockConfig() (*LockConfig, error) {
	timeout, err := durationOr("LOCK_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		return nil, fmt.Errorf("KEY: LOCK_TIMEOUT must be positive")
	}
	backoff, err := durationOr("LOCK_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if backoff == 0 {
		return nil, fmt.Errorf("KEY: LOCK_BACKOFF must be positive")
	}
	wait, err := durationOr("LOCK_WAIT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &LockConfig{
		TIMEOUT: timeout,
		BACKOFF: backoff,
		WAIT:    wait,
	}, nil
}

func GetWatchdogConfig() (*WatchdogConfig, error) {
	interval, err := durationOr("WATCHDOG_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	if interval == 0 {
		return nil, fmt.Errorf("KEY: WATCHDOG_INTERVAL must be positive")
	}
	def := 60
	if v := env("DEFAULT_JOB_TIMEOUT_MINUTES"); v != "" {
		def, err = convertStringToInt(v, "DEFAULT_JOB_TIMEOUT_MINUTES")
		if err != nil {
			return nil, err
		}
		if def <= 0 {
			return nil, fmt.Errorf("KEY: DEFAULT_JOB_TIMEOUT_MINUTES must be positive")
		}
	}
	return &WatchdogConfig{
		INTERVAL:                interval,
		DEFAULT_TIMEOUT_MINUTES: def,
	}, nil
}

func GetWorkerConfig() (*WorkerConfig, error) {
	addr := env("WORKER_ADDRESS")
	if addr == "" {
		return nil, fmt.Errorf("KEY: WORKER_ADDRESS is empty")
	}
	cb := env("CALLBACK_BASE_URL")
	if cb == "" {
		return nil, fmt.Errorf("KEY: CALLBACK_BASE_URL is empty")
	}
	return &WorkerConfig{
		ADDRESS:           addr,
		CALLBACK_BASE_URL: cb,
	}, nil
}

func GetContainerWorkerConfig() (*ContainerWorkerConfig, error) {
	engine := envOr("CONTAINER_ENGINE", "docker")
	if _, ok := engines[engine]; !ok {
		return nil, fmt.Errorf("KEY: CONTAINER_ENGINE has unsupported value %q", engine)
	}
	cpu, err := convertStringToInt(envOr("CONTAINER_CPU_QUOTA", "50000"), "CONTAINER_CPU_QUOTA")
	if err != nil {
		return nil, err
	}
	mem, err := convertStringToInt(envOr("CONTAINER_MEMORY_LIMIT", "268435456"), "CONTAINER_MEMORY_LIMIT")
	if err != nil {
		return nil, err
	}
	images := map[string]string{}
	for _, pair := range strings.Split(env("CONTAINER_IMAGES"), ",") {
		if pair == "" {
			continue
		}
		profile, image, ok := strings.Cut(pair, "=")
		if !ok || profile == "" || image == "" {
			return nil, fmt.Errorf("KEY: CONTAINER_IMAGES has malformed entry %q", pair)
		}
		images[profile] = image
	}
	return &ContainerWorkerConfig{
		ENGINE:               engine,
		CONTAINERD_SOCKET:    envOr("CONTAINERD_SOCKET", "/run/containerd/containerd.sock"),
		CONTAINERD_NAMESPACE: envOr("CONTAINERD_NAMESPACE", "orca"),
		RUNTIME:              env("CONTAINER_RUNTIME"),
		CPU_QUOTA:            int64(cpu),
		MEMORY_LIMIT:         int64(mem),
		IMAGES:               images,
	}, nil
}

// MinAckMargin is the time an operation may spend after acquiring its job lock
// before the queue hands it to another consumer.
const MinAckMargin = 30 * time.Second

// CheckAckWait rejects an ack wait that a single lock acquisition plus the
// work under the lock could outlast.
func CheckAckWait(nats *NatsConfig, lock *LockConfig) error {
	if lock.WAIT == 0 {
		return nil
	}
	if nats.ACK_WAIT < lock.WAIT+MinAckMargin {
		return fmt.Errorf("KEY: JETSTREAM_ACK_WAIT (%s) must exceed LOCK_WAIT (%s) by at least %s",
			nats.ACK_WAIT, lock.WAIT, MinAckMargin)
	}
	return nil
}
