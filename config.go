package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type config struct {
	debug bool
	port  string

	backend        string
	connStr        string
	tasksTable     string
	commentsTable  string
	cleanupQueue   string
	redisConn      string
	updatesChannel string
	cacheTTL       time.Duration
	idempotencyTTL time.Duration

	baseURL      string
	dateLayout   string
	dateLocation *time.Location

	auth0Domain   string
	auth0Audience string

	cleanupWorkers      int
	cleanupPollInterval time.Duration
	cleanupVisibility   time.Duration

	pprof bool
}

const (
	backendTables = "tables"
	backendMemory = "memory"
)

func loadConfig() (config, error) {
	cfg := config{
		debug:               envBool("DEBUG"),
		port:                envString("PORT", "8080"),
		backend:             strings.ToLower(envString("DOCSTORE_BACKEND", backendTables)),
		connStr:             os.Getenv("STORAGE_CONNECTION_STRING"),
		tasksTable:          envString("TASKS_TABLE", "tasks"),
		commentsTable:       envString("COMMENTS_TABLE", "comments"),
		cleanupQueue:        os.Getenv("CLEANUP_QUEUE"),
		redisConn:           os.Getenv("REDIS_CONNECTION_STRING"),
		updatesChannel:      envString("UPDATES_CHANNEL", "taskshare-updates"),
		baseURL:             os.Getenv("BASE_URL"),
		dateLayout:          envString("DATE_LAYOUT", "02/01/2006"),
		auth0Domain:         os.Getenv("AUTH0_DOMAIN"),
		auth0Audience:       os.Getenv("AUTH0_AUDIENCE"),
		pprof:               envBool("PPROF_ENABLED"),
		cleanupVisibility:   time.Minute,
		cleanupPollInterval: time.Second,
	}

	var err error
	if cfg.cacheTTL, err = envDur("DOCUMENT_CACHE_TTL", 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.idempotencyTTL, err = envDur("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.cleanupPollInterval, err = envDur("CLEANUP_POLL_INTERVAL", cfg.cleanupPollInterval); err != nil {
		return cfg, err
	}
	if cfg.cleanupWorkers, err = envInt("CLEANUP_WORKERS", 1); err != nil {
		return cfg, err
	}
	if cfg.dateLocation, err = time.LoadLocation(envString("DATE_LOCATION", "UTC")); err != nil {
		return cfg, fmt.Errorf("invalid DATE_LOCATION: %w", err)
	}

	switch cfg.backend {
	case backendMemory:
	case backendTables:
		if cfg.connStr == "" {
			return cfg, fmt.Errorf("missing storage config")
		}
	default:
		return cfg, fmt.Errorf("unsupported DOCSTORE_BACKEND %q", cfg.backend)
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return d, nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
