package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Swapped by tests to avoid real connections and real sleeps.
var (
	newPoolFn       = pgxpool.NewWithConfig
	poolAttempts    = 30
	poolRetryDelay  = 2 * time.Second
	poolPingTimeout = 2 * time.Second
	sleepFn         = time.Sleep
)

// NewPostgresPool opens the audit database, retrying until the
// database accepts connections. The assistant boots alongside its
// database in most deployments, so early refusals are expected.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := envSetting("DATABASE_URL")
	if dsn == "" {
		dsn = databaseURL()
	}
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := checkSSLMode(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := poolConfig(dsn)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < poolAttempts; attempt++ {
		if attempt > 0 {
			sleepFn(poolRetryDelay)
		}
		pool, err := newPoolFn(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, poolPingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func poolConfig(dsn string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if scope := envSetting("DB_TENANT_SCOPE"); scope != "" {
		cfg.ConnConfig.RuntimeParams["app.current_tenant_scope"] = scope
	}
	if tenant := envSetting("DB_TENANT_STATIC"); tenant != "" {
		cfg.ConnConfig.RuntimeParams["app.current_tenant"] = tenant
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	return cfg, nil
}

// databaseURL assembles the DSN from the discrete DATABASE_* settings
// when DATABASE_URL is not set.
func databaseURL() string {
	pick := func(key, def string) string {
		if v := envSetting(key); v != "" {
			return v
		}
		return def
	}
	port := pick("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	user := pick("DATABASE_USER", "assistant")
	uri := &url.URL{
		Scheme: "postgres",
		User:   url.User(user),
		Host:   pick("DATABASE_HOST", "localhost") + ":" + port,
		Path:   "/" + pick("DATABASE_NAME", "assistant"),
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	}
	q := uri.Query()
	q.Set("sslmode", pick("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

func checkSSLMode(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch mode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "prefer", "disable":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", mode)
	}
	return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
}

func requiresSecureTransport(envKey string) bool {
	switch strings.ToLower(envSetting(envKey)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
