package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

func envSetting(key string) string { return strings.TrimSpace(os.Getenv(key)) }

// NewRedis dials redis from REDIS_* settings and verifies the
// connection with a bounded ping. REDIS_REQUIRE_TLS refuses plaintext
// even if a caller forgot to turn REDIS_TLS on.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	addr := envSetting("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	db := 0
	if parsed, err := strconv.Atoi(envSetting("REDIS_DB")); err == nil {
		db = parsed
	}
	tlsConfig, err := redisTLSFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil && requiresSecureTransport("REDIS_REQUIRE_TLS") {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        db,
		TLSConfig: tlsConfig,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func redisTLSFromEnv() (*tls.Config, error) {
	if !strings.EqualFold(envSetting("REDIS_TLS"), "true") {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: envSetting("REDIS_TLS_SERVER_NAME"),
	}
	if strings.EqualFold(envSetting("REDIS_TLS_INSECURE"), "true") {
		// Skipping verification needs a second explicit opt-in.
		if !strings.EqualFold(envSetting("REDIS_ALLOW_INSECURE_TLS"), "true") {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if caFile := envSetting("REDIS_TLS_CA_CERT_FILE"); caFile != "" {
		pool, err := caPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	pair, err := clientKeyPair(envSetting("REDIS_TLS_CERT_FILE"), envSetting("REDIS_TLS_KEY_FILE"))
	if err != nil {
		return nil, err
	}
	if pair != nil {
		cfg.Certificates = []tls.Certificate{*pair}
	}
	return cfg, nil
}

func caPool(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
	}
	return pool, nil
}

func clientKeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
	}
	return &cert, nil
}
