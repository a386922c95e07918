package jail

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/valkey-io/valkey-go"
)

// DefaultKeyPrefix is prepended to all Valkey keys.
const DefaultKeyPrefix = "mailpass:jail:"

// ValkeyConfig holds configuration for the Valkey store.
type ValkeyConfig struct {
	// URL is the Valkey server address (e.g., "valkey.namespace.svc:6379")
	URL string

	// Password is the optional password for Valkey authentication
	Password string

	// TLSEnabled enables TLS for Valkey connections
	TLSEnabled bool

	// TLSCAFile is a PEM bundle used instead of the system roots.
	TLSCAFile string

	// KeyPrefix is the prefix for all keys (default: DefaultKeyPrefix)
	KeyPrefix string

	// DB is the Valkey database number (default: 0)
	DB int
}

// ValkeyStore keeps jail state in Valkey so that replicas share it.
// Strike counters and sentences are plain keys with a TTL.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

var _ Store = (*ValkeyStore)(nil)

// NewValkeyStore connects to Valkey.
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("valkey URL is required")
	}

	opt := valkey.ClientOption{
		InitAddress:  []string{cfg.URL},
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	}
	if cfg.TLSEnabled {
		tlsConfig, err := buildTLSConfig(cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}
		opt.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.URL, err)
	}

	return NewValkeyStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewValkeyStoreFromClient wraps an existing client. The store owns the
// client and closes it on Close.
func NewValkeyStoreFromClient(client valkey.Client, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ValkeyStore{client: client, prefix: prefix}
}

func buildTLSConfig(caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read valkey CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in valkey CA file %s", caFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

func (s *ValkeyStore) strikesKey(key string) string {
	return s.prefix + "strikes:" + key
}

func (s *ValkeyStore) jailedKey(key string) string {
	return s.prefix + "jailed:" + key
}

// AddStrike implements Store. The TTL is set only by the first strike of a window.
func (s *ValkeyStore) AddStrike(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := s.strikesKey(key)
	results := s.client.DoMulti(ctx,
		s.client.B().Incr().Key(k).Build(),
		s.client.B().Pexpire().Key(k).Milliseconds(window.Milliseconds()).Nx().Build(),
	)

	count, err := results[0].AsInt64()
	if err != nil {
		return 0, fmt.Errorf("valkey INCR %s: %w", k, err)
	}
	if err := results[1].Error(); err != nil {
		return 0, fmt.Errorf("valkey PEXPIRE %s: %w", k, err)
	}
	return count, nil
}

// Sentence implements Store.
func (s *ValkeyStore) Sentence(ctx context.Context, key string, d time.Duration) error {
	results := s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.jailedKey(key)).Value("1").PxMilliseconds(d.Milliseconds()).Build(),
		s.client.B().Del().Key(s.strikesKey(key)).Build(),
	)
	for _, r := range results {
		if err := r.Error(); err != nil {
			return fmt.Errorf("valkey sentence %s: %w", key, err)
		}
	}
	return nil
}

// IsJailed implements Store.
func (s *ValkeyStore) IsJailed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.jailedKey(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey EXISTS %s: %w", key, err)
	}
	return n > 0, nil
}

// Ping checks the connection; used as a readiness check.
func (s *ValkeyStore) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("valkey PING: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}
