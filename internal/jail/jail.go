// Package jail blocks clients that repeatedly fail to prove their old password.
//
// Every failed credential check is an infraction for the client's address.
// Once StrikeLimit infractions accumulate within StrikeWindow the address is
// jailed for Sentence, and while jailed every request it sends is answered
// with 404 Not Found. Strikes are cleared when a sentence starts. Successful
// requests do not clear strikes.
//
// State lives in a Store: MemoryStore for a single replica, ValkeyStore when
// several replicas must share it. Store failures never block a request.
package jail

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/teemow/mailpass/internal/instrumentation"
	"github.com/teemow/mailpass/internal/logging"
)

// Defaults.
const (
	DefaultStrikeLimit  = 5
	DefaultStrikeWindow = time.Minute
	DefaultSentence     = 10 * time.Second
)

// Store persists strikes and sentences.
type Store interface {
	// AddStrike adds one strike for key and returns the number of strikes
	// within the current window. The window starts with the first strike.
	AddStrike(ctx context.Context, key string, window time.Duration) (int64, error)

	// Sentence jails key for d and clears its strikes.
	Sentence(ctx context.Context, key string, d time.Duration) error

	// IsJailed reports whether key is serving a sentence.
	IsJailed(ctx context.Context, key string) (bool, error)

	Close() error
}

// Config configures a Jail.
type Config struct {
	StrikeLimit  int
	StrikeWindow time.Duration
	Sentence     time.Duration

	// Exempt lists addresses or CIDR prefixes that are never jailed.
	Exempt []string

	// Store defaults to a new MemoryStore.
	Store Store

	Logger  logging.Logger
	Metrics *instrumentation.Metrics
}

// Jail tracks infractions per client key.
type Jail struct {
	strikeLimit  int64
	strikeWindow time.Duration
	sentence     time.Duration
	exempt       []netip.Prefix
	store        Store
	logger       logging.Logger
	metrics      *instrumentation.Metrics
}

// New creates a Jail. It fails only when an Exempt entry cannot be parsed.
func New(cfg Config) (*Jail, error) {
	if cfg.StrikeLimit <= 0 {
		cfg.StrikeLimit = DefaultStrikeLimit
	}
	if cfg.StrikeWindow <= 0 {
		cfg.StrikeWindow = DefaultStrikeWindow
	}
	if cfg.Sentence <= 0 {
		cfg.Sentence = DefaultSentence
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}

	exempt, err := parseExempt(cfg.Exempt)
	if err != nil {
		return nil, err
	}

	return &Jail{
		strikeLimit:  int64(cfg.StrikeLimit),
		strikeWindow: cfg.StrikeWindow,
		sentence:     cfg.Sentence,
		exempt:       exempt,
		store:        cfg.Store,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

func parseExempt(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid exempt prefix %q: %w", e, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid exempt address %q: %w", e, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Exempt reports whether key is an address covered by the exempt list.
func (j *Jail) Exempt(key string) bool {
	addr, err := netip.ParseAddr(key)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range j.exempt {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Infraction records one strike for key and reports whether it caused key to be jailed.
func (j *Jail) Infraction(ctx context.Context, key string) (bool, error) {
	if key == "" || j.Exempt(key) {
		return false, nil
	}

	j.metrics.RecordJailEvent(ctx, instrumentation.JailEventInfraction)

	strikes, err := j.store.AddStrike(ctx, key, j.strikeWindow)
	if err != nil {
		return false, fmt.Errorf("failed to record strike: %w", err)
	}
	if strikes < j.strikeLimit {
		return false, nil
	}

	if err := j.store.Sentence(ctx, key, j.sentence); err != nil {
		return false, fmt.Errorf("failed to jail %s: %w", key, err)
	}

	j.metrics.RecordJailEvent(ctx, instrumentation.JailEventJailed)
	j.logger.Warn("client jailed",
		logging.RemoteIP(key),
		"strikes", strikes,
		"sentence", j.sentence,
	)
	return true, nil
}

// IsJailed reports whether key is serving a sentence.
func (j *Jail) IsJailed(ctx context.Context, key string) (bool, error) {
	if key == "" || j.Exempt(key) {
		return false, nil
	}
	return j.store.IsJailed(ctx, key)
}

// Middleware answers 404 Not Found to jailed clients. keyFunc extracts the
// client key from the request. Store errors let the request through.
func (j *Jail) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)

			jailed, err := j.IsJailed(r.Context(), key)
			if err != nil {
				j.logger.Error("jail lookup failed, letting request through",
					logging.RemoteIP(key),
					logging.Err(err),
				)
			}
			if jailed {
				j.metrics.RecordJailEvent(r.Context(), instrumentation.JailEventBlocked)
				j.logger.Debug("rejected request from jailed client", logging.RemoteIP(key))
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Close releases the store.
func (j *Jail) Close() error {
	return j.store.Close()
}
