// Package cache builds the Redis key space used as the order submission
// idempotency fast-path, and the TTL bucketing shared across it.
package cache

import (
	"strings"
	"time"

	"execution-core/internal/config"
)

// Namespace is the Redis key prefix for the execution core.
const Namespace = "execcore"

// TTLClass represents a config-driven TTL bucket.
type TTLClass string

const (
	TTLShort  TTLClass = "short"
	TTLMedium TTLClass = "medium"
	TTLLong   TTLClass = "long"
)

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts config TTLs (in seconds) into durations.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(cfg.Short, 10*time.Second),
		Medium: durationOrDefault(cfg.Medium, time.Minute),
		Long:   durationOrDefault(cfg.Long, time.Hour),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Duration returns the configured duration for the given TTL class.
func (t TTLSet) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLShort:
		return t.Short
	case TTLMedium:
		return t.Medium
	case TTLLong:
		return t.Long
	default:
		return 0
	}
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// --- Order idempotency keys --------------------------------------------

// IdempotencyKey is the fast-path duplicate-submit guard, keyed by the
// caller-scoped (account_id, client_order_id) pair. A HIT means the order
// was already accepted and the cached order ID can be returned without
// touching the store.
func IdempotencyKey(accountID, clientOrderID string) string {
	return formatKey("idempotency", accountID, clientOrderID)
}

// IdempotencyTTL bounds how long a duplicate submit is caught by Redis
// alone before falling through to the store's unique constraint, which
// remains the source of truth.
func IdempotencyTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLLong)
}
