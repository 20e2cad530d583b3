// Package guard collapses duplicate operations. A caller presents a key
// before acting; the first presentation within the TTL is Fresh, every
// later one is Duplicate. Duplicate means skip the action and report
// success, not reject it.
package guard

import (
	"context"
	"strings"
	"time"
)

type Outcome int

const (
	Fresh Outcome = iota
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "fresh"
}

type Guard interface {
	// CheckAndRecord atomically checks and records key. A non-positive ttl
	// records the key without expiry.
	CheckAndRecord(ctx context.Context, key string, ttl time.Duration) (Outcome, error)
}

// CreationKey builds the guard key for a task creation: the user plus the
// title lowercased with runs of whitespace collapsed, so retries with
// cosmetic title differences still collide.
func CreationKey(userID, title string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	return "create:" + userID + ":" + normalized
}
