// Package ratelimit enforces per-identifier token budgets over a fixed
// window. Admission is optimistic: checks read the counter and compare
// against the caller's estimate, while the authoritative debit lands
// after the response, scaled by the model cost multiplier.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"relaychat/internal/kv"
)

const (
	usedKeyPrefix         = "ratelimit:used:"
	conversationKeyPrefix = "ratelimit:conversation:"
)

// ModelCosts resolves the per-model usage multiplier.
type ModelCosts interface {
	Multiplier(id string) float64
}

type Policy struct {
	Window time.Duration
	Limit  int64

	// Pessimistic pre-debits the estimate at admission instead of
	// waiting for the post-response reconciliation. Off by default:
	// a burst may then overshoot the window once, and the next
	// request is the one that gets blocked.
	Pessimistic bool

	// Disabled turns the limiter into a pass-through. Set when a
	// deployment gates access with a static token instead.
	Disabled bool
}

type Status struct {
	Blocked            bool      `json:"blocked"`
	Unlimited          bool      `json:"unlimited"`
	Used               int64     `json:"used"`
	Limit              int64     `json:"limit"`
	Remaining          int64     `json:"remaining"`
	ResetAt            time.Time `json:"reset_at"`
	ConversationTokens int64     `json:"conversation_tokens"`
}

type Limiter struct {
	store  kv.Store
	costs  ModelCosts
	policy Policy
}

func New(store kv.Store, costs ModelCosts, policy Policy) *Limiter {
	if policy.Window <= 0 {
		policy.Window = time.Hour
	}
	return &Limiter{store: store, costs: costs, policy: policy}
}

// CheckAndConsume decides admission for a request expected to cost
// estimated tokens. Nothing is debited here unless the pessimistic
// policy is on.
func (l *Limiter) CheckAndConsume(ctx context.Context, identifier string, estimated int64) (*Status, error) {
	if l.passThrough() {
		return &Status{Unlimited: true}, nil
	}

	used, err := l.readCounter(ctx, usedKeyPrefix+identifier)
	if err != nil {
		return nil, err
	}

	status := l.statusFor(ctx, identifier, used)
	if used >= l.policy.Limit || used+estimated > l.policy.Limit {
		status.Blocked = true
		return status, nil
	}

	if l.policy.Pessimistic && estimated > 0 {
		newUsed, err := l.store.IncrBy(ctx, usedKeyPrefix+identifier, estimated, l.policy.Window)
		if err != nil {
			return nil, fmt.Errorf("debit estimate failed: %w", err)
		}
		status.Used = newUsed
		status.Remaining = remaining(l.policy.Limit, newUsed)
	}
	return status, nil
}

// RecordUsage applies the true cost of a finished request. The actual
// token count is scaled by the model multiplier; estimatedDebited is
// subtracted so pessimistic admissions reconcile instead of double
// counting.
func (l *Limiter) RecordUsage(ctx context.Context, identifier string, actual, estimatedDebited int64, modelID string) error {
	if l.passThrough() {
		return nil
	}

	multiplier := 1.0
	if l.costs != nil {
		multiplier = l.costs.Multiplier(modelID)
	}
	scaled := int64(math.Round(float64(actual) * multiplier))
	delta := scaled - estimatedDebited
	if delta == 0 {
		return nil
	}

	if _, err := l.store.IncrBy(ctx, usedKeyPrefix+identifier, delta, l.policy.Window); err != nil {
		return fmt.Errorf("record usage failed: %w", err)
	}
	return nil
}

// SetConversationTokens stores the size of the caller's current
// conversation. It is an absolute value, not an accumulator.
func (l *Limiter) SetConversationTokens(ctx context.Context, identifier string, tokens int64) error {
	if l.passThrough() {
		return nil
	}
	value := []byte(strconv.FormatInt(tokens, 10))
	if err := l.store.Set(ctx, conversationKeyPrefix+identifier, value, l.policy.Window); err != nil {
		return fmt.Errorf("store conversation tokens failed: %w", err)
	}
	return nil
}

func (l *Limiter) Status(ctx context.Context, identifier string) (*Status, error) {
	if l.passThrough() {
		return &Status{Unlimited: true}, nil
	}

	used, err := l.readCounter(ctx, usedKeyPrefix+identifier)
	if err != nil {
		return nil, err
	}
	conversation, err := l.readCounter(ctx, conversationKeyPrefix+identifier)
	if err != nil {
		return nil, err
	}

	status := l.statusFor(ctx, identifier, used)
	status.Blocked = used >= l.policy.Limit
	status.ConversationTokens = conversation
	return status, nil
}

func (l *Limiter) Window() time.Duration { return l.policy.Window }

// EstimatedDebit reports how much an admitted CheckAndConsume call
// debited up front, so the caller can hand it back to RecordUsage for
// reconciliation.
func (l *Limiter) EstimatedDebit(estimated int64) int64 {
	if l.passThrough() || !l.policy.Pessimistic || estimated <= 0 {
		return 0
	}
	return estimated
}

func (l *Limiter) passThrough() bool {
	return l.policy.Disabled || l.policy.Limit <= 0
}

func (l *Limiter) statusFor(ctx context.Context, identifier string, used int64) *Status {
	return &Status{
		Used:      used,
		Limit:     l.policy.Limit,
		Remaining: remaining(l.policy.Limit, used),
		ResetAt:   l.resetAt(ctx, identifier),
	}
}

func (l *Limiter) resetAt(ctx context.Context, identifier string) time.Time {
	ttl, ok, err := l.store.TTL(ctx, usedKeyPrefix+identifier)
	if err != nil || !ok {
		return time.Now().Add(l.policy.Window)
	}
	return time.Now().Add(ttl)
}

func (l *Limiter) readCounter(ctx context.Context, key string) (int64, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read counter failed: %w", err)
	}
	if !ok {
		return 0, nil
	}
	value, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %q failed: %w", key, err)
	}
	return value, nil
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
