// Package token maintains the two credential slots the sync engine
// needs (a user-delegated credential and a tenant-wide application
// credential), refreshing each ahead of expiry and selecting the right
// one per operation class.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/tasksync/internal/observability"
	"github.com/redis/go-redis/v9"
)

// Kind identifies a credential slot.
type Kind string

const (KindDelegated Kind = "delegated"
	KindApplication Kind = "application"
)

// OpClass identifies an operation class, which determines the credential
// kind used for it.
type OpClass string

const (OpClassTenantRead OpClass = "tenant_read"
	OpClassChatSubscription OpClass = "chat_subscription"
	OpClassChannelSubscription OpClass = "channel_subscription"
	OpClassTask OpClass = "task"
	OpClassCalendar OpClass = "calendar"
	OpClassMail OpClass = "mail"
	OpClassUserRead OpClass = "user_read"
)

// KindForOperation implements the fixed op-class-to-kind mapping:
// tenant-wide reads and chat/channel subscriptions use the application
// credential; everything else (including unknown classes) defaults to
// delegated.
func KindForOperation(op OpClass) Kind {
	switch op {
	case OpClassTenantRead, OpClassChatSubscription, OpClassChannelSubscription:
		return KindApplication
	default:
		return KindDelegated
	}
}

// minValidLifetime is the shortest remaining lifetime token_for will ever
// hand back without forcing a synchronous re-acquire.
const minValidLifetime = 60 * time.Second

// refreshThreshold is how far ahead of expiry the background refresher
// acts.
const refreshThreshold = 15 * time.Minute

// backoffCap bounds the exponential backoff applied to repeated
// acquisition failures.
const backoffCap = 5 * time.Minute

// Acquirer performs the actual credential acquisition HTTP round trip.
// Kept as an interface so the directory's resource-owner-password and
// client-credentials flows can be swapped/mocked independently of the
// caching and refresh logic below.
type Acquirer interface {
	Acquire(ctx context.Context, kind Kind) (*Credential, error)
}

// Credential is what an Acquirer returns and what gets persisted as
// RedisJSON at token/{kind}.
type Credential struct {
	Token string `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Scope string `json:"scope"`
	RefreshCount int `json:"refresh_count"`
	StoredAt time.Time `json:"stored_at"`
}

// MFAError marks acquisition failures caused by a multi-factor
// challenge, which must surface as a clear diagnostic and must not be
// retried tightly.
type MFAError struct{ Detail string }

func (e *MFAError) Error() string { return "token: MFA challenge required: " + e.Detail }

// Service is the dual-credential token cache.
type Service struct {
	client *redis.Client
	acquirer Acquirer

	mu sync.Mutex
	inFlight map[Kind]chan struct{} // single-flight gate per kind
	backoffUntil map[Kind]time.Time
	backoffStep map[Kind]int
}

// NewService constructs a Service backed by redisClient for caching and
// acquirer for the actual acquisition flows.
func NewService(redisClient *redis.Client, acquirer Acquirer) *Service {
	return &Service{
		client: redisClient,
		acquirer: acquirer,
		inFlight: make(map[Kind]chan struct{}),
		backoffUntil: make(map[Kind]time.Time),
		backoffStep: make(map[Kind]int),
	}
}

func tokenKey(kind Kind) string { return fmt.Sprintf("token/%s", kind) }

// TokenFor returns a bearer token valid for at least minValidLifetime,
// acquiring synchronously on cache miss or near-expiry.
func (s *Service) TokenFor(ctx context.Context, kind Kind) (string, error) {
	cred, err := s.load(ctx, kind)
	if err == nil && time.Until(cred.ExpiresAt) >= minValidLifetime {
		return cred.Token, nil
	}
	cred, err = s.acquireSingleFlight(ctx, kind)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// TokenForOperation selects kind via KindForOperation and delegates to
// TokenFor.
func (s *Service) TokenForOperation(ctx context.Context, op OpClass) (string, error) {
	return s.TokenFor(ctx, KindForOperation(op))
}

// Age reports how long kind's cached credential has been stored, and
// whether one is cached at all (a cache miss reports false rather than a
// zero duration, so callers don't mistake "never acquired" for "just
// acquired").
func (s *Service) Age(ctx context.Context, kind Kind) (time.Duration, bool) {
	cred, err := s.load(ctx, kind)
	if err != nil {
		return 0, false
	}
	return time.Since(cred.StoredAt), true
}

// Refresh forces re-acquisition regardless of cached validity.
func (s *Service) Refresh(ctx context.Context, kind Kind) error {
	_, err := s.acquireSingleFlight(ctx, kind)
	return err
}

func (s *Service) load(ctx context.Context, kind Kind) (*Credential, error) {
	data, err := s.client.Get(ctx, tokenKey(kind)).Bytes()
	if err != nil {
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *Service) store(ctx context.Context, kind Kind, cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	ttl := time.Until(cred.ExpiresAt) - 5*time.Minute
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Set(ctx, tokenKey(kind), data, ttl).Err()
}

// acquireSingleFlight collapses concurrent acquisitions for the same
// kind into one in-flight request.
func (s *Service) acquireSingleFlight(ctx context.Context, kind Kind) (*Credential, error) {
	s.mu.Lock()
	if ch, ok := s.inFlight[kind]; ok {
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if cred, err := s.load(ctx, kind); err == nil {
			return cred, nil
		}
		return nil, fmt.Errorf("token: acquisition in flight for %s did not produce a usable credential", kind)
	}

	if until, ok := s.backoffUntil[kind]; ok && time.Now().Before(until) {
		s.mu.Unlock()
		return nil, fmt.Errorf("token: %s acquisition backing off until %s", kind, until)
	}

	ch := make(chan struct{})
	s.inFlight[kind] = ch
	s.mu.Unlock()

	cred, err := s.doAcquire(ctx, kind)

	s.mu.Lock()
	delete(s.inFlight, kind)
	if err != nil {
		step := s.backoffStep[kind] + 1
		s.backoffStep[kind] = step
		delay := time.Duration(1<<uint(step)) * time.Second
		if delay > backoffCap {
			delay = backoffCap
		}
		s.backoffUntil[kind] = time.Now().Add(delay)
	} else {
		s.backoffStep[kind] = 0
		delete(s.backoffUntil, kind)
	}
	s.mu.Unlock()
	close(ch)

	outcome := "success"
	if err != nil {
		outcome = "failed"
		var mfaErr *MFAError
		if errors.As(err, &mfaErr) {
			outcome = "mfa_required"
			log.Printf("token: %s requires MFA challenge, will not retry tightly: %s", kind, mfaErr.Detail)
		}
	}
	observability.TokenRefreshTotal.WithLabelValues(string(kind), outcome).Inc()

	return cred, err
}

func (s *Service) doAcquire(ctx context.Context, kind Kind) (*Credential, error) {
	cred, err := s.acquirer.Acquire(ctx, kind)
	if err != nil {
		return nil, err
	}
	refreshCount := 0
	if prior, loadErr := s.load(ctx, kind); loadErr == nil {
		refreshCount = prior.RefreshCount + 1
	}
	cred.RefreshCount = refreshCount
	cred.StoredAt = time.Now().UTC()

	if err := s.store(ctx, kind, cred); err != nil {
		return nil, fmt.Errorf("token: store %s credential: %w", kind, err)
	}
	observability.TokenAgeSeconds.WithLabelValues(string(kind)).Set(0)
	return cred, nil
}

// RunRefresher wakes every 60s and refreshes any kind whose cached
// token has less than refreshThreshold remaining. Blocks until ctx is
// cancelled.
func (s *Service) RunRefresher(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range []Kind{KindDelegated, KindApplication} {
				cred, err := s.load(ctx, kind)
				if err != nil {
					continue // cache miss: handled lazily by the next TokenFor call
				}
				observability.TokenAgeSeconds.WithLabelValues(string(kind)).Set(time.Since(cred.StoredAt).Seconds())
				if time.Until(cred.ExpiresAt) < refreshThreshold {
					if _, err := s.acquireSingleFlight(ctx, kind); err != nil {
						log.Printf("token: background refresh of %s failed: %v", kind, err)
					}
				}
			}
		}
	}
}
