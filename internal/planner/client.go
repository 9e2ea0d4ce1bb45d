// Package planner is the HTTP client for the external collaborative
// planner service. It owns conditional-write (ETag) handling, per-credential-kind
// rate limiting and retry-with-backoff, so the upload/download pipelines
// only deal with domain errors (StatusError) rather than raw net/http.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/observability"
	"github.com/itskum47/tasksync/internal/token"
)

// TokenSource is the subset of token.Service the planner client needs,
// named narrowly so tests can supply a fake without pulling in Redis.
type TokenSource interface {
	TokenForOperation(ctx context.Context, op token.OpClass) (string, error)
	TokenFor(ctx context.Context, kind token.Kind) (string, error)
}

// Client talks to the external planner's REST API.
type Client struct {
	baseURL string
	httpClient *http.Client
	tokens TokenSource
	limiter *keyLimiter
	maxAttempts uint
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client (tests, custom
// transports/proxies).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithMaxAttempts overrides the default retry attempt ceiling.
func WithMaxAttempts(n uint) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// NewClient builds a Client against baseURL (e.g. the planner's API root)
// using tokens for bearer auth. requestsPerSecond/burst size the shared
// token-bucket pacing applied per credential kind.
func NewClient(baseURL string, tokens TokenSource, requestsPerSecond float64, burst int, opts...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tokens: tokens,
		limiter: newKeyLimiter(requestsPerSecond, burst),
		maxAttempts: 6,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetTask fetches a task by remote id ("GET /tasks/{id}").
func (c *Client) GetTask(ctx context.Context, id string) (*model.RemoteTask, error) {
	var out model.RemoteTask
	etag, err := c.do(ctx, http.MethodGet, "/tasks/"+id, token.OpClassTask, nil, "", "", &out)
	if err != nil {
		return nil, err
	}
	out.ID = id
	out.ETag = etag
	return &out, nil
}

// GetTaskIfChanged fetches a task, sending If-None-Match when the
// caller holds a cached etag. A 304 surfaces as ErrNotModified so the
// download pipeline can treat it as a confirmed no-op.
func (c *Client) GetTaskIfChanged(ctx context.Context, id, etag string) (*model.RemoteTask, error) {
	var out model.RemoteTask
	freshETag, err := c.do(ctx, http.MethodGet, "/tasks/"+id, token.OpClassTask, nil, "", etag, &out)
	if err != nil {
		return nil, err
	}
	out.ID = id
	out.ETag = freshETag
	return &out, nil
}

// CreateTask creates a task under plan/bucket ("POST /tasks").
func (c *Client) CreateTask(ctx context.Context, rt *model.RemoteTask) (*model.RemoteTask, error) {
	var out model.RemoteTask
	etag, err := c.do(ctx, http.MethodPost, "/tasks", token.OpClassTask, rt, "", "", &out)
	if err != nil {
		return nil, err
	}
	out.ETag = etag
	return &out, nil
}

// PatchTask applies a conditional partial update ("PATCH /tasks/{id}").
// fields carries only the changed properties so unrelated remote-side
// fields are untouched.
func (c *Client) PatchTask(ctx context.Context, id string, fields map[string]any, ifMatch string) (*model.RemoteTask, error) {
	var out model.RemoteTask
	etag, err := c.do(ctx, http.MethodPatch, "/tasks/"+id, token.OpClassTask, fields, ifMatch, "", &out)
	if err != nil {
		return nil, err
	}
	out.ID = id
	out.ETag = etag
	return &out, nil
}

// DeleteTask conditionally deletes a task ("DELETE
// /tasks/{id}").
func (c *Client) DeleteTask(ctx context.Context, id, ifMatch string) error {
	_, err := c.do(ctx, http.MethodDelete, "/tasks/"+id, token.OpClassTask, nil, ifMatch, "", nil)
	return err
}

// ListPlanTasks lists every task under a plan ("GET
// /plans/{id}/tasks").
func (c *Client) ListPlanTasks(ctx context.Context, planID string) ([]model.RemoteTask, error) {
	var out struct {
		Value []model.RemoteTask `json:"value"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/plans/"+planID+"/tasks", token.OpClassTask, nil, "", "", &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// Bucket is a plan's task bucket ("GET /plans/{id}/buckets").
type Bucket struct {
	ID string `json:"id"`
	Name string `json:"name"`
}

// ListPlanBuckets lists buckets within a plan.
func (c *Client) ListPlanBuckets(ctx context.Context, planID string) ([]Bucket, error) {
	var out struct {
		Value []Bucket `json:"value"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/plans/"+planID+"/buckets", token.OpClassTenantRead, nil, "", "", &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// GroupPlan is a plan owned by a group ("GET
// /groups/{id}/plans").
type GroupPlan struct {
	ID string `json:"id"`
	Title string `json:"title"`
}

// ListGroupPlans lists plans owned by groupID.
func (c *Client) ListGroupPlans(ctx context.Context, groupID string) ([]GroupPlan, error) {
	var out struct {
		Value []GroupPlan `json:"value"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/groups/"+groupID+"/plans", token.OpClassTenantRead, nil, "", "", &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// Subscription is a change-notification subscription as the planner's
// /subscriptions endpoints consume and produce it.
type Subscription struct {
	ID string `json:"id"`
	Resource string `json:"resource"`
	ChangeType string `json:"changeType"`
	NotificationURL string `json:"notificationUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState string `json:"clientState,omitempty"`
}

// opClassFor picks the subscription's token kind by its resource family:
// chat/channel subscriptions use the application credential, everything
// else delegated.
func opClassFor(resource string) token.OpClass {
	switch {
	case len(resource) >= 5 && resource[:5] == "chats":
		return token.OpClassChatSubscription
	case len(resource) >= 6 && resource[:6] == "teams/":
		return token.OpClassChannelSubscription
	default:
		return token.OpClassTask
	}
}

// CreateSubscription registers a new subscription.
func (c *Client) CreateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	var out Subscription
	if _, err := c.do(ctx, http.MethodPost, "/subscriptions", opClassFor(sub.Resource), sub, "", "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RenewSubscription extends a subscription's expirationDateTime.
func (c *Client) RenewSubscription(ctx context.Context, id, resource, expiration string) (*Subscription, error) {
	body := map[string]string{"expirationDateTime": expiration}
	var out Subscription
	if _, err := c.do(ctx, http.MethodPatch, "/subscriptions/"+id, opClassFor(resource), body, "", "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSubscription tears down a subscription.
func (c *Client) DeleteSubscription(ctx context.Context, id, resource string) error {
	_, err := c.do(ctx, http.MethodDelete, "/subscriptions/"+id, opClassFor(resource), nil, "", "", nil)
	return err
}

// alternateKind returns the other credential kind, used for the
// delegated<->application fallback-and-retry-once on a 403.
func alternateKind(k token.Kind) token.Kind {
	if k == token.KindDelegated {
		return token.KindApplication
	}
	return token.KindDelegated
}

// do issues a single logical request, applying rate limiting, retry with
// exponential backoff and jitter (min(2^attempt, 300)s),
// and the conditional-write headers. A 403 is retried exactly once with
// the alternate credential kind before being surfaced as unrecoverable;
// that single rule covers both task operations and subscription
// management. It returns the response ETag.
func (c *Client) do(ctx context.Context, method, path string, op token.OpClass, body any, ifMatch, ifNoneMatch string, out any) (string, error) {
	var respETag string
	kind := token.KindForOperation(op)
	triedAlternateKind := false

	retrier := retry.New(
		retry.Attempts(c.maxAttempts),
		retry.Context(ctx),
		retry.Delay(time.Second),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxDelay(300*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.LastErrorOnly(true))

	err := retrier.Do(func() error {
			tok, err := c.tokens.TokenFor(ctx, kind)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("planner: acquire token: %w", err))
			}

			limitCtx := WithKey(ctx, string(kind))
			if err := c.limiter.Wait(limitCtx); err != nil {
				return err
			}

			var bodyReader io.Reader
			if body != nil {
				encoded, err := json.Marshal(body)
				if err != nil {
					return retry.Unrecoverable(fmt.Errorf("planner: encode request body: %w", err))
				}
				bodyReader = bytes.NewReader(encoded)
			}

			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("planner: build request: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+tok)
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if ifMatch != "" {
				req.Header.Set("If-Match", ifMatch)
			}
			if ifNoneMatch != "" {
				req.Header.Set("If-None-Match", ifNoneMatch)
			}

			start := time.Now()
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("planner: %s %s: %w", method, path, err)
			}
			defer resp.Body.Close()

			observability.PlannerRequestDuration.
				WithLabelValues(method, statusClass(resp.StatusCode)).
				Observe(time.Since(start).Seconds())

			respETag = resp.Header.Get("ETag")

			if resp.StatusCode == http.StatusTooManyRequests {
				observability.PlannerRateLimitedTotal.Inc()
			}

			if resp.StatusCode == http.StatusNotModified {
				return retry.Unrecoverable(ErrNotModified)
			}

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				statusErr := classifyResponse(resp, method, path, string(data)).(*StatusError)
				if statusErr.Status == http.StatusTooManyRequests {
					c.limiter.Pause(string(kind), retryDelayFor(statusErr))
					return statusErr
				}
				if statusErr.Status == http.StatusForbidden && !triedAlternateKind {
					triedAlternateKind = true
					kind = alternateKind(kind)
					return statusErr
				}
				if statusErr.Status >= 500 {
					return statusErr
				}
				// 4xx other than 429/403-with-fallback-remaining are not
				// retried: the caller (upload/download pipeline,
				// subscription manager) decides what a 404/412/401/400 or a
				// 403 that survived both credential kinds means for the
				// operation in flight.
				return retry.Unrecoverable(statusErr)
			}

			if out != nil && resp.StatusCode != http.StatusNoContent {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return retry.Unrecoverable(fmt.Errorf("planner: decode response: %w", err))
				}
			}
			return nil
	})

	return respETag, err
}

func retryDelayFor(e *StatusError) time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return 30 * time.Second
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
