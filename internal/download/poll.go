package download

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/itskum47/tasksync/internal/observability"
)

// webhookQuietThreshold is how long webhooks must have been silent
// before the poller steps back in for a family.
const webhookQuietThreshold = 10 * time.Minute

// Poller periodically lists the default plan's tasks as a fallback for
// missed or delayed webhook deliveries, backing off to a quiet interval
// while webhooks are flowing normally.
type Poller struct {
	pipeline *Pipeline
	planID string
	activeInterval time.Duration
	quietInterval time.Duration

	lastWebhookAt atomic.Int64 // unix seconds
}

// NewPoller builds a Poller. Use NotifyWebhook to reset the quiet timer on
// every live webhook delivery.
func NewPoller(pipeline *Pipeline, planID string, activeInterval, quietInterval time.Duration) *Poller {
	p := &Poller{
		pipeline: pipeline,
		planID: planID,
		activeInterval: activeInterval,
		quietInterval: quietInterval,
	}
	p.lastWebhookAt.Store(time.Now().Unix())
	return p
}

// NotifyWebhook records that a webhook notification just arrived, keeping
// the poller in quiet mode.
func (p *Poller) NotifyWebhook() {
	p.lastWebhookAt.Store(time.Now().Unix())
}

// Run ticks forever at the active or quiet interval (whichever the
// current webhook-silence duration calls for) until ctx is cancelled.
// listIDs is the ordered list of remote task ids under the default plan;
// it's injected as a plain function (rather than a PlanLister interface
// value) to keep this file decoupled from the concrete planner client.
func (p *Poller) Run(ctx context.Context, listIDs func(ctx context.Context) ([]string, error)) {
	timer := time.NewTimer(p.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.tick(ctx, listIDs)
			timer.Reset(p.currentInterval())
		}
	}
}

func (p *Poller) tick(ctx context.Context, listIDs func(ctx context.Context) ([]string, error)) {
	family := "task_graph"
	ids, err := listIDs(ctx)
	if err != nil {
		log.Printf("download: poll list plan %s failed: %v", p.planID, err)
		return
	}
	observability.PollTicksTotal.WithLabelValues(family).Inc()
	for _, id := range ids {
		p.pipeline.ProcessRemoteID(ctx, id)
	}
}

func (p *Poller) currentInterval() time.Duration {
	silentFor := time.Since(time.Unix(p.lastWebhookAt.Load(), 0))
	if silentFor >= webhookQuietThreshold {
		return p.activeInterval
	}
	return p.quietInterval
}
