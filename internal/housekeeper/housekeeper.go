// Package housekeeper runs the periodic maintenance duties that belong to
// no single pipeline: mapping asymmetry repair, metadata TTL re-assertion,
// and publishing the health snapshot external monitoring watches.
package housekeeper

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/observability"
	"github.com/itskum47/tasksync/internal/planner"
	"github.com/itskum47/tasksync/internal/redisstore"
	"github.com/itskum47/tasksync/internal/token"
)

// staleMappingAge is how long a mapping may go unconfirmed before the
// housekeeper revalidates it against the remote side.
const staleMappingAge = 24 * time.Hour

// RemoteClient is the subset of *planner.Client the housekeeper needs to
// revalidate stale mappings.
type RemoteClient interface {
	GetTask(ctx context.Context, id string) (*model.RemoteTask, error)
}

// Housekeeper owns the 5-minute maintenance cadence.
type Housekeeper struct {
	store *redisstore.Store
	tokens *token.Service
	remote RemoteClient
	families []model.Family
	pendingOpsSoftLimit int64
}

// New builds a Housekeeper. families lists every resource family the
// health snapshot should report on. pendingOpsSoftLimit mirrors the
// upload pipeline's back-pressure threshold so the published health
// status degrades alongside it rather than only on failed_ops.
func New(store *redisstore.Store, tokens *token.Service, remote RemoteClient, families []model.Family, pendingOpsSoftLimit int64) *Housekeeper {
	return &Housekeeper{store: store, tokens: tokens, remote: remote, families: families, pendingOpsSoftLimit: pendingOpsSoftLimit}
}

// Run schedules the 5-minute pass and blocks until ctx is cancelled.
func (h *Housekeeper) Run(ctx context.Context) {
	c := cron.New()
	_, err := c.AddFunc("@every 5m", func() { h.RunOnce(ctx) })
	if err != nil {
		log.Printf("housekeeper: schedule: %v", err)
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

// RunOnce executes one maintenance pass immediately (used by both the
// scheduled cadence and `syncd housekeep --once`).
func (h *Housekeeper) RunOnce(ctx context.Context) {
	h.repairAsymmetry(ctx)
	h.reassertMetaTTLs(ctx)
	h.purgeStaleMappings(ctx)
	h.publishHealth(ctx)
}

// repairAsymmetry finds forward/reverse mapping pairs left inconsistent
// by a crash mid-bind and restores the missing half.
func (h *Housekeeper) repairAsymmetry(ctx context.Context) {
	forward, err := h.store.AllMappings(ctx)
	if err != nil {
		log.Printf("housekeeper: read forward mappings: %v", err)
		return
	}
	reverse, err := h.store.AllReverseMappings(ctx)
	if err != nil {
		log.Printf("housekeeper: read reverse mappings: %v", err)
		return
	}

	repaired := 0
	for agentID, remoteID := range forward {
		if reverse[remoteID] != agentID {
			if err := h.store.RepairAsymmetry(ctx, agentID, remoteID); err != nil {
				log.Printf("housekeeper: repair %s<->%s failed: %v", agentID, remoteID, err)
				continue
			}
			repaired++
		}
	}
	for remoteID, agentID := range reverse {
		if forward[agentID] != remoteID {
			if err := h.store.RepairAsymmetry(ctx, agentID, remoteID); err != nil {
				log.Printf("housekeeper: repair %s<->%s failed: %v", agentID, remoteID, err)
				continue
			}
			repaired++
		}
	}
	if repaired > 0 {
		observability.HousekeeperRepairedAsymmetry.Add(float64(repaired))
	}
}

// reassertMetaTTLs walks the meta/* namespace and re-applies the 24h TTL
// to any key that somehow lost it.
func (h *Housekeeper) reassertMetaTTLs(ctx context.Context) {
	iter := h.store.Client().Scan(ctx, 0, "meta/*", 200).Iterator()
	for iter.Next(ctx) {
		if _, err := h.store.EnsureMetaTTL(ctx, iter.Val()); err != nil {
			log.Printf("housekeeper: re-assert TTL for %s failed: %v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("housekeeper: meta scan failed: %v", err)
	}
}

// purgeStaleMappings revalidates every mapping whose bind timestamp is
// older than staleMappingAge against the remote side: a confirmed 404
// tears the mapping down, anything else just refreshes the bind
// timestamp so the sweep doesn't re-check it again immediately.
func (h *Housekeeper) purgeStaleMappings(ctx context.Context) {
	if h.remote == nil {
		return
	}
	boundAt, err := h.store.AllBoundAt(ctx)
	if err != nil {
		log.Printf("housekeeper: read bound_at: %v", err)
		return
	}

	now := time.Now().UTC()
	purged := 0
	for agentID, ts := range boundAt {
		if now.Sub(time.Unix(ts, 0).UTC()) < staleMappingAge {
			continue
		}
		remoteID, err := h.store.ResolveRemote(ctx, agentID)
		if err != nil {
			continue
		}

		if _, err := h.remote.GetTask(ctx, remoteID); err != nil {
			if !planner.IsNotFound(err) {
				log.Printf("housekeeper: revalidate stale mapping %s<->%s failed: %v", agentID, remoteID, err)
				continue
			}
			if _, err := h.store.UnbindByAgent(ctx, agentID); err != nil {
				log.Printf("housekeeper: teardown stale mapping %s<->%s failed: %v", agentID, remoteID, err)
				continue
			}
			purged++
			continue
		}

		if err := h.store.TouchBoundAt(ctx, agentID); err != nil {
			log.Printf("housekeeper: refresh bound_at for %s failed: %v", agentID, err)
		}
	}
	if purged > 0 {
		observability.HousekeeperPurgedMappings.Add(float64(purged))
	}
}

// publishHealth assembles and writes the health snapshot, re-arming its
// TTL on every write.
func (h *Housekeeper) publishHealth(ctx context.Context) {
	pending, err := h.store.PendingOpCount(ctx)
	if err != nil {
		log.Printf("housekeeper: pending op count: %v", err)
	}
	failed, err := h.store.FailedOpCount(ctx)
	if err != nil {
		log.Printf("housekeeper: failed op count: %v", err)
	}
	lastSync, err := h.store.GetLastSuccessfulSync(ctx)
	if err != nil {
		log.Printf("housekeeper: last successful sync: %v", err)
	}

	snap := model.HealthSnapshot{
		Status: "ok",
		PendingOpCount: int(pending),
		FailedOpCount: int(failed),
		LastSuccessfulSync: lastSync,
		Subscriptions: make(map[model.Family]model.FamilyHealth, len(h.families)),
		TokenAges: make(map[string]time.Duration, 2),
	}
	if failed > 0 || (h.pendingOpsSoftLimit > 0 && pending > h.pendingOpsSoftLimit) {
		snap.Status = "degraded"
	}

	for _, family := range h.families {
		rec, err := h.store.GetSubscription(ctx, string(family))
		if err != nil {
			snap.Subscriptions[family] = model.FamilyHealth{Status: "disabled"}
			continue
		}
		status := "active"
		if time.Until(rec.ExpirationDateTime) < 0 {
			status = "degraded"
		}
		snap.Subscriptions[family] = model.FamilyHealth{Status: status, LastEventAt: rec.LastEventAt}
	}

	for _, kind := range []token.Kind{token.KindDelegated, token.KindApplication} {
		if age, ok := h.tokens.Age(ctx, kind); ok {
			snap.TokenAges[string(kind)] = age
		}
	}

	if err := h.store.PublishHealth(ctx, snap, redisstore.DefaultHealthTTL); err != nil {
		log.Printf("housekeeper: publish health failed: %v", err)
	}
}
