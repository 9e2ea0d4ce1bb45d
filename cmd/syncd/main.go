// Command syncd is the sync engine's process entrypoint: it wires every
// component the daemon needs into a running process under one
// supervisor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/itskum47/tasksync/internal/adapter"
	"github.com/itskum47/tasksync/internal/archive"
	"github.com/itskum47/tasksync/internal/config"
	"github.com/itskum47/tasksync/internal/download"
	"github.com/itskum47/tasksync/internal/housekeeper"
	"github.com/itskum47/tasksync/internal/idempotency"
	"github.com/itskum47/tasksync/internal/metacache"
	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/planner"
	"github.com/itskum47/tasksync/internal/redisstore"
	"github.com/itskum47/tasksync/internal/streamhub"
	"github.com/itskum47/tasksync/internal/subscription"
	"github.com/itskum47/tasksync/internal/supervisor"
	"github.com/itskum47/tasksync/internal/token"
	"github.com/itskum47/tasksync/internal/upload"
	"github.com/itskum47/tasksync/internal/webhook"
)

// announceChannel is the pub/sub channel agents may publish fine-grained
// change announcements on.
const announceChannel = "tasks/announce"

// families lists every resource family the subscription manager and
// housekeeper track.
var families = []model.Family{
	model.FamilyGroupActivity,
	model.FamilyChatMessages,
	model.FamilyChannelMessages,
	model.FamilyUserMessageStream,
}

// subscriptionResources maps each family to the external planner's
// resource path template for it.
var subscriptionResources = map[model.Family]string{
	model.FamilyGroupActivity:      "groups/{tenant}/activities",
	model.FamilyChatMessages:       "chats/getAllMessages",
	model.FamilyChannelMessages:    "teams/getAllMessages",
	model.FamilyUserMessageStream:  "users/getAllMessages",
}

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "syncd",
		Short: "bidirectional agent/planner task sync daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; see env TASKSYNC_*)")

	root.AddCommand(newRunCmd(), newHousekeepCmd(), newTokenCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start every sync component and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

func newHousekeepCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "housekeep",
		Short: "run the housekeeper's maintenance pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			if err != nil {
				return err
			}
			defer store.Close()

			acquirer := token.NewDirectoryAcquirer(cfg.DirectoryTokenURL, cfg.DirectoryClientID, cfg.DirectoryClientSecret, cfg.DirectoryScope, cfg.DelegatedUsername, cfg.DelegatedPassword)
			tokens := token.NewService(store.Client(), acquirer)
			plannerClient := planner.NewClient(cfg.PlannerBaseURL, tokens, cfg.PlannerRequestsPerSec, cfg.PlannerBurst)
			hk := housekeeper.New(store, tokens, plannerClient, families, cfg.PendingOpsSoftLimit)

			if once {
				hk.RunOnce(cmd.Context())
				return nil
			}
			hk.Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single maintenance pass and exit, instead of the 5-minute cadence")
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "credential diagnostics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "print the age of each cached credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			if err != nil {
				return err
			}
			defer store.Close()

			acquirer := token.NewDirectoryAcquirer(cfg.DirectoryTokenURL, cfg.DirectoryClientID, cfg.DirectoryClientSecret, cfg.DirectoryScope, cfg.DelegatedUsername, cfg.DelegatedPassword)
			tokens := token.NewService(store.Client(), acquirer)
			for _, kind := range []token.Kind{token.KindDelegated, token.KindApplication} {
				age, ok := tokens.Age(cmd.Context(), kind)
				if !ok {
					fmt.Printf("%-12s absent\n", kind)
					continue
				}
				fmt.Printf("%-12s stored %s ago\n", kind, age.Round(time.Second))
			}
			return nil
		},
	})
	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	store, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer store.Close()
	store.EnsureKeyspaceNotifications(ctx)

	acquirer := token.NewDirectoryAcquirer(cfg.DirectoryTokenURL, cfg.DirectoryClientID, cfg.DirectoryClientSecret, cfg.DirectoryScope, cfg.DelegatedUsername, cfg.DelegatedPassword)
	tokens := token.NewService(store.Client(), acquirer)

	plannerClient := planner.NewClient(cfg.PlannerBaseURL, tokens, cfg.PlannerRequestsPerSec, cfg.PlannerBurst)

	userIDs := adapter.UserIDMap(cfg.UserIDMap)
	mapper := adapter.NewMapper(store)

	bucketCache := metacache.New(store, "bucket_for_plan", func(ctx context.Context, planID string) (string, error) {
		buckets, err := plannerClient.ListPlanBuckets(ctx, planID)
		if err != nil {
			return "", err
		}
		if len(buckets) == 0 {
			return "", fmt.Errorf("plan %s has no buckets", planID)
		}
		return buckets[0].ID, nil
	})

	var archiveStore *archive.Store
	if cfg.PostgresDSN != "" {
		archiveStore, err = archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open archive store: %w", err)
		}
		defer archiveStore.Close()
	}

	dedupe := idempotency.NewStore(store)
	receiverOpts := []webhook.Option{}
	if archiveStore != nil {
		receiverOpts = append(receiverOpts, webhook.WithArchiver(archiveStore.WriteWebhookLog))
	}
	receiver := webhook.NewReceiver(store, dedupe, receiverOpts...)

	downloadPipeline := download.NewPipeline(store, plannerClient, mapper, userIDs, cfg.ConflictGraceWindow, "planner_sync")
	poller := download.NewPoller(downloadPipeline, cfg.DefaultPlanID, cfg.PollIntervalActive, cfg.PollIntervalQuiet)
	receiver.OnWebhook(poller.NotifyWebhook)

	uploadPipeline := upload.NewPipeline(store, cfg.PendingOpsSoftLimit)
	hub := streamhub.NewHub(store)
	workerOpts := []upload.WorkerOption{
		upload.WithBucketResolver(bucketCache.Get),
		upload.WithConflictResolver(downloadPipeline),
		upload.WithArchiver(func(e model.SyncLogEntry) {
			hub.BroadcastSyncEvent(e)
			if archiveStore != nil {
				archiveStore.WriteSyncLog(e)
			}
		}),
	}

	subManager := subscription.NewManager(store, plannerClient, cfg.WebhookPublicURL, cfg.WebhookClientStatePrefix, subscriptionResources)
	receiver.OnLifecycle(func(n model.Notification) { subManager.HandleLifecycle(ctx, n) })
	hk := housekeeper.New(store, tokens, plannerClient, families, cfg.PendingOpsSoftLimit)

	sup := supervisor.New()
	sup.Add("token-refresher", tokens.RunRefresher)
	sup.Add("upload-diff", func(ctx context.Context) { uploadPipeline.Run(ctx, announceChannel) })
	for i := 0; i < cfg.UploadWorkers; i++ {
		w := upload.NewWorker(store, plannerClient, mapper, userIDs, cfg.DefaultPlanID, cfg.DefaultBucketID, workerOpts...)
		sup.Add(fmt.Sprintf("upload-worker-%d", i), w.Run)
	}
	for i := 0; i < cfg.DownloadWorkers; i++ {
		sup.Add(fmt.Sprintf("download-worker-%d", i), func(ctx context.Context) { downloadPipeline.Run(ctx, receiver.Queue()) })
	}
	sup.Add("download-poller", func(ctx context.Context) {
		poller.Run(ctx, func(ctx context.Context) ([]string, error) {
			tasks, err := plannerClient.ListPlanTasks(ctx, cfg.DefaultPlanID)
			if err != nil {
				return nil, err
			}
			ids := make([]string, len(tasks))
			for i, t := range tasks {
				ids[i] = t.ID
			}
			return ids, nil
		})
	})
	subManager.EnsureAll(ctx)
	sup.Add("subscription-renewals", subManager.RunRenewals)
	sup.Add("housekeeper", hk.Run)
	sup.Add("operator-feed", hub.Run)
	if archiveStore != nil {
		sup.Add("archive-writer", archiveStore.Run)
	}
	sup.Add("http-server", func(ctx context.Context) { runHTTPServer(ctx, cfg, store, receiver, hub) })

	sup.Run(ctx)
	return nil
}

// runHTTPServer serves the engine's exposed surface: the health endpoint,
// the webhook receiver, the operator live feed, and a Prometheus scrape
// endpoint.
func runHTTPServer(ctx context.Context, cfg *config.Config, store *redisstore.Store, receiver *webhook.Receiver, hub *streamhub.Hub) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap, err := store.GetHealth(r.Context())
		if err != nil {
			http.Error(w, "health snapshot unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			log.Printf("http: write health response: %v", err)
		}
	})
	mux.HandleFunc("/webhook", receiver.ServeHTTP)
	mux.HandleFunc("/stream", hub.Handler)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), supervisor.ShutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("syncd: listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("syncd: http server exited: %v", err)
	}
}

func init() {
	if os.Getenv("TASKSYNC_DEBUG") != "" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
}
