package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/koopa0/system-design/14-study-lobby/internal/api"
	"github.com/koopa0/system-design/14-study-lobby/internal/cache"
	"github.com/koopa0/system-design/14-study-lobby/internal/config"
	"github.com/koopa0/system-design/14-study-lobby/internal/jobs"
	"github.com/koopa0/system-design/14-study-lobby/internal/metrics"
	"github.com/koopa0/system-design/14-study-lobby/internal/orchestrator"
	"github.com/koopa0/system-design/14-study-lobby/internal/presence"
	"github.com/koopa0/system-design/14-study-lobby/internal/rank"
	"github.com/koopa0/system-design/14-study-lobby/internal/realtime"
	"github.com/koopa0/system-design/14-study-lobby/internal/relay"
	"github.com/koopa0/system-design/14-study-lobby/internal/store"
	"github.com/koopa0/system-design/14-study-lobby/internal/store/migrations"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	migrate bool
}

func (o *serveOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.migrate, "migrate", true, "apply pending database migrations before serving")
}

func newServeCommand() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context(), configPath(cmd), opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

// runServe 組裝所有元件並運行到收到停止訊號
//
// 關閉順序：HTTP → 背景任務 → 跨實例轉發 → 連線 → 外部連線池
func runServe(ctx context.Context, path string, opts serveOptions) error {
	cfg, log, closer, err := setup(path)
	if err != nil {
		return err
	}
	defer closer.Close()

	log.Info("starting study lobby",
		"pid", os.Getpid(),
		"rank_backend", cfg.Rank.Backend,
		"max_connections", cfg.Realtime.MaxConnections)

	m := metrics.New()
	checks := make(map[string]api.Check)

	// 1. PostgreSQL（權威資料）
	if opts.migrate {
		if err := applyMigrations(cfg, log); err != nil {
			return err
		}
	}
	pool, err := store.NewPool(ctx, cfg.PostgresDSN(), cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()
	pg := store.NewPostgres(pool, cfg.Location(), log)
	checks["postgres"] = pg.Ping

	// 2. 排行榜
	board, redisClient, err := newBoard(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	// 3. 即時連線
	manager := realtime.NewManager(cfg.Realtime, presence.NewRegistry(), m, log)
	defer manager.Close()

	// 4. 跨實例轉發（可選）
	if cfg.NATS.URL != "" {
		conn, rl, err := startRelay(cfg, manager, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer func() {
			if err := rl.Close(); err != nil {
				log.Warn("close relay failed", "error", err)
			}
		}()
		manager.SetPublisher(rl)
		checks["nats"] = func(context.Context) error {
			if !conn.IsConnected() {
				return fmt.Errorf("nats status %s", conn.Status())
			}
			return nil
		}
	}

	// 5. 背景任務
	users := cache.NewUserCache(cfg.Cache.Capacity, cfg.Cache.TTL, pg)
	orch, err := orchestrator.New(buildJobs(cfg, pg, board, users, m, log), m, log)
	if err != nil {
		return err
	}
	orch.Start()
	defer func() {
		if err := orch.Stop(); err != nil {
			log.Error("background job terminated", "error", err)
		}
	}()

	// 6. HTTP
	handler := api.NewHandler(api.Deps{
		Manager:      manager,
		Upgrader:     realtime.NewUpgrader(cfg.Realtime.AllowedOrigins),
		Board:        board,
		Users:        users,
		Orchestrator: orch,
		Metrics:      m,
		Checks:       checks,
		Logger:       log,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Server.Port)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			// 強制關閉伺服器
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	log.Info("server stopped")
	return nil
}

func applyMigrations(cfg *config.Config, log *slog.Logger) error {
	m, err := migrations.New(cfg.PostgresURL(), log)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

// newBoard 依設定選擇記憶體或 Redis 排行榜
func newBoard(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (*rank.Board, *redis.Client, error) {
	if cfg.Rank.Backend != "redis" {
		return rank.NewMemoryBoard(cfg.Rank.TTL, m, log), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	return rank.NewRedisBoard(client, cfg.Rank.KeyPrefix, cfg.Rank.TTL, m, log), client, nil
}

func startRelay(cfg *config.Config, manager *realtime.Manager, log *slog.Logger) (*nats.Conn, *relay.Relay, error) {
	name := "study-lobby"
	if host, err := os.Hostname(); err == nil {
		name += "@" + host
	}

	conn, err := relay.Connect(cfg.NATS.URL, name, log)
	if err != nil {
		return nil, nil, err
	}

	rl := relay.New(conn, cfg.NATS.SubjectPrefix, manager, log)
	if err := rl.Start(); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, rl, nil
}

// buildJobs 依設定建立啟用的背景任務
func buildJobs(cfg *config.Config, pg *store.Postgres, board *rank.Board, users *cache.UserCache, m *metrics.Metrics, log *slog.Logger) []orchestrator.Job {
	var list []orchestrator.Job
	if cfg.Jobs.Sync.Enabled {
		list = append(list, jobs.NewSyncJob(pg, board, cfg.Jobs.Sync, log).WithUserCache(pg, users))
	}
	if cfg.Jobs.Reset.Enabled {
		list = append(list, jobs.NewResetJob(board, cfg.Location(), log))
	}
	if cfg.Jobs.Sweep.Enabled {
		list = append(list, jobs.NewSweepJob(users, cfg.Jobs.Sweep, m, log))
	}
	return list
}
