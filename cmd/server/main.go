package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/koopa0/system-design/14-study-lobby/internal/config"
	"github.com/koopa0/system-design/14-study-lobby/pkg/logger"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// newRootCommand 根命令，不帶子命令時等同 serve
func newRootCommand() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:           "study-lobby",
		Short:         "Real-time lobby, presence and leaderboard service for the study idle game",
		SilenceErrors: true,
		Example: `
  # 使用設定檔啟動
  study-lobby --config config.yaml

  # 只用環境變數
  STUDY_RANK_BACKEND=redis STUDY_REDIS_ADDR=localhost:6379 study-lobby serve

  # 執行資料庫遷移
  study-lobby migrate up --config config.yaml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context(), configPath(cmd), opts)
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file (defaults and STUDY_* env only when empty)")
	opts.bind(cmd)

	cmd.AddCommand(newServeCommand(), newMigrateCommand())
	return cmd
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

// setup 載入配置並建立 logger
func setup(path string) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, closer, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
		TimeZone:  cfg.Log.TimeZone,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}
	slog.SetDefault(log)

	return cfg, log, closer, nil
}
