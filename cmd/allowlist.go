package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"timelessbot/pkg/auth"
	"timelessbot/pkg/config"
	"timelessbot/pkg/queue/redisq"
)

var allowlistCmd = &cobra.Command{
	Use:   "allowlist",
	Short: "Print the resolved sender allow list",
	Long:  "Loads the allow list from the configured source (static, file or redis) and prints the normalized senders.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var client redis.UniversalClient
		if cfg.AllowList.Source == "redis" {
			redisClient, err := redisq.Open(ctx, cfg.Queue.RedisURL)
			if err != nil {
				return err
			}
			defer redisClient.Close()
			client = redisClient
		}

		store, err := auth.NewStore(cfg.AllowList, client)
		if err != nil {
			return err
		}

		return printAllowList(ctx, cmd.OutOrStdout(), cfg.AllowList.Source, store)
	},
}

func init() {
	allowlistCmd.SilenceUsage = true
	rootCmd.AddCommand(allowlistCmd)
}

func printAllowList(ctx context.Context, out io.Writer, source string, store auth.Store) error {
	filter := auth.NewFilter(store, nil)
	if err := filter.Refresh(ctx); err != nil {
		return err
	}

	snapshot := filter.Current()
	senders := snapshot.Senders()
	fmt.Fprintf(out, "source: %s\nloaded: %s\nsenders: %d\n", source, snapshot.LoadedAt.Format(time.RFC3339), len(senders))
	for _, sender := range senders {
		fmt.Fprintf(out, "  %s\n", sender)
	}

	return nil
}
