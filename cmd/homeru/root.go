package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Homeru/common/version"
	"github.com/bdobrica/Homeru/internal/homeru/app"
	"github.com/bdobrica/Homeru/internal/homeru/ledger"
)

func newRoot(cfg app.Config, logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "homeru",
		Short:         "Homeru records check-ins and answers mentions in group chats",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(cfg, logger))
	root.AddCommand(newStatsCommand(cfg, logger))
	root.AddCommand(newVersionCommand())
	return root
}

func newServeCommand(cfg app.Config, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the chat network and run the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("watch-config") {
				cfg.WatchConfig, _ = cmd.Flags().GetBool("watch-config")
			}
			logger.Info("starting homeru", "version", version.Version, "commit", version.GitCommit)

			bot, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer bot.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return bot.Run(ctx)
		},
	}
	cmd.Flags().Bool("watch-config", cfg.WatchConfig, "reapply the config file when it changes")
	return cmd
}

func newStatsCommand(cfg app.Config, logger *slog.Logger) *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print check-in counts per person",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeFn, err := app.OpenLedger(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			entries := ledger.Rank(l.Stats(cmd.Context(), room))
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no check-ins")
				return nil
			}
			total := 0
			for i, e := range entries {
				fmt.Fprintf(out, "%3d. %s\t%d\n", i+1, e.Name, e.Count)
				total += e.Count
			}
			fmt.Fprintf(out, "total\t%d\n", total)
			return nil
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "only count check-ins from this room name")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.Info())
		},
	}
}
