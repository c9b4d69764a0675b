// Command dedupv1 starts, stops, replays, checks, and garbage-collects a
// content-addressed block store (spec.md §6.3).
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"gastrolog/internal/config"
	"gastrolog/internal/engine"
	"gastrolog/internal/errs"
	"gastrolog/internal/logging"
)

// Exit codes (spec.md §6.3): 0 = success, 1 = config error, 2 = data error.
const (
	exitOK     = 0
	exitConfig = 1
	exitData   = 2
)

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{Use: "dedupv1", Short: "Content-addressed deduplicating block store"}
	rootCmd.PersistentFlags().String("dir", "", "store directory")

	rootCmd.AddCommand(
		startCmd(logger, filterHandler),
		stopCmd(logger),
		replayCmd(logger),
		checkCmd(logger),
		gcCmd(logger),
	)

	os.Exit(runRoot(rootCmd))
}

func runRoot(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		switch errs.KindOf(err) {
		case errs.ConfigError:
			return exitConfig
		case errs.Unknown:
			return exitConfig
		default:
			return exitData
		}
	}
	return exitOK
}

func startCmd(logger *slog.Logger, filterHandler *logging.ComponentFilterHandler) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start serving from the store directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			create, _ := cmd.Flags().GetBool("create")
			noCreate, _ := cmd.Flags().GetBool("no-create")
			force, _ := cmd.Flags().GetBool("force")
			readonly, _ := cmd.Flags().GetBool("readonly")

			sctx := config.StartContext{
				Dir:      dir,
				Create:   create,
				NoCreate: noCreate,
				Force:    force,
				Readonly: readonly,
				FileMode: 0o640,
				DirMode:  0o750,
			}

			e, err := engine.Open(sctx, config.DefaultFormat(), logger)
			if err != nil {
				return err
			}

			levelFile, _ := cmd.Flags().GetString("log-level-file")
			if levelFile != "" {
				watcher, err := logging.NewLevelFileWatcher(levelFile, filterHandler, logger)
				if err != nil {
					return err
				}
				defer func() { _ = watcher.Close() }()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			logger.Info("engine started", "dir", dir)
			return e.Run(ctx)
		},
	}
	cmd.Flags().Bool("create", false, "initialize a new store if the directory is empty")
	cmd.Flags().Bool("no-create", false, "fail instead of initializing a new store")
	cmd.Flags().Bool("force", false, "skip a corrupted log page during dirty-start replay instead of aborting")
	cmd.Flags().Bool("readonly", false, "refuse writes")
	cmd.Flags().String("log-level-file", "", "path to a component=level file watched for live log verbosity changes")
	return cmd
}

func stopCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running store cleanly",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			writeback, _ := cmd.Flags().GetBool("writeback")
			fast, _ := cmd.Flags().GetBool("fast")
			if fast && !cmd.Flags().Changed("writeback") {
				writeback = false
			}

			e, err := engine.Open(config.StartContext{Dir: dir, NoCreate: true}, config.DefaultFormat(), logger)
			if err != nil {
				return err
			}
			return e.Stop(config.StopContext{Writeback: writeback, Fast: fast})
		},
	}
	cmd.Flags().Bool("writeback", true, "flush the write cache and wait for every pending commit")
	cmd.Flags().Bool("fast", false, "skip the flush, relying on replay to recover on the next start")
	return cmd
}

func replayCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay the log from the last clean stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			e, err := engine.Open(config.StartContext{Dir: dir, NoCreate: true, Dirty: true}, config.DefaultFormat(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = e.Stop(config.StopContext{Writeback: true}) }()
			return e.Replay(context.Background())
		},
	}
}

func checkCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify structural integrity of the on-disk log",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			e, err := engine.Open(config.StartContext{Dir: dir, NoCreate: true, Readonly: true}, config.DefaultFormat(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = e.Stop(config.StopContext{Fast: true}) }()
			if err := e.Check(context.Background()); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func gcCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Control or force the background garbage collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			pause, _ := cmd.Flags().GetBool("pause")
			resume, _ := cmd.Flags().GetBool("resume")
			start, _ := cmd.Flags().GetBool("start")
			stop, _ := cmd.Flags().GetBool("stop")

			e, err := engine.Open(config.StartContext{Dir: dir, NoCreate: true}, config.DefaultFormat(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = e.Stop(config.StopContext{Writeback: true}) }()

			switch {
			case pause, stop:
				e.PauseGC()
			case resume:
				e.ResumeGC()
			case start:
				return e.RunGCOnce(context.Background())
			}
			return nil
		},
	}
	cmd.Flags().Bool("pause", false, "pause background garbage collection")
	cmd.Flags().Bool("resume", false, "resume background garbage collection")
	cmd.Flags().Bool("start", false, "force one sweep/merge pass now")
	cmd.Flags().Bool("stop", false, "alias for --pause")
	return cmd
}
