package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drgolem/mrrb/internal/logging"
	"github.com/drgolem/mrrb/retarget"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string

	// SinkFilter selects a subset of the configured sinks by name.
	SinkFilter string
}

var rootCmd = &cobra.Command{
	Use:   "mrrbcat",
	Short: "Copy stdin through a multiple-reader ring buffer into the configured sinks",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.Flags().StringVarP(&cmd.SinkFilter, "sinks", "s", "", "Glob selecting the configured sinks to enable")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := retarget.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.SinkFilter != "" {
		if err := filterSinks(cfg, cmd.SinkFilter); err != nil {
			return err
		}
	}

	logger, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rt, err := retarget.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize retarget: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	// Stdin cannot be read with cancellation; the copier runs on the side
	// and is abandoned if a signal wins the race. Stop closes the buffer,
	// which fails the copier's next write.
	copied := make(chan error, 1)
	go func() {
		n, err := io.Copy(rt, os.Stdin)
		logger.Info("stdin drained", zap.Int64("bytes", n))
		copied <- err
	}()

	var copyErr error
	select {
	case <-ctx.Done():
		logger.Info("caught signal, shutting down")
	case copyErr = <-copied:
	}

	if err := rt.Stop(); err != nil {
		logger.Warn("retarget stop failed", zap.Error(err))
	}
	return copyErr
}

// filterSinks keeps only the sinks whose name matches the pattern.
func filterSinks(cfg *retarget.Config, pattern string) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("bad sink filter %q: %w", pattern, err)
	}
	kept := cfg.Sinks[:0]
	for _, sc := range cfg.Sinks {
		if g.Match(sc.Name) {
			kept = append(kept, sc)
		}
	}
	if len(kept) == 0 {
		return fmt.Errorf("sink filter %q matches no configured sink", pattern)
	}
	cfg.Sinks = kept
	return nil
}
