package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/tracevia/internal/config"
	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/engine"
	"firestige.xyz/tracevia/internal/log"
	"firestige.xyz/tracevia/pkg/plugin"
)

var (
	surface     string
	replayFile  string
	replaySpeed float64
	iface       string
	stopTimeout time.Duration
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start monitoring SIP traffic",
	Long: `
Start the monitor in the foreground. It runs until interrupted or, when
replaying a trace, until the trace ends.

Examples:
  tracevia start                                  # Live capture with built-in defaults
  tracevia start -c tracevia.yaml                 # Live capture configured by tracevia.yaml
  tracevia start --replay call.pcap --speed 1     # Replay a trace in real time
  tracevia start -i eth0 --surface noc-wall       # Capture on eth0, frames tagged noc-wall
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyStartFlags(cmd, cfg); err != nil {
			return err
		}

		closer, err := log.Init(cfg.Log)
		if err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		defer closer.Close()

		sink, err := engine.BuildSinks(cfg.Sinks)
		if err != nil {
			return err
		}
		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runMonitor(ctx, eng, surface, sink, stopTimeout)
	},
}

func init() {
	startCmd.Flags().StringVar(&surface, "surface", "default", "surface id stamped on every frame")
	startCmd.Flags().StringVarP(&replayFile, "replay", "r", "", "replay a pcap/pcapng file instead of capturing live")
	startCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "replay pacing relative to capture time, 0 for as fast as possible")
	startCmd.Flags().StringVarP(&iface, "interface", "i", "", "interface for live capture")
	startCmd.Flags().DurationVarP(&stopTimeout, "timeout", "t", 5*time.Second, "shutdown timeout")
}

// applyStartFlags overlays explicitly set flags on cfg and validates the
// result.
func applyStartFlags(cmd *cobra.Command, cfg *config.GlobalConfig) error {
	flags := cmd.Flags()
	if flags.Changed("replay") {
		cfg.Source.Type = config.SourceReplay
		cfg.Source.File = replayFile
	}
	if flags.Changed("speed") {
		cfg.Source.Speed = replaySpeed
	}
	if flags.Changed("interface") {
		cfg.Source.Type = config.SourceLive
		cfg.Source.Interface = iface
	}
	return cfg.ValidateAndApplyDefaults()
}

// monitor is the part of the engine the start command drives.
type monitor interface {
	Start(ctx context.Context, surface string, sink plugin.Reporter) error
	Stop(ctx context.Context) error
	Wait() error
}

// runMonitor starts m and blocks until ctx is cancelled or the source ends.
// A finished replay is a normal exit.
func runMonitor(ctx context.Context, m monitor, surface string, sink plugin.Reporter, timeout time.Duration) error {
	if err := m.Start(ctx, surface, sink); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- m.Wait() }()

	select {
	case err := <-waitErr:
		return exitStatus(err)
	case <-ctx.Done():
	}

	slog.Info("shutting down", "timeout", timeout)
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.Stop(sctx); err != nil {
		return fmt.Errorf("stop monitor: %w", err)
	}
	return exitStatus(<-waitErr)
}

func exitStatus(err error) error {
	if errors.Is(err, core.ErrSourceExhausted) {
		slog.Info("replay finished")
		return nil
	}
	return err
}
