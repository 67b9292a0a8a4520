package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/igjeong/edgeflow/config"
	"github.com/igjeong/edgeflow/ipc"
	"github.com/igjeong/edgeflow/logging"
	"github.com/igjeong/edgeflow/metrics"
	"github.com/igjeong/edgeflow/pipeline"
)

// snapLen is written to the header of output captures.
const snapLen = 65536

type replayOptions struct {
	configPath string
	ingress    string
	egress     string
	out        string
	hold       bool
}

type replaySummary struct {
	IngressFrames    int
	IngressForwarded int
	EgressFrames     int
	EgressForwarded  int
}

func newReplayCmd() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run captured frames through the pipeline",
		Long: `Runs every frame of the ingress capture through the firewall and the NAT
ingress point, then every frame of the egress capture through the NAT egress
point. Forwarded frames are written to the output capture.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Logging, zap.String("version", version))
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary, err := replay(ctx, cfg, opts, logger)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "edgeflow.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&opts.ingress, "ingress", "", "Capture of frames entering the interface")
	cmd.Flags().StringVar(&opts.egress, "egress", "", "Capture of frames leaving the interface")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write forwarded frames to this capture")
	cmd.Flags().BoolVar(&opts.hold, "hold", false, "Keep serving status, metrics and config reloads until interrupted")
	_ = cmd.MarkFlagRequired("ingress")
	return cmd
}

func replay(ctx context.Context, cfg *config.Config, opts replayOptions, logger *zap.Logger) (replaySummary, error) {
	var summary replaySummary

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return summary, fmt.Errorf("failed to register metrics: %w", err)
	}

	p, err := pipeline.New(cfg, pipeline.WithLogger(logger), pipeline.WithMetrics(m))
	if err != nil {
		return summary, err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("failed to close pipeline", zap.Error(err))
		}
	}()

	if err := p.Start(ctx); err != nil {
		return summary, err
	}

	var out *pcapgo.Writer
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return summary, fmt.Errorf("failed to create output capture: %w", err)
		}
		defer f.Close()

		out = pcapgo.NewWriter(f)
		if err := out.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
			return summary, fmt.Errorf("failed to write capture header: %w", err)
		}
	}

	summary.IngressFrames, summary.IngressForwarded, err = replayCapture(opts.ingress, out, func(frame []byte) bool {
		return p.Ingress(0, frame)
	})
	if err != nil {
		return summary, fmt.Errorf("ingress: %w", err)
	}

	if opts.egress != "" {
		summary.EgressFrames, summary.EgressForwarded, err = replayCapture(opts.egress, out, p.Egress)
		if err != nil {
			return summary, fmt.Errorf("egress: %w", err)
		}
	}

	logger.Info("replay finished",
		zap.Int("ingress_frames", summary.IngressFrames),
		zap.Int("ingress_forwarded", summary.IngressForwarded),
		zap.Int("egress_frames", summary.EgressFrames),
		zap.Int("egress_forwarded", summary.EgressForwarded))

	if opts.hold {
		if err := hold(ctx, cfg, opts.configPath, p, reg, logger); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

func replayCapture(path string, out *pcapgo.Writer, handle func([]byte) bool) (frames, forwarded int, err error) {
	r, closer, err := openCapture(path)
	if err != nil {
		return 0, 0, err
	}
	defer closer.Close()

	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return frames, forwarded, nil
		}
		if err != nil {
			return frames, forwarded, fmt.Errorf("frame %d: %w", frames+1, err)
		}

		frames++
		if !handle(data) {
			continue
		}
		forwarded++

		if out != nil {
			ci.CaptureLength = len(data)
			if err := out.WritePacket(ci, data); err != nil {
				return frames, forwarded, fmt.Errorf("failed to write frame %d: %w", frames, err)
			}
		}
	}
}

// hold serves the status, metrics and config reload endpoints until ctx is
// done.
func hold(ctx context.Context, cfg *config.Config, configPath string, p *pipeline.Pipeline, reg *prometheus.Registry, logger *zap.Logger) error {
	if cfg.IPC.Addr != "" {
		ipcServer := ipc.NewServer(cfg.IPC.Addr, ipc.NewStatusFunc(p, logger), ipc.WithLogger(logger.Named("ipc")))
		if err := ipcServer.Start(); err != nil {
			logger.Warn("failed to start IPC server", zap.Error(err))
		} else {
			logger.Info("IPC server listening", zap.Stringer("addr", ipcServer.Addr()))
			defer ipcServer.Stop()
		}
	}

	if cfg.Metrics.Listen != "" {
		metricsServer := metrics.NewServer(cfg.Metrics.Listen, reg, logger.Named("metrics"))
		if err := metricsServer.Start(); err != nil {
			logger.Warn("failed to start metrics endpoint", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := metricsServer.Stop(shutdownCtx); err != nil {
					logger.Warn("failed to stop metrics endpoint", zap.Error(err))
				}
			}()
		}
	}

	watcher := config.NewWatcher(configPath, logger, func(newCfg *config.Config) error {
		logger.Info("configuration file changed, attempting hot reload")
		if err := p.Reload(newCfg); err != nil {
			logger.Warn("hot reload failed", zap.Error(err))
			return err
		}
		return nil
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("failed to start config watcher", zap.Error(err))
	} else {
		logger.Info("configuration hot-reload enabled", zap.String("path", configPath))
		defer watcher.Stop()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func printSummary(w io.Writer, s replaySummary) {
	fmt.Fprintf(w, "Replay Summary\n")
	fmt.Fprintf(w, "--------------\n")
	fmt.Fprintf(w, "Ingress frames:    %d\n", s.IngressFrames)
	fmt.Fprintf(w, "Ingress forwarded: %d\n", s.IngressForwarded)
	fmt.Fprintf(w, "Egress frames:     %d\n", s.EgressFrames)
	fmt.Fprintf(w, "Egress forwarded:  %d\n", s.EgressForwarded)
}
