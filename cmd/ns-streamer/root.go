package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Go2NetStreamer/internal/api"
	"Go2NetStreamer/internal/config"
	"Go2NetStreamer/internal/exporter"
	"Go2NetStreamer/internal/factory"
	"Go2NetStreamer/internal/logging"
	"Go2NetStreamer/internal/model"
	"Go2NetStreamer/pkg/flow"
	"Go2NetStreamer/pkg/streamer"

	_ "Go2NetStreamer/internal/exporter/clickhouse"
	_ "Go2NetStreamer/internal/exporter/gobwriter"
	_ "Go2NetStreamer/internal/exporter/natswriter"
	_ "Go2NetStreamer/internal/exporter/textwriter"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitSetup   = 2
)

type cliFlags struct {
	configPath    string
	source        string
	idleTimeout   time.Duration
	activeTimeout time.Duration
	noDissect     bool
	transport     string
	print         bool
	logLevel      string
}

func newRootCmd() *cobra.Command {
	var flags cliFlags
	cmd := &cobra.Command{
		Use:   "ns-streamer",
		Short: "Aggregate captured packets into bidirectional flows",
		Long: `ns-streamer reads packets from a capture file or a network interface,
aggregates them into bidirectional flows and exports every terminated flow
to the configured writers.

Example:
  ns-streamer --source trace.pcap --print
  ns-streamer --config configs/config.yaml --source eth0 --idle-timeout 15s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return flow.NewSetupError("flags", err)
	})

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "path to the YAML configuration file")
	f.StringVarP(&flags.source, "source", "s", "", "capture file or interface name")
	f.DurationVar(&flags.idleTimeout, "idle-timeout", 30*time.Second, "idle timeout of a flow (0 emits one flow per packet)")
	f.DurationVar(&flags.activeTimeout, "active-timeout", 300*time.Second, "active timeout of a flow (0 disables it)")
	f.BoolVar(&flags.noDissect, "no-dissect", false, "disable protocol identification")
	f.StringVar(&flags.transport, "transport", streamer.TransportMemory, "flow transport: memory or loopback")
	f.BoolVarP(&flags.print, "print", "p", false, "print every flow to stdout")
	f.StringVar(&flags.logLevel, "log-level", "", "log level override")
	return cmd
}

// loadConfig merges the configuration file with the flags set on the
// command line.
func loadConfig(cmd *cobra.Command, flags cliFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(flags.configPath); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("source") {
		cfg.Streamer.Source = flags.source
	}
	if changed("idle-timeout") {
		cfg.Streamer.IdleTimeout = flags.idleTimeout.String()
	}
	if changed("active-timeout") {
		cfg.Streamer.ActiveTimeout = flags.activeTimeout.String()
	}
	if flags.noDissect {
		cfg.Streamer.Dissect = false
	}
	if changed("transport") {
		cfg.Transport.Type = flags.transport
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, nil
}

func run(cmd *cobra.Command, flags cliFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return flow.NewSetupError("load config", err)
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return flow.NewSetupError("logging", err)
	}
	opts, err := cfg.Options()
	if err != nil {
		return flow.NewSetupError("options", err)
	}

	writers, err := factory.Create(cfg)
	if err != nil {
		return flow.NewSetupError("writers", err)
	}
	exp := exporter.New(writers, nil)

	s, err := streamer.New(opts)
	if err != nil {
		exp.Stop()
		return err
	}
	defer s.Close()

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API.ListenAddr, s)
		if _, err := server.Start(); err != nil {
			exp.Stop()
			return flow.NewSetupError("api", err)
		}
	}

	exp.Start()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		if _, ok := <-sigChan; ok {
			log.Println("Shutdown signal received, flushing flows...")
			s.Stop()
		}
	}()

	out := cmd.OutOrStdout()
	var streamErr error
	for f, err := range s.Flows(cmd.Context()) {
		if err != nil {
			streamErr = err
			break
		}
		exp.Add(f)
		if flags.print {
			fmt.Fprintln(out, model.NewFlowRecord(f).Line())
		}
	}

	exp.Stop()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			log.Warnf("Server forced to shutdown: %v", err)
		}
		cancel()
	}

	st := s.Stats()
	log.WithFields(log.Fields{
		"packets": st.PacketsProcessed,
		"dropped": st.PacketsDropped,
		"flows":   st.FlowsEmitted,
		"lost":    st.FlowsLost,
	}).Info("Capture finished.")
	return streamErr
}

// exitCodeFor maps an error to the process exit status.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case flow.IsSetupError(err), errors.Is(err, flow.ErrInvalidConfig):
		return exitSetup
	default:
		return exitRuntime
	}
}

func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		log.Errorf("ns-streamer: %v", err)
	}
	return exitCodeFor(err)
}
