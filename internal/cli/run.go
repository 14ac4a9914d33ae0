package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Danktronics/Influo/internal/api"
	"github.com/Danktronics/Influo/internal/logging"
	"github.com/Danktronics/Influo/internal/metrics"
	"github.com/Danktronics/Influo/internal/state"
	"github.com/Danktronics/Influo/internal/updater"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <config-file>",
	Short: "Run the Influo daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			return err
		}

		logging.Setup(cfg.LogLevel)
		log := logging.New("cli")

		shared := state.New(cfg)

		promReg := prometheus.NewRegistry()
		recorder := metrics.NewPrometheusRecorder(promReg)

		if cfg.API != nil && cfg.API.HTTP != nil {
			server := api.NewServer(shared, promReg)
			port := cfg.API.HTTP.Port
			go func() {
				if err := server.ListenAndServe(port); err != nil {
					log.Error("management API stopped", "error", err)
				}
			}()
		}

		return runDaemon(shared, recorder)
	},
}

// runDaemon runs the updater loop until SIGINT/SIGTERM.
func runDaemon(shared *state.Shared, recorder metrics.Recorder) error {
	log := logging.New("cli")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	log.Info("influo daemon started", "update_interval_seconds", shared.UpdateInterval())
	updater.Run(ctx, shared, recorder)
	return nil
}
