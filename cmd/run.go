package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/guimove/pvebalance/internal/controller"
	"github.com/guimove/pvebalance/internal/notify"
	"github.com/guimove/pvebalance/internal/proxmox"
	"github.com/guimove/pvebalance/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the balancing daemon",
	Long: `Starts the balancing loop: collect a cluster snapshot, compute per-group
load, migrate at most one virtual machine per group per cycle, sleep, repeat.

Stops cleanly on SIGINT/SIGTERM; an in-flight migration wait is always
finished before exiting.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src := newClient()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Mail.Enabled {
		notifier = notify.NewMailer(cfg.Mail, log)
	}

	var tele *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		tele = telemetry.New()
		go func() {
			if err := tele.Serve(ctx, cfg.Telemetry.Listen); err != nil {
				log.WithError(err).Error("telemetry listener failed")
			}
		}()
	}

	ctrl, err := controller.New(cfg, src, notifier, tele, log)
	if err != nil {
		return err
	}
	return ctrl.Run(ctx)
}

func newClient() *proxmox.Client {
	opts := []proxmox.Option{
		proxmox.WithTimeout(cfg.Proxmox.Timeout),
		proxmox.WithLogger(log),
	}
	if cfg.Proxmox.InsecureSkipVerify {
		opts = append(opts, proxmox.WithInsecureTLS())
	}
	return proxmox.NewClient(cfg.Proxmox.Endpoint(), cfg.Proxmox.User, cfg.Proxmox.Password, opts...)
}
