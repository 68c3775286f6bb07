package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/guimove/pvebalance/internal/config"
	"github.com/guimove/pvebalance/internal/controller"
	"github.com/guimove/pvebalance/internal/notify"
	"github.com/guimove/pvebalance/internal/proxmox"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Run a single dry-run cycle and show what would migrate",
	Long: `Performs one balancing cycle in test mode: collects a snapshot (live, or
from a JSON file with --snapshot), computes load, and logs the migrations
the daemon would perform without executing any of them.`,
	// Replaces the root hook: a snapshot file never dials the API, so a
	// missing endpoint is not an error for an offline run.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			file, _ := cmd.Flags().GetString("snapshot")
			if file == "" || !errors.Is(err, config.ErrNoEndpoint) {
				return err
			}
		}
		return setupLogging()
	},
	RunE: runPlan,
}

func init() {
	planCmd.Flags().String("snapshot", "", "cluster snapshot JSON file instead of the live API")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var src proxmox.Source
	if file, _ := cmd.Flags().GetString("snapshot"); file != "" {
		src = proxmox.NewStaticSource(file)
	} else {
		src = newClient()
	}

	cfg.Parameters.TestMode = true
	cfg.Parameters.OnlyOnMaster = false

	ctrl, err := controller.New(cfg, src, notify.Nop{}, nil, log)
	if err != nil {
		return err
	}

	outcome, err := ctrl.RunCycle(ctx)
	if err != nil {
		return err
	}
	log.WithField("outcome", outcome).Info("dry-run cycle finished")
	return nil
}
