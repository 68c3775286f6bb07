package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/guimove/pvebalance/internal/config"
)

var (
	cfgFile string
	cfg     config.Config
	log     *logrus.Entry
)

var rootCmd = &cobra.Command{
	Use:   "pvebalance",
	Short: "Workload balancer for Proxmox VE clusters",
	Long: `pvebalance watches RAM and CPU load across the nodes of a Proxmox VE
cluster and live-migrates virtual machines to keep every node within a
configurable deviation of its group's average load.

It runs as a daemon on a cluster node, talking to the local Proxmox API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		return setupLogging()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: pvebalance.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	// Global flags that map to config
	rootCmd.PersistentFlags().String("url", "", "Proxmox API host")
	rootCmd.PersistentFlags().Bool("test-mode", false, "decide but never migrate")
	rootCmd.PersistentFlags().Bool("only-on-master", false, "act only when this node holds the HA master role")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("proxmox.url", rootCmd.PersistentFlags().Lookup("url"))
	_ = viper.BindPFlag("parameters.test_mode", rootCmd.PersistentFlags().Lookup("test-mode"))
	_ = viper.BindPFlag("parameters.only_on_master", rootCmd.PersistentFlags().Lookup("only-on-master"))
}

func loadConfig() error {
	// Start with defaults
	cfg = config.Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("pvebalance")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/pvebalance")
	}

	// Environment variable overrides
	viper.SetEnvPrefix("PVEBALANCE")
	viper.AutomaticEnv()

	// Read config file (not an error if missing)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	return cfg.Validate()
}

func setupLogging() error {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	l := logrus.New()
	l.SetLevel(level)
	if cfg.Logging.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	log = l.WithField("app", "pvebalance")
	return nil
}
