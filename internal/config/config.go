package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNoEndpoint is returned by Validate when no Proxmox API host is
// configured. Callers that never dial the API (offline what-if runs against
// a snapshot file) may tolerate exactly this error.
var ErrNoEndpoint = errors.New("proxmox.url is required")

// Config is the top-level configuration for pvebalance.
type Config struct {
	Proxmox    ProxmoxConfig       `yaml:"proxmox"`
	Parameters ParametersConfig    `yaml:"parameters"`
	Balancing  BalancingConfig     `yaml:"balancing"`
	Exclusions ExclusionsConfig    `yaml:"exclusions"`
	Groups     map[string][]string `yaml:"groups"`
	Mail       MailConfig          `yaml:"mail"`
	Telemetry  TelemetryConfig     `yaml:"telemetry"`
	Logging    LoggingConfig       `yaml:"logging"`

	// StateDir persists CPU trend history across restarts. Empty keeps the
	// history in memory only.
	StateDir string `yaml:"state_dir"`
}

type ProxmoxConfig struct {
	URL                string        `yaml:"url"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// Endpoint returns the base URL of the Proxmox API.
func (p ProxmoxConfig) Endpoint() string {
	return fmt.Sprintf("https://%s:%d", p.URL, p.Port)
}

type ParametersConfig struct {
	// Deviation is the allowed spread (in percent points) around the group
	// average RAM load before a migration is considered.
	Deviation float64 `yaml:"deviation"`
	// Threshold is the RAM ceiling (percent) a destination node may reach
	// after accepting a migration.
	Threshold float64 `yaml:"threshold"`

	MigrationTimeout time.Duration `yaml:"migration_timeout"`

	// Interval is the wait after a normal corrective cycle; UrgentInterval
	// after an OOM-triggered migration; BalancedInterval when the cluster
	// needed no action.
	Interval         time.Duration `yaml:"interval"`
	UrgentInterval   time.Duration `yaml:"urgent_interval"`
	BalancedInterval time.Duration `yaml:"balanced_interval"`

	LxcMigration            bool `yaml:"lxc_migration"`
	OnlyOnMaster            bool `yaml:"only_on_master"`
	TestMode                bool `yaml:"test_mode"`
	MaxConcurrentMigrations int  `yaml:"max_concurrent_migrations"`
}

type BalancingConfig struct {
	WeightRAM float64 `yaml:"weight_ram"`
	WeightCPU float64 `yaml:"weight_cpu"`

	// MemoryOOMThreshold (percent) forces a donor regardless of deviation.
	MemoryOOMThreshold float64 `yaml:"memory_oom_threshold"`
	// CPUThreshold (percent) marks a node overloaded on trend-smoothed CPU.
	CPUThreshold float64 `yaml:"cpu_threshold"`

	// CPUTrendDecay is the EWMA weight given to the newest CPU sample,
	// in (0,1]. 1.0 disables smoothing.
	CPUTrendDecay float64 `yaml:"cpu_trend_decay"`
}

type ExclusionsConfig struct {
	// VMs accepts plain ids ("101") and inclusive ranges ("400-410").
	VMs   []string `yaml:"vms"`
	Nodes []string `yaml:"nodes"`
}

type MailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Subject  string `yaml:"subject"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
}

type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Proxmox: ProxmoxConfig{
			Port:    8006,
			Timeout: 30 * time.Second,
		},
		Parameters: ParametersConfig{
			Deviation:               4,
			Threshold:               90,
			MigrationTimeout:        10 * time.Minute,
			Interval:                60 * time.Second,
			UrgentInterval:          10 * time.Second,
			BalancedInterval:        5 * time.Minute,
			LxcMigration:            false,
			MaxConcurrentMigrations: 1,
		},
		Balancing: BalancingConfig{
			WeightRAM:          1.0,
			WeightCPU:          0.5,
			MemoryOOMThreshold: 96,
			CPUThreshold:       95,
			CPUTrendDecay:      0.3,
		},
		Mail: MailConfig{
			Port:    25,
			Subject: "pvebalance alert",
		},
		Telemetry: TelemetryConfig{
			Listen: ":9814",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the config for consistency. Configuration errors are fatal
// at startup and never surface mid-cycle.
func (c *Config) Validate() error {
	if c.Parameters.Deviation <= 0 {
		return fmt.Errorf("deviation must be positive, got %v", c.Parameters.Deviation)
	}
	if c.Parameters.Threshold <= 0 || c.Parameters.Threshold > 100 {
		return fmt.Errorf("threshold must be in (0,100], got %v", c.Parameters.Threshold)
	}
	if c.Balancing.MemoryOOMThreshold <= c.Parameters.Threshold || c.Balancing.MemoryOOMThreshold > 100 {
		return fmt.Errorf("memory_oom_threshold must be in (threshold,100], got %v", c.Balancing.MemoryOOMThreshold)
	}
	if c.Balancing.CPUThreshold <= 0 || c.Balancing.CPUThreshold > 100 {
		return fmt.Errorf("cpu_threshold must be in (0,100], got %v", c.Balancing.CPUThreshold)
	}
	if c.Balancing.WeightRAM < 0 || c.Balancing.WeightCPU < 0 {
		return fmt.Errorf("balancing weights must be non-negative")
	}
	if c.Balancing.WeightRAM == 0 && c.Balancing.WeightCPU == 0 {
		return fmt.Errorf("at least one balancing weight must be positive")
	}
	if c.Balancing.CPUTrendDecay <= 0 || c.Balancing.CPUTrendDecay > 1 {
		return fmt.Errorf("cpu_trend_decay must be in (0,1], got %v", c.Balancing.CPUTrendDecay)
	}
	if c.Parameters.MigrationTimeout <= 0 {
		return fmt.Errorf("migration_timeout must be positive, got %v", c.Parameters.MigrationTimeout)
	}
	if c.Parameters.MaxConcurrentMigrations <= 0 {
		return fmt.Errorf("max_concurrent_migrations must be positive, got %d", c.Parameters.MaxConcurrentMigrations)
	}
	if _, err := c.ExcludedVMIDs(); err != nil {
		return err
	}

	seen := make(map[string]string)
	for group, nodes := range c.Groups {
		if len(nodes) == 0 {
			return fmt.Errorf("group %q has no nodes", group)
		}
		for _, n := range nodes {
			if prev, ok := seen[n]; ok {
				return fmt.Errorf("node %q appears in groups %q and %q", n, prev, group)
			}
			seen[n] = group
		}
	}

	if c.Mail.Enabled {
		if c.Mail.Server == "" || c.Mail.From == "" || c.Mail.To == "" {
			return fmt.Errorf("mail.server, mail.from and mail.to are required when mail is enabled")
		}
	}

	// Checked last so an offline caller tolerating ErrNoEndpoint still gets
	// every other rule enforced.
	if c.Proxmox.URL == "" {
		return ErrNoEndpoint
	}
	return nil
}

// ExcludedVMIDs expands the VM exclusion list, resolving ranges like
// "400-410" to the individual ids they cover.
func (c *Config) ExcludedVMIDs() ([]int, error) {
	var ids []int
	for _, entry := range c.Exclusions.VMs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(entry, "-"); ok {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("invalid vm exclusion range %q: %w", entry, err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("invalid vm exclusion range %q: %w", entry, err)
			}
			if end < start {
				return nil, fmt.Errorf("invalid vm exclusion range %q: end before start", entry)
			}
			for id := start; id <= end; id++ {
				ids = append(ids, id)
			}
			continue
		}
		id, err := strconv.Atoi(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid vm exclusion %q: %w", entry, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
