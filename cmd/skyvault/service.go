package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skyvault/skyvault/internal/svc"
)

var (
	serviceName     string
	serviceUser     string
	serviceInterval time.Duration
	serviceMetrics  string
	forceInstall    bool
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the SkyVault sweeper system service",
		Long: `Install and control the maintenance sweeper as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install with the system configuration file
  sudo skyvault service install --config /etc/skyvault/config.yaml --interval 30m

  # Control the service
  sudo skyvault service start
  sudo skyvault service status`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the sweeper as a system service",
		Long: `Install the sweeper as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().DurationVar(&serviceInterval, "interval", svc.DefaultInterval, "sweep interval")
	installCmd.Flags().StringVar(&serviceMetrics, "metrics-listen", "", "address for the /metrics endpoint")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "force reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	for _, action := range []string{"uninstall", "start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the sweeper service", capitalize(action)),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the sweeper service status",
		RunE:  runServiceStatus,
	})

	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultName, "service name")
	return serviceCmd
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func getServiceConfig() (*svc.ServiceConfig, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &svc.ServiceConfig{
		Name:          serviceName,
		ConfigPath:    abs,
		UserName:      serviceUser,
		Interval:      serviceInterval,
		MetricsListen: serviceMetrics,
	}, nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Dur("interval", cfg.Interval).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed successfully.\n", cfg.Name)
	fmt.Printf("\nTo start the service:\n")
	fmt.Printf("  skyvault service start --name %s\n", cfg.Name)
	return nil
}

func runServiceControl(action string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}

	log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")
	if err := svc.Control(cfg, action); err != nil {
		return err
	}
	fmt.Printf("Service %q: %s done.\n", cfg.Name, action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}
	status, err := svc.Status(cfg)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	fmt.Printf("Service %q is %s.\n", cfg.Name, svc.StatusString(status))
	return nil
}
