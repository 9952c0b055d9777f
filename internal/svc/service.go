// Package svc runs the skyvault maintenance sweeper as a system service
// (systemd, launchd or the Windows Service Control Manager).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Defaults for the installed sweeper.
const (
	DefaultName     = "skyvault-sweeper"
	DefaultInterval = 15 * time.Minute
)

// RunFunc runs until ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Program implements service.Interface.
type Program struct {
	Run RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(ctx)
	}()
	return nil
}

// Stop cancels the running sweeper and waits for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ServiceConfig describes the installed service.
type ServiceConfig struct {
	Name          string        // Service name (default: skyvault-sweeper)
	ConfigPath    string        // skyvault configuration file
	UserName      string        // Run as this user (Linux/macOS only)
	Interval      time.Duration // Sweep interval
	MetricsListen string        // Optional /metrics address
}

// DefaultConfigPath returns the system-wide configuration path.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "SkyVault", "config.yaml")
	}
	return "/etc/skyvault/config.yaml"
}

func (c *ServiceConfig) name() string {
	if c.Name == "" {
		return DefaultName
	}
	return c.Name
}

// Arguments returns the command line the service manager invokes.
func (c *ServiceConfig) Arguments() []string {
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	args := []string{
		"--config", c.ConfigPath,
		"sweep",
		"--service-run", c.name(),
		"--interval", interval.String(),
	}
	if c.MetricsListen != "" {
		args = append(args, "--metrics-listen", c.MetricsListen)
	}
	return args
}

// NewServiceConfig builds the kardianos service definition.
func NewServiceConfig(cfg *ServiceConfig, execPath string) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.name(),
		DisplayName: "SkyVault Sweeper",
		Description: "Discards stale SkyVault chunk uploads and purges expired trash",
		Executable:  execPath,
		Arguments:   cfg.Arguments(),
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=local-fs.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "30",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "30s",
		}
	}
	return svcCfg
}

// New creates the service handle for prg.
func New(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}
	return service.New(prg, NewServiceConfig(cfg, execPath))
}

// Install installs the service. An existing installation is replaced only
// with force.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.name())
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Control runs a service manager action: "start", "stop", "restart" or
// "uninstall". Uninstall stops a running service first.
func Control(cfg *ServiceConfig, action string) error {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if action == "uninstall" {
		if status, _ := s.Status(); status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return service.StatusUnknown, fmt.Errorf("create service: %w", err)
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager (called when started by it).
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := New(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Run()
}

// CheckPrivileges checks if the current user may manage services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
