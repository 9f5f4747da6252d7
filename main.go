package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codefionn/service-proxy/service-proxy-srv/admin"
	"github.com/codefionn/service-proxy/service-proxy-srv/config"
	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
	"github.com/codefionn/service-proxy/service-proxy-srv/proxy"
)

var version string

type serveOptions struct {
	configPath string
	envfile    string
	debug      bool
	https      bool
	port       int
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "service-proxy",
		Short:        "Reverse-proxy gateway forwarding path prefixes to backend services",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newTokenCommand(), newVersionCommand())
	return root
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(opts)
			if err != nil {
				return err
			}
			return runProxy(cfg, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Path to configuration file (.json, .hcl or .properties)")
	flags.StringVar(&opts.envfile, "envfile", "", "Path to env file to load environment variables")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&opts.https, "https", false, "Terminate TLS on the listener")
	flags.IntVar(&opts.port, "port", 0, "Listen port (default 9095, or 9443 with --https)")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var secret, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("SERVICE_PROXY_ADMINJWTSECRET")
			}
			token, err := admin.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (defaults to SERVICE_PROXY_ADMINJWTSECRET)")
	cmd.Flags().StringVar(&subject, "subject", "admin", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", admin.DefaultTokenTTL, "Token lifetime")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "service-proxy version:", currentVersion())
		},
	}
}

func currentVersion() string {
	if version == "" {
		return proxy.Version
	}
	return version
}

// loadServeConfig handles the env file, logging and config loading.
func loadServeConfig(opts *serveOptions) (*config.Config, error) {
	if opts.envfile != "" {
		if err := godotenv.Load(opts.envfile); err != nil {
			return nil, fmt.Errorf("failed to load envfile: %w", err)
		}
		logger.Info("Loaded environment variables from %s", opts.envfile)
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyServeFlags(cfg, opts)

	logger.Debug("Configuration loaded successfully")
	for _, route := range cfg.Routes {
		logger.Debug("Route %s: %s/* -> %s", route.Name, route.PathPrefix, route.TargetURL)
	}
	logger.Debug("Timeouts: connect %ds, read %ds", cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds)
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)
	return cfg, nil
}

// applyServeFlags lets command line flags win over file and environment.
func applyServeFlags(cfg *config.Config, opts *serveOptions) {
	if opts.https {
		cfg.TLS.Enabled = true
	}
	if opts.port > 0 {
		if cfg.TLS.Enabled {
			cfg.TLS.ListenPort = opts.port
		} else {
			cfg.ListenPort = opts.port
		}
	}
	if opts.debug {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}
}

func newServer(cfg *config.Config) *proxy.Server {
	srv := proxy.NewServer(cfg)
	if cfg.Admin.Enabled {
		srv.SetAdminHandler(admin.New(srv, cfg.Admin.JWTSecret))
		logger.Info("Admin API enabled on %s (authentication: %t)", proxy.AdminPathPrefix, cfg.Admin.JWTSecret != "")
	}
	return srv
}

// runProxy starts the gateway and handles stop and reload signals.
func runProxy(cfg *config.Config, opts *serveOptions) error {
	proxy.Version = currentVersion()
	logger.Info("Starting service proxy %s", proxy.Version)

	srv := newServer(cfg)
	if err := srv.StartNonBlocking(cfg.Port()); err != nil {
		_ = srv.Close()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	currentCfg := cfg
	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			applyServeFlags(newCfg, opts)
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; not restarting gateway.")
				continue
			}

			logger.Info("Config changed. Restarting gateway...")
			if err := srv.Close(); err != nil {
				logger.Error("Error stopping gateway for reload: %v", err)
			}
			next := newServer(newCfg)
			if err := next.StartNonBlocking(newCfg.Port()); err != nil {
				logger.Error("Failed to start with new configuration: %v (restoring previous)", err)
				_ = next.Close()
				next = newServer(currentCfg)
				if err := next.StartNonBlocking(currentCfg.Port()); err != nil {
					_ = next.Close()
					return fmt.Errorf("failed to restore previous configuration: %w", err)
				}
				srv = next
				continue
			}
			srv = next
			currentCfg = newCfg
			logger.Info("Gateway restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down gateway...", sig)
			if err := srv.Close(); err != nil {
				logger.Error("Error during shutdown: %v", err)
				return err
			}
			logger.Info("Gateway shutdown complete")
			return nil
		}
	}
	return nil
}
