package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

// Validate checks a loaded configuration for values the gateway cannot
// start with. All problems are reported at once.
func Validate(cfg *Config) error {
	var errs []error

	if !validPort(cfg.ListenPort) {
		errs = append(errs, fmt.Errorf("listen-port %d out of range", cfg.ListenPort))
	}
	if !validPort(cfg.TLS.ListenPort) {
		errs = append(errs, fmt.Errorf("tls listen-port %d out of range", cfg.TLS.ListenPort))
	}
	if cfg.TLS.Enabled {
		if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
			errs = append(errs, errors.New("tls cert-file and key-file must be set together"))
		}
		if cfg.TLS.CertFile == "" && cfg.TLS.KeystoreFile == "" {
			errs = append(errs, errors.New("tls enabled but neither cert-file/key-file nor keystore-file is set"))
		}
	}

	for name, v := range map[string]int{
		"connect-timeout-seconds":    cfg.ConnectTimeoutSeconds,
		"read-timeout-seconds":       cfg.ReadTimeoutSeconds,
		"idle-timeout-seconds":       cfg.IdleTimeoutSeconds,
		"shutdown-grace-seconds":     cfg.ShutdownGraceSeconds,
		"max-concurrent-connections": cfg.MaxConcurrentConnections,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	seen := make(map[string]struct{}, len(cfg.Routes))
	for i, r := range cfg.Routes {
		if strings.TrimSpace(r.Name) == "" {
			errs = append(errs, fmt.Errorf("route at index %d has no name", i))
		} else if _, dup := seen[r.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate route name %q", r.Name))
		} else {
			seen[r.Name] = struct{}{}
		}
		if !strings.HasPrefix(r.PathPrefix, "/") {
			errs = append(errs, fmt.Errorf("route %q: path-prefix must start with /", r.Name))
		}
		if err := ValidateTargetURL(r.TargetURL); err != nil {
			errs = append(errs, fmt.Errorf("route %q: %w", r.Name, err))
		}
	}

	if cfg.Statistics.Enabled {
		switch cfg.Statistics.Backend {
		case "", "memory", "sqlite":
		case "postgres", "postgresql":
			if cfg.Statistics.PostgresDSN == "" {
				errs = append(errs, errors.New("statistics backend postgres requires postgres-dsn"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported statistics backend %q", cfg.Statistics.Backend))
		}
	}

	return errors.Join(errs...)
}

// ValidateTargetURL reports whether raw is an absolute http(s) URL with a host.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid target-url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target-url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("target-url %q has no host", raw)
	}
	return nil
}
