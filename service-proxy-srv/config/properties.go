package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/magiconair/properties"
)

// loadPropertiesConfig reads the flat key=value format with the legacy
// dotted key names (server.port, am.target.url, keystore.path, ...).
func loadPropertiesConfig(configPath string, cfg *Config) error {
	raw, err := readConfigFile(configPath)
	if err != nil {
		return err
	}

	p, err := properties.Load(raw, properties.UTF8)
	if err != nil {
		return fmt.Errorf("failed to parse properties config: %w", err)
	}

	return applyProperties(p, cfg)
}

func applyProperties(p *properties.Properties, cfg *Config) error {
	var err error
	intProp := func(key string, dst *int) {
		if err != nil {
			return
		}
		raw, ok := p.Get(key)
		if !ok {
			return
		}
		v, perr := strconv.Atoi(strings.TrimSpace(raw))
		if perr != nil {
			err = fmt.Errorf("%s must be an integer: %w", key, perr)
			return
		}
		*dst = v
	}
	boolProp := func(key string, dst *bool) {
		if err != nil {
			return
		}
		raw, ok := p.Get(key)
		if !ok {
			return
		}
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "1", "yes", "on":
			*dst = true
		case "false", "0", "no", "off", "":
			*dst = false
		default:
			err = fmt.Errorf("%s must be a boolean, got %q", key, raw)
		}
	}
	stringProp := func(key string, dst *string) {
		if v, ok := p.Get(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	intProp("server.port", &cfg.ListenPort)
	intProp("https.port", &cfg.TLS.ListenPort)
	boolProp("https.enabled", &cfg.TLS.Enabled)
	stringProp("https.cert.file", &cfg.TLS.CertFile)
	stringProp("https.key.file", &cfg.TLS.KeyFile)
	stringProp("https.key.password", &cfg.TLS.KeyPassword)
	stringProp("keystore.path", &cfg.TLS.KeystoreFile)
	stringProp("keystore.password", &cfg.TLS.KeystorePassword)
	stringProp("keystore.key.password", &cfg.TLS.KeyManagerPassword)
	stringProp("logging.level", &cfg.LogLevel)
	intProp("proxy.connect.timeout", &cfg.ConnectTimeoutSeconds)
	intProp("proxy.read.timeout", &cfg.ReadTimeoutSeconds)
	intProp("proxy.idle.timeout", &cfg.IdleTimeoutSeconds)
	intProp("proxy.shutdown.grace", &cfg.ShutdownGraceSeconds)
	intProp("proxy.max.connections", &cfg.MaxConcurrentConnections)
	boolProp("admin.enabled", &cfg.Admin.Enabled)
	stringProp("admin.jwt.secret", &cfg.Admin.JWTSecret)
	boolProp("stats.enabled", &cfg.Statistics.Enabled)
	stringProp("stats.backend", &cfg.Statistics.Backend)
	stringProp("stats.sqlite.path", &cfg.Statistics.SQLitePath)
	stringProp("stats.postgres.dsn", &cfg.Statistics.PostgresDSN)
	if err != nil {
		return err
	}

	// <name>.target.url overrides the target of an existing route; for
	// names not among the routes a new route with prefix /<name> is added.
	for _, key := range p.Keys() {
		if !strings.HasSuffix(key, ".target.url") {
			continue
		}
		name := strings.TrimSuffix(key, ".target.url")
		if name == "" || strings.Contains(name, ".") {
			continue
		}
		target := strings.TrimSpace(p.GetString(key, ""))

		found := false
		for i := range cfg.Routes {
			if cfg.Routes[i].Name == name {
				cfg.Routes[i].TargetURL = target
				found = true
				break
			}
		}
		if !found {
			cfg.Routes = append(cfg.Routes, RouteConfig{
				Name:       name,
				PathPrefix: "/" + name,
				TargetURL:  target,
			})
		}
	}

	return nil
}
