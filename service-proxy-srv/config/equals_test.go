package config

import (
	"testing"
)

func TestHasChanged(t *testing.T) {
	t.Run("nil handling", func(t *testing.T) {
		if HasChanged(nil, nil) {
			t.Errorf("HasChanged(nil, nil) should be false")
		}
		if !HasChanged(Default(), nil) {
			t.Errorf("HasChanged(cfg, nil) should be true")
		}
	})

	t.Run("identical defaults", func(t *testing.T) {
		if HasChanged(Default(), Default()) {
			t.Errorf("HasChanged should be false for two default configs")
		}
	})

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"listen port", func(c *Config) { c.ListenPort = 1 }},
		{"tls enabled", func(c *Config) { c.TLS.Enabled = true }},
		{"tls key password", func(c *Config) { c.TLS.KeyPassword = "x" }},
		{"route target", func(c *Config) { c.Routes[0].TargetURL = "http://elsewhere" }},
		{"route added", func(c *Config) { c.Routes = append(c.Routes, RouteConfig{Name: "x"}) }},
		{"route order", func(c *Config) { c.Routes[0], c.Routes[1] = c.Routes[1], c.Routes[0] }},
		{"read timeout", func(c *Config) { c.ReadTimeoutSeconds = 1 }},
		{"log level", func(c *Config) { c.LogLevel = "DEBUG" }},
		{"admin secret", func(c *Config) { c.Admin.JWTSecret = "s" }},
		{"stats backend", func(c *Config) { c.Statistics.Backend = "sqlite" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Default()
			b := Default()
			tt.mutate(b)
			if !HasChanged(a, b) {
				t.Errorf("HasChanged should detect change of %s", tt.name)
			}
		})
	}
}
