package config

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenPort != b.ListenPort ||
		a.ConnectTimeoutSeconds != b.ConnectTimeoutSeconds ||
		a.ReadTimeoutSeconds != b.ReadTimeoutSeconds ||
		a.IdleTimeoutSeconds != b.IdleTimeoutSeconds ||
		a.ShutdownGraceSeconds != b.ShutdownGraceSeconds ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if a.TLS != b.TLS {
		return true
	}
	if !routesEqual(a.Routes, b.Routes) {
		return true
	}
	if a.Admin != b.Admin {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	return false
}

// routesEqual compares route lists in order; reordering counts as a change
// because it changes rule sequence numbers.
func routesEqual(a, b []RouteConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
