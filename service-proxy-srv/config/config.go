package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
)

// Defaults applied before any configuration source is read.
const (
	DefaultListenPort            = 9095
	DefaultTLSListenPort         = 9443
	DefaultConnectTimeoutSeconds = 5
	DefaultReadTimeoutSeconds    = 30
	DefaultIdleTimeoutSeconds    = 60
	DefaultShutdownGraceSeconds  = 5
	DefaultKeystoreFile          = "certs/keystore.p12"
	DefaultKeystorePassword      = "changeit"
	DefaultStatsFlushInterval    = 5
	DefaultStatsBufferSize       = 1000
)

// TLSConfig holds listener TLS settings and the credential sources.
// Either CertFile+KeyFile (PEM) or KeystoreFile (PKCS#12) is used; PEM
// wins when both are set.
type TLSConfig struct {
	Enabled            bool
	ListenPort         int
	CertFile           string // PEM certificate chain
	KeyFile            string // PEM private key, optionally encrypted
	KeyPassword        string // Password for an encrypted KeyFile
	KeystoreFile       string // PKCS#12 keystore
	KeystorePassword   string
	KeyManagerPassword string // Password of the key entry inside the keystore
}

// RouteConfig describes one backend reachable under a path prefix.
type RouteConfig struct {
	Name       string // Unique name, also used for the rule ID ("route-<name>")
	PathPrefix string // e.g. /am
	TargetURL  string // Absolute http(s) URL of the backend
}

// AdminConfig controls the /__admin HTTP surface.
type AdminConfig struct {
	Enabled   bool
	JWTSecret string // When set, admin requests need an HS256 bearer token
}

// StatisticsConfig holds configuration for request statistics collection
type StatisticsConfig struct {
	Enabled       bool   // Whether statistics collection is enabled
	Backend       string // Backend type: "sqlite", "postgres", "memory"
	SQLitePath    string // Path to SQLite database file
	PostgresDSN   string // PostgreSQL connection string
	FlushInterval int    // Seconds between buffered flushes
	BufferSize    int    // Max buffered records before a forced flush
}

// Config represents the main configuration structure for the gateway.
type Config struct {
	ListenPort               int
	TLS                      TLSConfig
	Routes                   []RouteConfig
	ConnectTimeoutSeconds    int
	ReadTimeoutSeconds       int
	IdleTimeoutSeconds       int
	ShutdownGraceSeconds     int
	MaxConcurrentConnections int // 0 means unlimited
	LogLevel                 string
	Admin                    AdminConfig
	Statistics               StatisticsConfig
}

// DefaultRoutes returns the two backends the gateway fronts out of the box.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Name: "am", PathPrefix: "/am", TargetURL: "http://localhost:9001"},
		{Name: "services", PathPrefix: "/services", TargetURL: "http://localhost:9002"},
	}
}

// Default returns a configuration populated with all defaults.
func Default() *Config {
	return &Config{
		ListenPort: DefaultListenPort,
		TLS: TLSConfig{
			ListenPort:         DefaultTLSListenPort,
			KeystoreFile:       DefaultKeystoreFile,
			KeystorePassword:   DefaultKeystorePassword,
			KeyManagerPassword: DefaultKeystorePassword,
		},
		Routes:                DefaultRoutes(),
		ConnectTimeoutSeconds: DefaultConnectTimeoutSeconds,
		ReadTimeoutSeconds:    DefaultReadTimeoutSeconds,
		IdleTimeoutSeconds:    DefaultIdleTimeoutSeconds,
		ShutdownGraceSeconds:  DefaultShutdownGraceSeconds,
		LogLevel:              "INFO",
		Statistics: StatisticsConfig{
			Backend:       "memory",
			SQLitePath:    "service-proxy-stats.db",
			FlushInterval: DefaultStatsFlushInterval,
			BufferSize:    DefaultStatsBufferSize,
		},
	}
}

// Port returns the port the active listener mode binds by default.
func (c *Config) Port() int {
	if c.TLS.Enabled {
		return c.TLS.ListenPort
	}
	return c.ListenPort
}

// LoadConfig loads configuration from the specified file path. An empty
// path yields the defaults with environment overrides applied.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		case ".properties":
			err = loadPropertiesConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	loadConfigFromEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return data, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	raw, err := readConfigFile(configPath)
	if err != nil {
		return err
	}

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyMap(data, cfg)
}

// applyMap copies a decoded document (JSON or HCL) onto cfg.
func applyMap(data map[string]any, cfg *Config) error {
	if err := assign(data, "listen-port", &cfg.ListenPort); err != nil {
		return err
	}
	if err := assign(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}
	if err := assign(data, "connect-timeout-seconds", &cfg.ConnectTimeoutSeconds); err != nil {
		return err
	}
	if err := assign(data, "read-timeout-seconds", &cfg.ReadTimeoutSeconds); err != nil {
		return err
	}
	if err := assign(data, "idle-timeout-seconds", &cfg.IdleTimeoutSeconds); err != nil {
		return err
	}
	if err := assign(data, "shutdown-grace-seconds", &cfg.ShutdownGraceSeconds); err != nil {
		return err
	}
	if err := assign(data, "max-concurrent-connections", &cfg.MaxConcurrentConnections); err != nil {
		return err
	}

	if val, exists := data["tls"]; exists {
		tlsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("tls must be an object")
		}
		if err := applyTLS(tlsMap, &cfg.TLS); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}

	if val, exists := data["routes"]; exists {
		routeList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("routes must be an array")
		}

		// Routes in a config file replace the defaults
		cfg.Routes = []RouteConfig{}

		for i, routeData := range routeList {
			routeMap, ok := routeData.(map[string]any)
			if !ok {
				return fmt.Errorf("route at index %d must be an object", i)
			}

			var route RouteConfig
			if err := assign(routeMap, "name", &route.Name); err != nil {
				return fmt.Errorf("route at index %d: %w", i, err)
			}
			if err := assign(routeMap, "path-prefix", &route.PathPrefix); err != nil {
				return fmt.Errorf("route at index %d: %w", i, err)
			}
			if err := assign(routeMap, "target-url", &route.TargetURL); err != nil {
				return fmt.Errorf("route at index %d: %w", i, err)
			}
			cfg.Routes = append(cfg.Routes, route)
		}
	}

	if val, exists := data["admin"]; exists {
		adminMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("admin must be an object")
		}
		if err := assign(adminMap, "enabled", &cfg.Admin.Enabled); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		if err := assign(adminMap, "jwt-secret", &cfg.Admin.JWTSecret); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		st := &cfg.Statistics
		for key, dst := range map[string]any{
			"enabled":        &st.Enabled,
			"backend":        &st.Backend,
			"sqlite-path":    &st.SQLitePath,
			"postgres-dsn":   &st.PostgresDSN,
			"flush-interval": &st.FlushInterval,
			"buffer-size":    &st.BufferSize,
		} {
			if err := assignAny(statsMap, key, dst); err != nil {
				return fmt.Errorf("statistics: %w", err)
			}
		}
	}

	return nil
}

func applyTLS(data map[string]any, t *TLSConfig) error {
	if err := assign(data, "enabled", &t.Enabled); err != nil {
		return err
	}
	if err := assign(data, "listen-port", &t.ListenPort); err != nil {
		return err
	}
	for key, dst := range map[string]*string{
		"cert-file":            &t.CertFile,
		"key-file":             &t.KeyFile,
		"key-password":         &t.KeyPassword,
		"keystore-file":        &t.KeystoreFile,
		"keystore-password":    &t.KeystorePassword,
		"key-manager-password": &t.KeyManagerPassword,
	} {
		if err := assign(data, key, dst); err != nil {
			return err
		}
	}
	return nil
}

// assign parses data[key] into dst when the key is present.
func assign[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func assignAny(data map[string]any, key string, dst any) error {
	switch d := dst.(type) {
	case *string:
		return assign(data, key, d)
	case *int:
		return assign(data, key, d)
	case *bool:
		return assign(data, key, d)
	default:
		return fmt.Errorf("%s: unsupported destination %T", key, dst)
	}
}

// parseValue converts a decoded JSON/HCL value to T. A value of the form
// {"_secret": "NAME"} is replaced by the environment variable NAME.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

const envPrefix = "SERVICE_PROXY_"

func envInt(name string, dst *int) {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		logger.Warn("Invalid format for %s%s: %s", envPrefix, name, raw)
		return
	}
	*dst = v
}

func envBool(name string, dst *bool) {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return
	}
	*dst = strings.EqualFold(raw, "true") || raw == "1"
}

func envString(name string, dst *string) {
	if raw := os.Getenv(envPrefix + name); raw != "" {
		*dst = raw
	}
}

// routeEnvName maps a route name to its target override variable, e.g.
// "am" -> AMTARGETURL.
func routeEnvName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String() + "TARGETURL"
}

func loadConfigFromEnv(cfg *Config) {
	envInt("LISTENPORT", &cfg.ListenPort)
	envString("LOGLEVEL", &cfg.LogLevel)
	envInt("CONNECTTIMEOUTSECONDS", &cfg.ConnectTimeoutSeconds)
	envInt("READTIMEOUTSECONDS", &cfg.ReadTimeoutSeconds)
	envInt("IDLETIMEOUTSECONDS", &cfg.IdleTimeoutSeconds)
	envInt("SHUTDOWNGRACESECONDS", &cfg.ShutdownGraceSeconds)
	envInt("MAXCONCURRENTCONNECTIONS", &cfg.MaxConcurrentConnections)

	envBool("TLSENABLED", &cfg.TLS.Enabled)
	envInt("TLSLISTENPORT", &cfg.TLS.ListenPort)
	envString("CERTFILE", &cfg.TLS.CertFile)
	envString("KEYFILE", &cfg.TLS.KeyFile)
	envString("KEYPASSWORD", &cfg.TLS.KeyPassword)
	envString("KEYSTOREFILE", &cfg.TLS.KeystoreFile)
	envString("KEYSTOREPASSWORD", &cfg.TLS.KeystorePassword)
	envString("KEYMANAGERPASSWORD", &cfg.TLS.KeyManagerPassword)

	for i := range cfg.Routes {
		envString(routeEnvName(cfg.Routes[i].Name), &cfg.Routes[i].TargetURL)
	}

	envBool("ADMINENABLED", &cfg.Admin.Enabled)
	envString("ADMINJWTSECRET", &cfg.Admin.JWTSecret)

	envBool("STATSENABLED", &cfg.Statistics.Enabled)
	envString("STATSBACKEND", &cfg.Statistics.Backend)
	envString("STATSSQLITEPATH", &cfg.Statistics.SQLitePath)
	envString("STATSPOSTGRESDSN", &cfg.Statistics.PostgresDSN)
}
