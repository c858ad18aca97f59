package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Default values applied when neither file nor environment sets a field
const (
	DefaultPort        = 8080
	DefaultDataDir     = "./velocity-data"
	DefaultMachinesAPI = "https://api.machines.dev/v1"
)

// Config holds the full orchestrator configuration. Values are loaded from
// an optional YAML file first, then overridden by environment variables.
type Config struct {
	// Control API
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	// External auth service
	AuthURL        string `yaml:"auth_url"`
	AuthServiceKey string `yaml:"auth_service_key"`

	// Machines provider
	FlyAPIToken string `yaml:"fly_api_token"`
	FlyAppName  string `yaml:"fly_app_name"`
	MachinesAPI string `yaml:"machines_api"`

	// Realtime bus (optional; registrar is skipped entirely when unset)
	RealtimeURL string `yaml:"realtime_url"`

	// Preview URL formation. Subdomain routing is decided once per process.
	UseSubdomainRouting bool   `yaml:"use_subdomain_routing"`
	PreviewDomain       string `yaml:"preview_domain"`

	// Alert webhook (optional)
	WebhookURL string `yaml:"webhook_url"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Load builds the configuration from the given YAML file (may be empty for
// none) and the process environment. It returns an error for any missing
// required value; callers treat that as a fatal boot error.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Port:        DefaultPort,
		DataDir:     DefaultDataDir,
		MachinesAPI: DefaultMachinesAPI,
		LogLevel:    "info",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.AuthURL, "VELOCITY_AUTH_URL")
	setString(&c.AuthServiceKey, "VELOCITY_AUTH_SERVICE_KEY")
	setString(&c.FlyAPIToken, "FLY_API_TOKEN")
	setString(&c.FlyAppName, "FLY_APP_NAME")
	setString(&c.MachinesAPI, "VELOCITY_MACHINES_API")
	setString(&c.RealtimeURL, "VELOCITY_REALTIME_URL")
	setString(&c.WebhookURL, "VELOCITY_WEBHOOK_URL")
	setString(&c.PreviewDomain, "VELOCITY_PREVIEW_DOMAIN")
	setString(&c.DataDir, "VELOCITY_DATA_DIR")
	setString(&c.LogLevel, "VELOCITY_LOG_LEVEL")
	setBool(&c.UseSubdomainRouting, "USE_SUBDOMAIN_ROUTING")
	setBool(&c.LogJSON, "VELOCITY_LOG_JSON")
	setInt(&c.Port, "VELOCITY_PORT")
}

// Validate checks that every required field is present and consistent
func (c *Config) Validate() error {
	if c.AuthURL == "" {
		return fmt.Errorf("auth service URL is required (VELOCITY_AUTH_URL)")
	}
	if c.AuthServiceKey == "" {
		return fmt.Errorf("auth service key is required (VELOCITY_AUTH_SERVICE_KEY)")
	}
	if c.FlyAPIToken == "" {
		return fmt.Errorf("provider API token is required (FLY_API_TOKEN)")
	}
	if c.FlyAppName == "" {
		return fmt.Errorf("provider app name is required (FLY_APP_NAME)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.UseSubdomainRouting && c.PreviewDomain == "" {
		return fmt.Errorf("preview domain is required when subdomain routing is enabled (VELOCITY_PREVIEW_DOMAIN)")
	}
	return nil
}

// PreviewURL forms the externally reachable URL for a session. The routing
// mode is fixed for the process lifetime.
func (c *Config) PreviewURL(sessionID string) string {
	if c.UseSubdomainRouting {
		return fmt.Sprintf("https://%s.preview.%s", sessionID, c.PreviewDomain)
	}
	return fmt.Sprintf("https://%s.fly.dev/session/%s", c.FlyAppName, sessionID)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err == nil {
			*dst = parsed
		}
	}
}
