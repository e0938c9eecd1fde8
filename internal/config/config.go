package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	AdminEmail    string
	AdminName     string
	AdminPassword string

	DatabaseURL string

	ListenAddr string

	// PublicHost is the hostname or IP users connect to for SSH and
	// application ports of their labs.
	PublicHost string

	// Portainer connection. If URL or APIKey is empty, lab creation is
	// rejected with a NotConfigured error.
	PortainerURL        string
	PortainerAPIKey     string
	PortainerEndpointID int

	// Lab capacity and lifetime defaults. When SettingsSource is
	// "store" these act as fallbacks for missing system_config rows.
	MaxLabs        int
	MaxLabsPerUser int
	LabTTLHours    int

	// Port allocation ranges. The SSH range and the app range must not
	// overlap; that is an operator contract, not enforced here.
	SSHPortRangeStart int
	SSHPortRangeEnd   int
	AppPortRangeStart int
	AppPortRangeEnd   int

	// ExposedPortCount is how many application ports each lab gets in
	// addition to SSH. The first one is the lab's primary app port.
	ExposedPortCount int

	// BlockedPorts are never allocated even when inside a range, to
	// avoid colliding with well-known services on the host.
	BlockedPorts []int

	// AllowedImages is the image allow-list. The first entry is the
	// default when a create request names no image.
	AllowedImages []string

	// SettingsSource selects where per-create settings (caps, ranges,
	// TTL) are resolved from: "env" or "store".
	SettingsSource string

	// AllocationMode is "strict" (quota check + port allocation + row
	// insert serialized via an advisory lock) or "besteffort" (no lock,
	// concurrent creates can race). Default strict.
	AllocationMode string

	// CredentialMode is "derived" (password = username + suffix) or
	// "random" (per-lab random secret).
	CredentialMode string

	// PasswordSuffix is the fixed suffix used by the derived credential
	// scheme.
	PasswordSuffix string
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		AdminEmail:    getenv("APP_ADMIN_EMAIL", "admin@localhost"),
		AdminName:     getenv("APP_ADMIN_NAME", "Administrator"),
		AdminPassword: getenv("APP_ADMIN_PASSWORD", "changeme"),

		DatabaseURL: os.Getenv("APP_DATABASE_URL"),
		ListenAddr:  getenv("APP_LISTEN_ADDR", ":4000"),
		PublicHost:  getenv("LAB_PUBLIC_HOST", "localhost"),

		PortainerURL:        os.Getenv("PORTAINER_URL"),
		PortainerAPIKey:     os.Getenv("PORTAINER_TOKEN"),
		PortainerEndpointID: getint("PORTAINER_ENDPOINT_ID", 1),

		MaxLabs:        getint("LAB_MAX_LABS", 20),
		MaxLabsPerUser: getint("LAB_MAX_LABS_PER_USER", 2),
		LabTTLHours:    getint("LAB_DURATION_HOURS", 24),

		SSHPortRangeStart: getint("LAB_SSH_PORT_RANGE_START", 2200),
		SSHPortRangeEnd:   getint("LAB_SSH_PORT_RANGE_END", 2299),
		AppPortRangeStart: getint("LAB_APP_PORT_RANGE_START", 3000),
		AppPortRangeEnd:   getint("LAB_APP_PORT_RANGE_END", 3999),

		ExposedPortCount: getint("LAB_EXPOSED_PORT_COUNT", 5),
		BlockedPorts:     getints("LAB_BLOCKED_PORTS", nil),
		AllowedImages:    getlist("LAB_ALLOWED_IMAGES", []string{"node:20"}),

		SettingsSource: getenv("LAB_SETTINGS_SOURCE", "env"),
		AllocationMode: getenv("LAB_ALLOCATION_MODE", "strict"),
		CredentialMode: getenv("LAB_CREDENTIAL_MODE", "derived"),
		PasswordSuffix: getenv("LAB_PASSWORD_SUFFIX", "2024"),
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// getlist reads a comma-separated list, trimming whitespace and
// dropping empty entries.
func getlist(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func getints(key string, def []int) []int {
	var out []int
	for _, s := range getlist(key, nil) {
		if n, err := strconv.Atoi(s); err == nil {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
