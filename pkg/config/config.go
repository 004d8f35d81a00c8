package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"trunkgw-server/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Network    NetworkConfig    `json:"network"`
	Downstream DownstreamConfig `json:"downstream"`
	Identity   IdentityConfig   `json:"identity"`
	Resources  ResourceConfig   `json:"resources"`
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
}

// NetworkConfig holds the SIP listener configuration
type NetworkConfig struct {
	// Host address to bind SIP listeners to (0.0.0.0 = all interfaces)
	Host string `json:"host" env:"SIP_HOST" default:"0.0.0.0"`

	// SIP port for UDP/TCP listeners
	Port int `json:"port" env:"SIP_PORT" default:"5060"`

	// Transports to listen on (comma separated: udp,tcp)
	Transports []string `json:"transports" env:"SIP_TRANSPORTS" default:"udp"`

	// Whether TLS (SIPS) is enabled
	EnableTLS bool `json:"enable_tls" env:"ENABLE_TLS" default:"false"`

	// TLS certificate file
	TLSCertFile string `json:"tls_cert_file" env:"TLS_CERT_PATH"`

	// TLS key file
	TLSKeyFile string `json:"tls_key_file" env:"TLS_KEY_PATH"`

	// TLS port
	TLSPort int `json:"tls_port" env:"TLS_PORT" default:"5061"`
}

// DownstreamConfig holds the trunk provider configuration
type DownstreamConfig struct {
	// SIP domain of the trunk provider, e.g. nonocard.sip.twilio.com
	Domain string `json:"domain" env:"DOWNSTREAM_DOMAIN"`

	// Destination user placed in the rewritten request-URI, e.g. +5215541655565
	Destination string `json:"destination" env:"DOWNSTREAM_DESTINATION"`

	// Explicit transport address (host:port). Empty = Domain:5060
	Address string `json:"address" env:"DOWNSTREAM_ADDRESS"`

	// Digest credential the gateway authenticates with
	Username string `json:"username" env:"DOWNSTREAM_USERNAME"`
	Realm    string `json:"realm" env:"DOWNSTREAM_REALM"`
	Password string `json:"password" env:"DOWNSTREAM_PASSWORD"`

	// Maximum number of challenge-triggered resends per INVITE
	MaxChallengeRetries int `json:"max_challenge_retries" env:"DOWNSTREAM_MAX_CHALLENGE_RETRIES" default:"2"`

	// How long to wait for a final downstream response
	ResponseTimeout time.Duration `json:"response_timeout" env:"DOWNSTREAM_RESPONSE_TIMEOUT" default:"32s"`
}

// IdentityConfig holds the identity used when rebuilding the Contact header
type IdentityConfig struct {
	// User part of the gateway's Contact URI
	ContactUser string `json:"contact_user" env:"CONTACT_USER" default:"trunkgw"`

	// Externally reachable host placed in the Contact URI
	ExternalHost string `json:"external_host" env:"EXTERNAL_HOST"`
}

// ResourceConfig holds resource limit configuration
type ResourceConfig struct {
	// Maximum number of concurrent calls (0 = unlimited)
	MaxConcurrentCalls int `json:"max_concurrent_calls" env:"MAX_CONCURRENT_CALLS" default:"0"`

	// How long a dialog may stay idle before the registry sweeps it
	DialogTimeout time.Duration `json:"dialog_timeout" env:"DIALOG_TIMEOUT" default:"4h"`
}

// HTTPConfig holds the observability HTTP server configuration
type HTTPConfig struct {
	// Whether the HTTP server is enabled
	Enabled bool `json:"enabled" env:"HTTP_ENABLED" default:"true"`

	// HTTP port for /metrics and /health
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Log level: debug, info, warn, error
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format: json or text
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`
}

// Load reads configuration from the environment, optionally seeded by a .env file
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	config := &Config{}

	if err := loadNetworkConfig(logger, &config.Network); err != nil {
		return nil, errors.Wrap(err, "failed to load network configuration")
	}

	if err := loadDownstreamConfig(logger, &config.Downstream); err != nil {
		return nil, errors.Wrap(err, "failed to load downstream configuration")
	}

	loadIdentityConfig(logger, &config.Identity)
	loadResourceConfig(&config.Resources)
	loadHTTPConfig(&config.HTTP)
	loadLoggingConfig(&config.Logging)

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

// loadDotEnv tries the usual .env locations; absence is not an error
func loadDotEnv(logger *logrus.Logger) {
	candidates := []string{".env", "../.env"}

	for _, envFile := range candidates {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		if err := godotenv.Load(envFile); err == nil {
			absPath, _ := filepath.Abs(envFile)
			logger.WithField("path", absPath).Info("Loaded .env file")
			return
		}
	}

	logger.Debug("No .env file found, using environment variables only")
}

func loadNetworkConfig(logger *logrus.Logger, config *NetworkConfig) error {
	config.Host = getEnv("SIP_HOST", "0.0.0.0")
	config.Port = getEnvInt("SIP_PORT", 5060)
	config.TLSPort = getEnvInt("TLS_PORT", 5061)
	config.EnableTLS = getEnvBool("ENABLE_TLS", false)
	config.TLSCertFile = getEnv("TLS_CERT_PATH", "")
	config.TLSKeyFile = getEnv("TLS_KEY_PATH", "")

	transports := strings.Split(getEnv("SIP_TRANSPORTS", "udp"), ",")
	config.Transports = config.Transports[:0]
	for _, tr := range transports {
		tr = strings.ToLower(strings.TrimSpace(tr))
		switch tr {
		case "":
			continue
		case "udp", "tcp":
			config.Transports = append(config.Transports, tr)
		default:
			return errors.New("unsupported SIP transport").WithField("transport", tr)
		}
	}
	if len(config.Transports) == 0 {
		config.Transports = []string{"udp"}
	}

	logger.WithFields(logrus.Fields{
		"host":       config.Host,
		"port":       config.Port,
		"transports": config.Transports,
		"tls":        config.EnableTLS,
	}).Debug("Loaded network configuration")

	return nil
}

func loadDownstreamConfig(logger *logrus.Logger, config *DownstreamConfig) error {
	config.Domain = getEnv("DOWNSTREAM_DOMAIN", "")
	config.Destination = getEnv("DOWNSTREAM_DESTINATION", "")
	config.Address = getEnv("DOWNSTREAM_ADDRESS", "")
	config.Username = getEnv("DOWNSTREAM_USERNAME", "")
	config.Realm = getEnv("DOWNSTREAM_REALM", "")
	config.Password = getEnv("DOWNSTREAM_PASSWORD", "")
	config.MaxChallengeRetries = getEnvInt("DOWNSTREAM_MAX_CHALLENGE_RETRIES", 2)
	config.ResponseTimeout = getEnvDuration("DOWNSTREAM_RESPONSE_TIMEOUT", 32*time.Second)

	if config.Address == "" && config.Domain != "" {
		config.Address = net.JoinHostPort(config.Domain, "5060")
	}

	logger.WithFields(logrus.Fields{
		"domain":      config.Domain,
		"destination": config.Destination,
		"address":     config.Address,
		"username":    config.Username,
	}).Debug("Loaded downstream configuration")

	return nil
}

func loadIdentityConfig(logger *logrus.Logger, config *IdentityConfig) {
	config.ContactUser = getEnv("CONTACT_USER", "trunkgw")
	config.ExternalHost = getEnv("EXTERNAL_HOST", "")

	if config.ExternalHost == "" {
		logger.Warn("EXTERNAL_HOST not configured, Contact headers will use a placeholder host")
	}
}

func loadResourceConfig(config *ResourceConfig) {
	config.MaxConcurrentCalls = getEnvInt("MAX_CONCURRENT_CALLS", 0)
	config.DialogTimeout = getEnvDuration("DIALOG_TIMEOUT", 4*time.Hour)
}

func loadHTTPConfig(config *HTTPConfig) {
	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.Port = getEnvInt("HTTP_PORT", 8080)
}

func loadLoggingConfig(config *LoggingConfig) {
	config.Level = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	config.Format = strings.ToLower(getEnv("LOG_FORMAT", "json"))
}

// validateConfig verifies the configuration is usable before startup continues
func validateConfig(config *Config) error {
	if config.Network.Port <= 0 || config.Network.Port > 65535 {
		return errors.New("invalid SIP port").WithField("port", config.Network.Port)
	}

	if config.Downstream.Domain == "" {
		return errors.New("DOWNSTREAM_DOMAIN is required")
	}
	if config.Downstream.Destination == "" {
		return errors.New("DOWNSTREAM_DESTINATION is required")
	}
	if config.Downstream.Username == "" || config.Downstream.Password == "" {
		return errors.New("downstream credential (DOWNSTREAM_USERNAME/DOWNSTREAM_PASSWORD) is required")
	}

	if config.Downstream.MaxChallengeRetries < 0 {
		return errors.New("DOWNSTREAM_MAX_CHALLENGE_RETRIES must not be negative")
	}
	if config.Downstream.ResponseTimeout <= 0 {
		return errors.New("DOWNSTREAM_RESPONSE_TIMEOUT must be positive")
	}

	if config.Network.EnableTLS {
		if config.Network.TLSCertFile == "" || config.Network.TLSKeyFile == "" {
			return errors.New("TLS enabled but TLS_CERT_PATH/TLS_KEY_PATH not set")
		}
	}

	return nil
}

// ApplyLogging configures the given logger according to the logging section
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, "invalid log level").WithField("level", c.Logging.Level)
	}
	logger.SetLevel(level)

	switch c.Logging.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return errors.New("invalid log format").WithField("format", c.Logging.Format)
	}

	return nil
}

// LogStartup writes the effective configuration to the log at startup
func (c *Config) LogStartup(logger *logrus.Logger) {
	logger.WithFields(logrus.Fields{
		"sip_host":       c.Network.Host,
		"sip_port":       c.Network.Port,
		"transports":     c.Network.Transports,
		"tls_enabled":    c.Network.EnableTLS,
		"downstream":     fmt.Sprintf("sip:%s@%s", c.Downstream.Destination, c.Downstream.Domain),
		"address":        c.Downstream.Address,
		"retry_cap":      c.Downstream.MaxChallengeRetries,
		"timeout":        c.Downstream.ResponseTimeout.String(),
		"max_calls":      c.Resources.MaxConcurrentCalls,
		"http_enabled":   c.HTTP.Enabled,
		"http_port":      c.HTTP.Port,
	}).Info("Trunk gateway starting")
}

// Environment helpers

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return parsed
}
