package config

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setRequiredEnv(t *testing.T) {
	t.Setenv("DOWNSTREAM_DOMAIN", "nonocard.sip.twilio.com")
	t.Setenv("DOWNSTREAM_DESTINATION", "+5215541655565")
	t.Setenv("DOWNSTREAM_USERNAME", "gateway")
	t.Setenv("DOWNSTREAM_REALM", "sip.twilio.com")
	t.Setenv("DOWNSTREAM_PASSWORD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Network.Host)
	assert.Equal(t, 5060, cfg.Network.Port)
	assert.Equal(t, []string{"udp"}, cfg.Network.Transports)
	assert.False(t, cfg.Network.EnableTLS)

	assert.Equal(t, "nonocard.sip.twilio.com:5060", cfg.Downstream.Address)
	assert.Equal(t, 2, cfg.Downstream.MaxChallengeRetries)
	assert.Equal(t, 32*time.Second, cfg.Downstream.ResponseTimeout)

	assert.Equal(t, "trunkgw", cfg.Identity.ContactUser)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadRequiresDownstreamDomain(t *testing.T) {
	t.Setenv("DOWNSTREAM_DOMAIN", "")
	t.Setenv("DOWNSTREAM_DESTINATION", "+100")
	t.Setenv("DOWNSTREAM_USERNAME", "u")
	t.Setenv("DOWNSTREAM_PASSWORD", "p")

	_, err := Load(testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOWNSTREAM_DOMAIN")
}

func TestLoadRequiresCredential(t *testing.T) {
	t.Setenv("DOWNSTREAM_DOMAIN", "trunk.example.com")
	t.Setenv("DOWNSTREAM_DESTINATION", "+100")
	t.Setenv("DOWNSTREAM_USERNAME", "")
	t.Setenv("DOWNSTREAM_PASSWORD", "")

	_, err := Load(testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential")
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SIP_TRANSPORTS", "udp,sctp")

	_, err := Load(testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport")
}

func TestLoadTLSRequiresCertAndKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENABLE_TLS", "true")

	_, err := Load(testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS")
}

func TestLoadExplicitDownstreamAddress(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DOWNSTREAM_ADDRESS", "10.0.0.5:5080")

	cfg, err := Load(testLogger())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:5080", cfg.Downstream.Address)
}

func TestApplyLogging(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug", Format: "text"}}
	logger := testLogger()

	require.NoError(t, cfg.ApplyLogging(logger))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	cfg.Logging.Level = "noisy"
	require.Error(t, cfg.ApplyLogging(logger))
}
