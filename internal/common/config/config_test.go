package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestIntegrationAutoEnable(t *testing.T) {
	t.Setenv("OPSRELAY_ENV", "")

	t.Run("email follows smtp host", func(t *testing.T) {
		cfg := &Config{SMTP: SMTPConfig{Host: "smtp.example.com"}}
		applyIntegrationAutoEnable(viper.New(), cfg)

		assert.True(t, cfg.Dispatcher.IntegrationDefaults["email"].Enabled)
		assert.False(t, cfg.Dispatcher.IntegrationDefaults["slack"].Enabled)
	})

	t.Run("slack follows bot token", func(t *testing.T) {
		cfg := &Config{Slack: SlackConfig{BotToken: "xoxb-1"}}
		applyIntegrationAutoEnable(viper.New(), cfg)

		assert.True(t, cfg.Dispatcher.IntegrationDefaults["slack"].Enabled)
		assert.False(t, cfg.Dispatcher.IntegrationDefaults["email"].Enabled)
	})

	t.Run("test integration on outside production", func(t *testing.T) {
		cfg := &Config{}
		applyIntegrationAutoEnable(viper.New(), cfg)

		assert.True(t, cfg.Dispatcher.IntegrationDefaults["test"].Enabled)
	})

	t.Run("test integration off in production", func(t *testing.T) {
		t.Setenv("OPSRELAY_ENV", "production")
		cfg := &Config{}
		applyIntegrationAutoEnable(viper.New(), cfg)

		assert.False(t, cfg.Dispatcher.IntegrationDefaults["test"].Enabled)
	})

	t.Run("explicit enabled key wins over derivation", func(t *testing.T) {
		v := viper.New()
		v.Set("dispatcher.integrationDefaults.email.enabled", false)
		cfg := &Config{
			SMTP: SMTPConfig{Host: "smtp.example.com"},
			Dispatcher: DispatcherConfig{
				IntegrationDefaults: map[string]IntegrationDefault{
					"email": {Enabled: false, Priority: 5},
				},
			},
		}
		applyIntegrationAutoEnable(v, cfg)

		assert.False(t, cfg.Dispatcher.IntegrationDefaults["email"].Enabled)
	})

	t.Run("derivation keeps the other default fields", func(t *testing.T) {
		cfg := &Config{
			SMTP: SMTPConfig{Host: "smtp.example.com"},
			Dispatcher: DispatcherConfig{
				IntegrationDefaults: map[string]IntegrationDefault{
					"email": {Priority: 7, RetryCount: 2},
				},
			},
		}
		applyIntegrationAutoEnable(viper.New(), cfg)

		def := cfg.Dispatcher.IntegrationDefaults["email"]
		assert.True(t, def.Enabled)
		assert.Equal(t, 7, def.Priority)
		assert.Equal(t, 2, def.RetryCount)
	})
}
