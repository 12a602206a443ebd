// Package config loads service configuration from environment variables or
// an optional .env file via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the paygated service.
type Config struct {
	ServerAddr string `mapstructure:"SERVER_ADDR"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	// Payment terms offered in every quote.
	PaymentScheme  string  `mapstructure:"PAYMENT_SCHEME"`
	PaymentNetwork string  `mapstructure:"PAYMENT_NETWORK"`
	PaymentAsset   string  `mapstructure:"PAYMENT_ASSET"`
	PaymentAddress string  `mapstructure:"PAYMENT_ADDRESS"`
	PerSecondRate  float64 `mapstructure:"PER_SECOND_RATE"`
	PaymentTimeout int     `mapstructure:"PAYMENT_TIMEOUT_SECONDS"`

	ResourceURL         string `mapstructure:"RESOURCE_URL"`
	ResourceDescription string `mapstructure:"RESOURCE_DESCRIPTION"`
	ResourceMimeType    string `mapstructure:"RESOURCE_MIME_TYPE"`

	FacilitatorURL    string `mapstructure:"FACILITATOR_URL"`
	FacilitatorAPIKey string `mapstructure:"FACILITATOR_API_KEY"`

	ProviderURL    string `mapstructure:"SAMSAR_API_URL"`
	ProviderAPIKey string `mapstructure:"SAMSAR_API_KEY"`

	// On-chain payment listener (pull model). When disabled, only the push
	// confirmation endpoint is available.
	ListenerEnabled       bool          `mapstructure:"LISTENER_ENABLED"`
	ListenerInterval      time.Duration `mapstructure:"LISTENER_INTERVAL"`
	ListenerConfirmations uint64        `mapstructure:"LISTENER_CONFIRMATIONS"`

	// ChainRPCURLs maps network name to JSON-RPC endpoint, encoded as
	// "network=url,network=url".
	ChainRPCURLs string `mapstructure:"CHAIN_RPC_URLS"`

	PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`

	WebhookURL string `mapstructure:"NOTIFY_WEBHOOK_URL"`
}

// Load reads configuration from the environment and an optional .env file.
func Load() (Config, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("SERVER_ADDR", ":3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PAYMENT_SCHEME", "exact")
	v.SetDefault("PAYMENT_TIMEOUT_SECONDS", 600)
	v.SetDefault("RESOURCE_MIME_TYPE", "video/mp4")
	v.SetDefault("LISTENER_ENABLED", false)
	v.SetDefault("LISTENER_INTERVAL", 5*time.Second)
	v.SetDefault("LISTENER_CONFIRMATIONS", 0)
	v.SetDefault("POLL_INTERVAL", 10*time.Second)

	for _, key := range []string{
		"SERVER_ADDR", "LOG_LEVEL",
		"PAYMENT_SCHEME", "PAYMENT_NETWORK", "PAYMENT_ASSET", "PAYMENT_ADDRESS",
		"PER_SECOND_RATE", "PAYMENT_TIMEOUT_SECONDS",
		"RESOURCE_URL", "RESOURCE_DESCRIPTION", "RESOURCE_MIME_TYPE",
		"FACILITATOR_URL", "FACILITATOR_API_KEY",
		"SAMSAR_API_URL", "SAMSAR_API_KEY",
		"LISTENER_ENABLED", "LISTENER_INTERVAL", "LISTENER_CONFIRMATIONS",
		"CHAIN_RPC_URLS", "POLL_INTERVAL", "NOTIFY_WEBHOOK_URL",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) validate() error {
	var missing []string
	if c.PaymentNetwork == "" {
		missing = append(missing, "PAYMENT_NETWORK")
	}
	if c.PaymentAsset == "" {
		missing = append(missing, "PAYMENT_ASSET")
	}
	if c.PaymentAddress == "" {
		missing = append(missing, "PAYMENT_ADDRESS")
	}
	if c.PerSecondRate <= 0 {
		missing = append(missing, "PER_SECOND_RATE")
	}
	if c.FacilitatorURL == "" {
		missing = append(missing, "FACILITATOR_URL")
	}
	if c.ProviderURL == "" {
		missing = append(missing, "SAMSAR_API_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.ListenerEnabled && len(c.RPCEndpoints()) == 0 {
		return fmt.Errorf("LISTENER_ENABLED requires CHAIN_RPC_URLS")
	}
	return nil
}

// RPCEndpoints parses CHAIN_RPC_URLS into a network -> endpoint map.
// Malformed entries are skipped rather than fatal.
func (c Config) RPCEndpoints() map[string]string {
	endpoints := make(map[string]string)
	for _, pair := range strings.Split(c.ChainRPCURLs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, found := strings.Cut(pair, "=")
		if !found || name == "" || url == "" {
			continue
		}
		endpoints[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}
	return endpoints
}
