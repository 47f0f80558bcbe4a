// Package config loads the daemon configuration from an optional config file
// and environment variables. Missing required keys fail startup before any
// traffic is accepted.
package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Billing     BillingConfig
	Chain       ChainConfig
	Facilitator FacilitatorConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	// Addr empty means the in-memory store is used.
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type BillingConfig struct {
	PricePerMessageMicroUSDC int64  `mapstructure:"price_per_message_micro_usdc"`
	DailyCapMicroUSDC        int64  `mapstructure:"daily_cap_micro_usdc"`
	BatchThreshold           int    `mapstructure:"batch_threshold"`
	BatchTimeoutSec          int64  `mapstructure:"batch_timeout_sec"`
	MandateValiditySec       int64  `mapstructure:"mandate_validity_sec"`
	ServiceType              string `mapstructure:"service_type"`
	ModelName                string `mapstructure:"model_name"`
}

type ChainConfig struct {
	Network            string `mapstructure:"network"`
	RPCURL             string `mapstructure:"rpc_url"`
	USDCAddress        string `mapstructure:"usdc_address"`
	MerchantPrivateKey string `mapstructure:"merchant_private_key"`
}

type FacilitatorConfig struct {
	URL string `mapstructure:"url"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 3001)
	v.SetDefault("billing.price_per_message_micro_usdc", 100)
	v.SetDefault("billing.daily_cap_micro_usdc", 5000000)
	v.SetDefault("billing.batch_threshold", 5)
	v.SetDefault("billing.batch_timeout_sec", 3600)
	v.SetDefault("billing.mandate_validity_sec", 86400)
	v.SetDefault("billing.service_type", "ai-chat")
	v.SetDefault("billing.model_name", "llama3.1:8b")
	v.SetDefault("chain.network", "arbitrum-sepolia")
	v.SetDefault("facilitator.url", "http://localhost:3002")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                          "PORT",
		"redis.addr":                           "REDIS_ADDR",
		"redis.password":                       "REDIS_PASSWORD",
		"billing.price_per_message_micro_usdc": "PRICE_PER_MESSAGE_MICRO_USDC",
		"billing.daily_cap_micro_usdc":         "DAILY_CAP_MICRO_USDC",
		"billing.batch_threshold":              "BATCH_THRESHOLD",
		"billing.batch_timeout_sec":            "BATCH_TIMEOUT_SEC",
		"billing.mandate_validity_sec":         "MANDATE_VALIDITY_SEC",
		"billing.service_type":                 "SERVICE_TYPE",
		"billing.model_name":                   "MODEL_NAME",
		"chain.network":                        "NETWORK",
		"chain.rpc_url":                        "RPC_URL",
		"chain.usdc_address":                   "USDC_ADDRESS",
		"chain.merchant_private_key":           "MERCHANT_PRIVATE_KEY",
		"facilitator.url":                      "FACILITATOR_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	for _, r := range []struct {
		val  string
		name string
	}{
		{c.Chain.MerchantPrivateKey, "MERCHANT_PRIVATE_KEY"},
		{c.Chain.USDCAddress, "USDC_ADDRESS"},
		{c.Chain.Network, "NETWORK"},
		{c.Facilitator.URL, "FACILITATOR_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if !common.IsHexAddress(c.Chain.USDCAddress) {
		return fmt.Errorf("invalid USDC_ADDRESS: %s", c.Chain.USDCAddress)
	}
	if c.Billing.PricePerMessageMicroUSDC <= 0 {
		return fmt.Errorf("PRICE_PER_MESSAGE_MICRO_USDC must be positive")
	}
	if c.Billing.DailyCapMicroUSDC <= 0 {
		return fmt.Errorf("DAILY_CAP_MICRO_USDC must be positive")
	}
	if c.Billing.BatchThreshold < 1 {
		return fmt.Errorf("BATCH_THRESHOLD must be at least 1")
	}
	if c.Billing.MandateValiditySec <= 0 {
		return fmt.Errorf("MANDATE_VALIDITY_SEC must be positive")
	}
	return nil
}
