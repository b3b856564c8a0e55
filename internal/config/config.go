package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig
	Redis  RedisConfig
	Ledger LedgerConfig
	Oracle OracleConfig
	Vault  VaultConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type LedgerConfig struct {
	AdminAddress         string `mapstructure:"admin_address"`
	NetworkID            uint64 `mapstructure:"network_id"`
	MaxProviders         uint64 `mapstructure:"max_providers"`
	MinProviderFee       uint64 `mapstructure:"min_provider_fee"`
	MinSubscriberDeposit uint64 `mapstructure:"min_subscriber_deposit"`
}

// OracleConfig selects the quote source: "static" uses the fixed
// price/decimals below, "feed" reads a Chainlink-style aggregator.
type OracleConfig struct {
	Mode           string `mapstructure:"mode"`
	StaticPrice    string `mapstructure:"static_price"`
	StaticDecimals uint8  `mapstructure:"static_decimals"`
	FeedAddress    string `mapstructure:"feed_address"`
}

// VaultConfig selects the value-transfer backend: "none" leaves the
// books without external settlement (development), "chain" moves an
// ERC-20 token through the custody address.
type VaultConfig struct {
	Mode         string `mapstructure:"mode"`
	RPCURL       string `mapstructure:"rpc_url"`
	ChainID      int64  `mapstructure:"chain_id"`
	TokenAddress string `mapstructure:"token_address"`
	CustodyKey   string `mapstructure:"custody_key"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("ledger.max_providers", 256)
	v.SetDefault("ledger.min_provider_fee", 50)
	v.SetDefault("ledger.min_subscriber_deposit", 100)
	v.SetDefault("oracle.mode", "static")
	v.SetDefault("oracle.static_price", "1")
	v.SetDefault("oracle.static_decimals", 0)
	v.SetDefault("vault.mode", "none")

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
		"server.port":                   "PORT",
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"ledger.admin_address":          "ADMIN_ADDRESS",
		"ledger.network_id":             "NETWORK_ID",
		"ledger.max_providers":          "MAX_PROVIDERS",
		"ledger.min_provider_fee":       "MIN_PROVIDER_FEE",
		"ledger.min_subscriber_deposit": "MIN_SUBSCRIBER_DEPOSIT",
		"oracle.mode":                   "ORACLE_MODE",
		"oracle.static_price":           "ORACLE_STATIC_PRICE",
		"oracle.static_decimals":        "ORACLE_STATIC_DECIMALS",
		"oracle.feed_address":           "ORACLE_FEED_ADDRESS",
		"vault.mode":                    "VAULT_MODE",
		"vault.rpc_url":                 "RPC_URL",
		"vault.chain_id":                "CHAIN_ID",
		"vault.token_address":           "TOKEN_ADDRESS",
		"vault.custody_key":             "CUSTODY_KEY",
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
	if c.Ledger.AdminAddress == "" {
		return fmt.Errorf("required config missing: ADMIN_ADDRESS")
	}
	if c.Ledger.NetworkID == 0 {
		return fmt.Errorf("required config missing: NETWORK_ID")
	}

	switch c.Oracle.Mode {
	case "static":
		if c.Oracle.StaticPrice == "" {
			return fmt.Errorf("required config missing: ORACLE_STATIC_PRICE")
		}
	case "feed":
		if c.Oracle.FeedAddress == "" {
			return fmt.Errorf("required config missing: ORACLE_FEED_ADDRESS")
		}
		if c.Vault.RPCURL == "" {
			return fmt.Errorf("oracle mode feed needs RPC_URL")
		}
	default:
		return fmt.Errorf("unknown oracle mode %q", c.Oracle.Mode)
	}

	switch c.Vault.Mode {
	case "none":
	case "chain":
		for _, r := range []struct{ val, name string }{
			{c.Vault.RPCURL, "RPC_URL"},
			{c.Vault.TokenAddress, "TOKEN_ADDRESS"},
			{c.Vault.CustodyKey, "CUSTODY_KEY"},
		} {
			if r.val == "" {
				return fmt.Errorf("required config missing: %s", r.name)
			}
		}
		if c.Vault.ChainID == 0 {
			return fmt.Errorf("required config missing: CHAIN_ID")
		}
	default:
		return fmt.Errorf("unknown vault mode %q", c.Vault.Mode)
	}
	return nil
}
