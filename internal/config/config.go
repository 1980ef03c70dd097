// Package config declares the process-wide configuration surface of spec
// §6 and loads it with the teacher's viper-backed pkg/config.LoadAndWatch,
// the same way apps/wallet/config once loaded etc/wallet.yaml.
package config

import "gopherex.com/pkg/config"

type CoinType string

const (
	Satoshi CoinType = "Satoshi" // UTXO-address distinction (BTC-like)
	Buterin CoinType = "Buterin" // address distinction, HD sweep (ETH-like)
	ERC20   CoinType = "ERC20"   // amount distinction, shared contract address
	Ripple  CoinType = "Ripple"  // tag distinction (XRPL-like)
)

// UTXOOptions configures a Satoshi-type coin's backend RPC daemon.
type UTXOOptions struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	UnlockPassword string `mapstructure:"unlock_password"`
	Label          string `mapstructure:"label"`
	Network        string `mapstructure:"network"` // mainnet, testnet, regtest
}

// AccountOptions configures a Buterin/ERC20-type coin's web3 endpoint and
// HD seed.
type AccountOptions struct {
	Web3URL         string `mapstructure:"web3_url"`
	Mnemonic        string `mapstructure:"mnemonic"`
	ContractAddress string `mapstructure:"contract_address"`
	RootAddress     string `mapstructure:"root_address"`
	RootPrivateKey  string `mapstructure:"root_private_key"`
	GasPriceWei     string `mapstructure:"gas_price_wei"`
	GasUnits        uint64 `mapstructure:"gas_units"`
}

// TagOptions configures a Ripple-type coin's server and signing passphrase.
type TagOptions struct {
	BackendURL string `mapstructure:"backend_url"`
	Mnemonic   string `mapstructure:"mnemonic"`
	Passphrase string `mapstructure:"passphrase"`
	RootAddress string `mapstructure:"root_address"`
}

// Coin is one entry of the `coins[]` list of spec §6.
type Coin struct {
	Name string   `mapstructure:"name"`
	Type CoinType `mapstructure:"type"`

	Decimals       int32  `mapstructure:"decimals"`
	MinimumAmount  string `mapstructure:"minimum_amount"`
	Confirmations  int64  `mapstructure:"confirmations"`
	StaticFee      string `mapstructure:"static_fee"`
	DatabasePath   string `mapstructure:"database_path"`
	RoundingMode   string `mapstructure:"rounding_mode"` // "truncate" | "half_up"
	PollInterval   int    `mapstructure:"poll_interval_seconds"`

	UTXO    UTXOOptions    `mapstructure:"backend_options"`
	Account AccountOptions `mapstructure:"account_options"`
	Tag     TagOptions     `mapstructure:"tag_options"`
}

// Config is the process-wide configuration surface.
type Config struct {
	Name  string `mapstructure:"name"`
	Coins []Coin `mapstructure:"coins"`

	Mysql struct {
		DataSource string `mapstructure:"data_source"`
	} `mapstructure:"mysql"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	TickInterval int `mapstructure:"tick_interval_seconds"` // default 10, spec §4.4
}

// Load reads config/custodian.yaml (or ./custodian.yaml) and hot-reloads it
// on change, exactly as pkg/config.LoadAndWatch already does for every other
// service in this codebase.
func Load() (*Config, error) {
	var c Config
	if _, err := config.LoadAndWatch("custodian", &c); err != nil {
		return nil, err
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10
	}
	return &c, nil
}
