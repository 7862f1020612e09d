// Package config loads the process configuration (spec.md §6) from a TOML
// document, following the teacher's field-name-preserving toml.Config
// convention (cmd/ranger/config.go).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
)

// tomlSettings keeps the key of an untagged field identical to its Go
// field name, matching the teacher's dumpconfig/loadConfig convention.
// Every field below carries an explicit toml tag, which takes precedence,
// so the document's keys are those tag names (e.g. service_sleep).
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see godoc for %s#%s", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// EngineConfig is engine.{service_sleep, process_sleep, automatic_recover}.
type EngineConfig struct {
	ServiceSleepSeconds int  `toml:"service_sleep"`
	ProcessSleepSeconds int  `toml:"process_sleep"`
	AutomaticRecover    bool `toml:"automatic_recover"`
}

// TokenConfig is a chain's optional ERC20 token entry.
type TokenConfig struct {
	Symbol  string `toml:"symbol"`
	Address string `toml:"address"`
	Faucet  string `toml:"faucet"`
}

// MultiContractConfig is a chain's optional multi-send contract entry.
type MultiContractConfig struct {
	Address   string `toml:"address"`
	MaxAtOnce int    `toml:"max_at_once"`
}

// ChainConfig is one entry of the per-chain configuration list (spec.md §6).
type ChainConfig struct {
	ChainID               uint64               `toml:"chain_id"`
	ChainName             string               `toml:"chain_name"`
	RPCEndpoints          []string             `toml:"rpc_endpoints"`
	CurrencySymbol        string               `toml:"currency_symbol"`
	PriorityFeeGwei       float64              `toml:"priority_fee"`
	MaxFeePerGasGwei      float64              `toml:"max_fee_per_gas"`
	GasLeftWarningLimit   uint64               `toml:"gas_left_warning_limit"`
	Token                 *TokenConfig         `toml:"token"`
	MultiContract         *MultiContractConfig `toml:"multi_contract"`
	TransactionTimeoutSec int                  `toml:"transaction_timeout"`
	ConfirmationBlocks    uint64               `toml:"confirmation_blocks"`
	FaucetEthAmount       string               `toml:"faucet_eth_amount"`
	FaucetGlmAmount       string               `toml:"faucet_glm_amount"`
	BlockExplorerURL      string               `toml:"block_explorer_url"`
}

// Config is the top-level document this process loads.
type Config struct {
	Engine EngineConfig  `toml:"engine"`
	Chains []ChainConfig `toml:"chains"`
}

// Load reads and decodes the TOML document at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg); err != nil {
		var lineErr *toml.LineError
		if errors.As(err, &lineErr) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, fmt.Errorf("decode config %q: %w", path, err)
	}
	return &cfg, nil
}

// ChainByID looks up one configured chain.
func (c *Config) ChainByID(chainID uint64) (*ChainConfig, bool) {
	for i := range c.Chains {
		if c.Chains[i].ChainID == chainID {
			return &c.Chains[i], true
		}
	}
	return nil, false
}
