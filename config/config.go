package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Mode selects the custodian backing the exchange.
type Mode string

const (
	ModeSimulate Mode = "simulate"
	ModeEVM      Mode = "evm"
)

const (
	defaultWalDir        = "./wal/exchange"
	defaultCustodyKeyEnv = "EXLEDGER_CUSTODY_KEY"
	defaultTokenDecimals = 18
	defaultHTTPAddr      = ":8000"
)

// DefaultSimulateCustody is the custody address of the simulated chain when none is configured.
var DefaultSimulateCustody = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")

// Token is a configured token contract.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

type Config struct {
	FeeAccount     common.Address
	FeePercent     uint64
	WalDir         string
	Mode           Mode
	RPCURL         string
	ChainID        uint64
	CustodyKeyEnv  string
	CustodyAddress common.Address
	StateDir       string
	Tokens         []Token
	HTTPAddr       string
	TLSDomains     []string
	CertCacheDir   string
}

type ConfigTmp struct {
	FeeAccount     string     `yaml:"fee_account"`
	FeePercent     string     `yaml:"fee_percent,omitempty"`
	WalDir         string     `yaml:"wal_dir,omitempty"`
	Mode           string     `yaml:"mode,omitempty"`
	RPCURL         string     `yaml:"rpc_url,omitempty"`
	ChainID        string     `yaml:"chain_id,omitempty"`
	CustodyKeyEnv  string     `yaml:"custody_key_env,omitempty"`
	CustodyAddress string     `yaml:"custody_address,omitempty"`
	StateDir       string     `yaml:"state_dir,omitempty"`
	Tokens         []TokenTmp `yaml:"tokens,omitempty"`
	HTTPAddr       string     `yaml:"http_addr,omitempty"`
	TLSDomains     []string   `yaml:"tls_domains,omitempty"`
	CertCacheDir   string     `yaml:"cert_cache_dir,omitempty"`
}

type TokenTmp struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals string `yaml:"decimals,omitempty"`
}

// Get parses the -config flag and returns the config and the remaining command line.
func Get() (Config, []string, error) {
	config := flag.String("config", "", "path to yaml config")
	flag.Parse()
	if *config == "" {
		return Config{}, nil, fmt.Errorf("--config is required")
	}

	cfg, err := Load(*config)
	if err != nil {
		return Config{}, nil, err
	}

	return cfg, flag.Args(), nil
}

// Load reads and parses the yaml config at path.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	return Parse(f)
}

// Parse parses a yaml config document.
func Parse(data []byte) (Config, error) {
	var c ConfigTmp
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}

	feeAccount, err := parseAddress(c.FeeAccount)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'fee_account' param in yaml config: %s, error: %w", c.FeeAccount, err)
	}

	cfg := Config{
		FeeAccount:     feeAccount,
		WalDir:         c.WalDir,
		Mode:           Mode(strings.ToLower(strings.TrimSpace(c.Mode))),
		RPCURL:         strings.TrimSpace(c.RPCURL),
		CustodyKeyEnv:  c.CustodyKeyEnv,
		StateDir:       c.StateDir,
		CustodyAddress: DefaultSimulateCustody,
		HTTPAddr:       c.HTTPAddr,
		TLSDomains:     c.TLSDomains,
		CertCacheDir:   c.CertCacheDir,
	}

	if c.FeePercent != "" {
		percent, err := strconv.ParseUint(c.FeePercent, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'fee_percent' param in yaml config (must be an integer), error: %w", err)
		}
		if percent > 100 {
			return Config{}, fmt.Errorf("incorrect 'fee_percent' param in yaml config: %d exceeds 100", percent)
		}
		cfg.FeePercent = percent
	}

	if cfg.WalDir == "" {
		cfg.WalDir = defaultWalDir
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if cfg.CustodyKeyEnv == "" {
		cfg.CustodyKeyEnv = defaultCustodyKeyEnv
	}

	switch cfg.Mode {
	case "":
		cfg.Mode = ModeSimulate
	case ModeSimulate:
	case ModeEVM:
		if cfg.RPCURL == "" {
			return Config{}, fmt.Errorf("'rpc_url' is required in evm mode")
		}
	default:
		return Config{}, fmt.Errorf("unsupported 'mode' param in yaml config: %s", c.Mode)
	}

	if c.ChainID != "" {
		chainID, err := strconv.ParseUint(c.ChainID, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'chain_id' param in yaml config (must be an integer), error: %w", err)
		}
		cfg.ChainID = chainID
	}

	if c.CustodyAddress != "" {
		custody, err := parseAddress(c.CustodyAddress)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'custody_address' param in yaml config: %s, error: %w", c.CustodyAddress, err)
		}
		cfg.CustodyAddress = custody
	}

	seen := make(map[string]struct{}, len(c.Tokens))
	for _, t := range c.Tokens {
		token, err := parseToken(t)
		if err != nil {
			return Config{}, err
		}
		if _, ok := seen[token.Symbol]; ok {
			return Config{}, fmt.Errorf("duplicate token symbol %s in yaml config", token.Symbol)
		}
		seen[token.Symbol] = struct{}{}
		cfg.Tokens = append(cfg.Tokens, token)
	}

	return cfg, nil
}

// TokenMap returns configured token addresses keyed by symbol.
func (c Config) TokenMap() map[string]common.Address {
	out := make(map[string]common.Address, len(c.Tokens))
	for _, t := range c.Tokens {
		out[t.Symbol] = t.Address
	}
	return out
}

// Decimals returns the configured decimals of the token at addr, 18 if it is not configured.
func (c Config) Decimals(addr common.Address) int32 {
	for _, t := range c.Tokens {
		if t.Address == addr {
			return t.Decimals
		}
	}
	return defaultTokenDecimals
}

func parseToken(t TokenTmp) (Token, error) {
	symbol := strings.ToUpper(strings.TrimSpace(t.Symbol))
	if symbol == "" {
		return Token{}, fmt.Errorf("token with address %s has no symbol", t.Address)
	}

	addr, err := parseAddress(t.Address)
	if err != nil {
		return Token{}, fmt.Errorf("incorrect address for token %s: %s, error: %w", symbol, t.Address, err)
	}

	decimals := int64(defaultTokenDecimals)
	if t.Decimals != "" {
		decimals, err = strconv.ParseInt(t.Decimals, 10, 32)
		if err != nil || decimals < 0 || decimals > 77 {
			return Token{}, fmt.Errorf("incorrect decimals for token %s: %s", symbol, t.Decimals)
		}
	}

	return Token{Symbol: symbol, Address: addr, Decimals: int32(decimals)}, nil
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("not a hex address")
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address")
	}
	return addr, nil
}
