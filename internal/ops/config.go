package ops

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"trader/internal/strategy"
	"trader/pkg/conn"
)

var (
	ErrNoSymbols     = errors.New("config defines no symbols")
	ErrBadInterval   = errors.New("unparsable interval token")
	ErrNoStrategies  = errors.New("symbol defines no strategies")
	ErrBadMarginType = errors.New("margin type must be ISOLATED or CROSSED")
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Trading  TradingConfig   `json:"trading"`
	Symbols  []SymbolConfig  `json:"symbols"`
	Database *DatabaseConfig `json:"database"`
}

// TradingConfig carries the account-wide trading parameters.
type TradingConfig struct {
	RiskPct              float64 `json:"riskPct"`
	FeePct               float64 `json:"feePct"`
	Leverage             float64 `json:"leverage"`
	MarginType           string  `json:"marginType"`
	MarginUsageCap       float64 `json:"marginUsageCap"`
	MaxActiveTrades      int     `json:"maxActiveTrades"`
	MaxConcurrentSymbols int     `json:"maxConcurrentSymbols"`
	Workers              int     `json:"workers"`
	QueueSize            int     `json:"queueSize"`
	FillTimeoutSec       int     `json:"fillTimeoutSec"`
}

// SymbolConfig describes one traded symbol and its strategy instances.
type SymbolConfig struct {
	Name       string           `json:"name"`
	Interval   string           `json:"interval"`
	Lookback   int              `json:"lookback"`
	Strategies []StrategyConfig `json:"strategies"`
}

// StrategyConfig names a registered strategy and its parameters.
// Params applies as-is; ParamSets holds per-symbol sets keyed by
// symbol name, with the "default" set as the base for every symbol.
type StrategyConfig struct {
	Name      string                     `json:"name"`
	Params    strategy.Params            `json:"params"`
	ParamSets map[string]strategy.Params `json:"paramSets"`
}

// resolveParams flattens the strategy parameters for one symbol:
// the "default" set first, the symbol's set over it, then any
// inline Params over both.
func (sc StrategyConfig) resolveParams(symbol string) strategy.Params {
	merged := strategy.Params{}
	for k, v := range sc.ParamSets["default"] {
		merged[k] = v
	}
	for k, v := range sc.ParamSets[symbol] {
		merged[k] = v
	}
	for k, v := range sc.Params {
		merged[k] = v
	}
	return merged
}

// DatabaseConfig describes the optional journal database.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// SymbolSpec is a resolved symbol entry with its parsed interval.
type SymbolSpec struct {
	Name       string
	Interval   time.Duration
	Lookback   int
	Strategies []StrategyConfig
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Trading  TradingConfig
	Symbols  []SymbolSpec
	Database *conn.Option
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse resolves raw JSON config bytes. Strategy names and parameters
// are validated by constructing each strategy once.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "decode config")
	}

	cfg.Trading = cfg.Trading.withDefaults()
	switch cfg.Trading.MarginType {
	case "ISOLATED", "CROSSED":
	default:
		return Loaded{}, errors.Wrap(ErrBadMarginType, cfg.Trading.MarginType)
	}

	if len(cfg.Symbols) == 0 {
		return Loaded{}, ErrNoSymbols
	}

	symbols := make([]SymbolSpec, 0, len(cfg.Symbols))
	for _, sc := range cfg.Symbols {
		interval, err := ParseInterval(sc.Interval)
		if err != nil {
			return Loaded{}, errors.Wrap(err, "symbol interval").With("symbol", sc.Name)
		}
		if len(sc.Strategies) == 0 {
			return Loaded{}, errors.Wrap(ErrNoStrategies, sc.Name)
		}
		strategies := make([]StrategyConfig, 0, len(sc.Strategies))
		for _, st := range sc.Strategies {
			resolved := st.resolveParams(sc.Name)
			if _, err := strategy.New(st.Name, resolved); err != nil {
				return Loaded{}, errors.Wrap(err, "symbol strategy").With("symbol", sc.Name)
			}
			strategies = append(strategies, StrategyConfig{Name: st.Name, Params: resolved})
		}
		lookback := sc.Lookback
		if lookback <= 0 {
			lookback = 500
		}
		symbols = append(symbols, SymbolSpec{
			Name:       sc.Name,
			Interval:   interval,
			Lookback:   lookback,
			Strategies: strategies,
		})
	}

	loaded := Loaded{
		Trading: cfg.Trading,
		Symbols: symbols,
	}
	if cfg.Database != nil {
		loaded.Database = &conn.Option{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
		}
	}
	return loaded, nil
}

func (c TradingConfig) withDefaults() TradingConfig {
	if c.RiskPct <= 0 {
		c.RiskPct = 0.01
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.MarginType == "" {
		c.MarginType = "ISOLATED"
	} else {
		c.MarginType = strings.ToUpper(c.MarginType)
	}
	if c.MaxActiveTrades <= 0 {
		c.MaxActiveTrades = 5
	}
	if c.MaxConcurrentSymbols <= 0 {
		c.MaxConcurrentSymbols = 50
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.FillTimeoutSec <= 0 {
		c.FillTimeoutSec = 30
	}
	return c
}

// FillTimeout returns the pending-entry timeout as a duration.
func (c TradingConfig) FillTimeout() time.Duration {
	return time.Duration(c.FillTimeoutSec) * time.Second
}

// ParseInterval converts tokens like 1m, 15m, 4h, 1d to a duration.
func ParseInterval(token string) (time.Duration, error) {
	token = strings.TrimSpace(strings.ToLower(token))
	if len(token) < 2 {
		return 0, errors.Wrap(ErrBadInterval, token)
	}

	n, err := strconv.Atoi(token[:len(token)-1])
	if err != nil || n <= 0 {
		return 0, errors.Wrap(ErrBadInterval, token)
	}

	switch token[len(token)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, errors.Wrap(ErrBadInterval, token)
	}
}
