// Package config loads run configuration from a YAML file via viper and
// maps it onto the component configs. Monetary amounts live in the file
// as strings and parse to exact decimals.
package config

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/yanun0323/errors"

	"propdesk/internal/bridge"
	"propdesk/internal/broker/sim"
	"propdesk/internal/engine"
	"propdesk/internal/risk"
	"propdesk/internal/schema"
	"propdesk/internal/store"
)

// Config is the full run configuration.
type Config struct {
	Engine      EngineConfig
	Risk        RiskConfig
	Instruments []InstrumentConfig
	Sim         SimConfig
	Bridge      BridgeConfig
	Journal     JournalConfig
	Store       StoreConfig
}

type EngineConfig struct {
	InitialBalance  decimal.Decimal
	DefaultQuantity decimal.Decimal
	BusCapacity     int
	ShutdownTimeout time.Duration
}

type RiskConfig struct {
	// Profile names a builtin rule set; the remaining fields override it
	// when non-zero.
	Profile         string
	DailyLossLimit  decimal.Decimal
	MaxDrawdown     decimal.Decimal
	MaxPositionSize decimal.Decimal
	MaxContracts    int
	TradingStart    string
	TradingEnd      string
	AdverseTicks    decimal.Decimal
}

type InstrumentConfig struct {
	Symbol       string
	AssetClass   string
	TickSize     decimal.Decimal
	TickValue    decimal.Decimal
	ContractSize decimal.Decimal
	Currency     string
	Exchange     string
}

type SimConfig struct {
	SlippageModel   string
	SlippageTicks   decimal.Decimal
	SlippagePct     decimal.Decimal
	CommissionModel string
	CommissionRate  decimal.Decimal
}

type BridgeConfig struct {
	Addr              string
	HeartbeatInterval time.Duration
	Timeframe         string
}

type JournalConfig struct {
	Path string
}

type StoreConfig struct {
	Enabled    bool
	ConnString string
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := &Config{
		Engine: EngineConfig{
			InitialBalance:  dec(v, "engine.initial_balance"),
			DefaultQuantity: dec(v, "engine.default_quantity"),
			BusCapacity:     v.GetInt("engine.bus_capacity"),
			ShutdownTimeout: v.GetDuration("engine.shutdown_timeout"),
		},
		Risk: RiskConfig{
			Profile:         v.GetString("risk.profile"),
			DailyLossLimit:  dec(v, "risk.daily_loss_limit"),
			MaxDrawdown:     dec(v, "risk.max_drawdown"),
			MaxPositionSize: dec(v, "risk.max_position_size"),
			MaxContracts:    v.GetInt("risk.max_contracts"),
			TradingStart:    v.GetString("risk.trading_start"),
			TradingEnd:      v.GetString("risk.trading_end"),
			AdverseTicks:    dec(v, "risk.adverse_ticks"),
		},
		Sim: SimConfig{
			SlippageModel:   v.GetString("sim.slippage_model"),
			SlippageTicks:   dec(v, "sim.slippage_ticks"),
			SlippagePct:     dec(v, "sim.slippage_pct"),
			CommissionModel: v.GetString("sim.commission_model"),
			CommissionRate:  dec(v, "sim.commission_rate"),
		},
		Bridge: BridgeConfig{
			Addr:              v.GetString("bridge.addr"),
			HeartbeatInterval: v.GetDuration("bridge.heartbeat_interval"),
			Timeframe:         v.GetString("bridge.timeframe"),
		},
		Journal: JournalConfig{Path: v.GetString("journal.path")},
		Store: StoreConfig{
			Enabled:    v.GetBool("store.enabled"),
			ConnString: v.GetString("store.conn_string"),
			Host:       v.GetString("store.host"),
			Port:       v.GetInt("store.port"),
			User:       v.GetString("store.user"),
			Password:   v.GetString("store.password"),
			Database:   v.GetString("store.database"),
			SSLMode:    v.GetString("store.sslmode"),
		},
	}

	raws, _ := v.Get("instruments").([]any)
	for _, raw := range raws {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.New("instruments entries must be maps")
		}
		inst := InstrumentConfig{
			Symbol:       str(m, "symbol"),
			AssetClass:   str(m, "asset_class"),
			TickSize:     decFrom(str(m, "tick_size")),
			TickValue:    decFrom(str(m, "tick_value")),
			ContractSize: decFrom(str(m, "contract_size")),
			Currency:     str(m, "currency"),
			Exchange:     str(m, "exchange"),
		}
		cfg.Instruments = append(cfg.Instruments, inst)
	}

	return cfg, nil
}

func dec(v *viper.Viper, key string) decimal.Decimal {
	return decFrom(v.GetString(key))
}

func decFrom(s string) decimal.Decimal {
	if s == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}

func assetClass(s string) schema.AssetClass {
	switch s {
	case "futures":
		return schema.AssetClassFutures
	case "cfd":
		return schema.AssetClassCFD
	case "crypto":
		return schema.AssetClassCrypto
	default:
		return schema.AssetClassUnknown
	}
}

func str(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// EngineConfig maps onto the engine's config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		InitialBalance:  c.Engine.InitialBalance,
		DefaultQuantity: c.Engine.DefaultQuantity,
		BusCapacity:     c.Engine.BusCapacity,
		ShutdownTimeout: c.Engine.ShutdownTimeout,
	}
}

// RiskProfile resolves the named builtin profile and applies overrides.
func (c *Config) RiskProfile() (risk.Profile, error) {
	profile, ok := risk.BuiltinProfile(c.Risk.Profile)
	if !ok {
		return risk.Profile{}, errors.New("unknown risk profile " + c.Risk.Profile)
	}
	if !c.Risk.DailyLossLimit.IsZero() {
		profile.DailyLossLimit = c.Risk.DailyLossLimit
	}
	if !c.Risk.MaxDrawdown.IsZero() {
		profile.MaxDrawdown = c.Risk.MaxDrawdown
	}
	if !c.Risk.MaxPositionSize.IsZero() {
		profile.MaxPositionSize = c.Risk.MaxPositionSize
	}
	if c.Risk.MaxContracts > 0 {
		profile.MaxContracts = c.Risk.MaxContracts
	}
	if c.Risk.TradingStart != "" {
		start, err := risk.ParseClock(c.Risk.TradingStart)
		if err != nil {
			return risk.Profile{}, err
		}
		profile.TradingStart = start
	}
	if c.Risk.TradingEnd != "" {
		end, err := risk.ParseClock(c.Risk.TradingEnd)
		if err != nil {
			return risk.Profile{}, err
		}
		profile.TradingEnd = end
	}
	if !c.Engine.InitialBalance.IsZero() {
		profile.InitialBalance = c.Engine.InitialBalance
	}
	return profile, nil
}

// SchemaInstruments maps the configured instruments onto schema types.
func (c *Config) SchemaInstruments() []schema.Instrument {
	out := make([]schema.Instrument, 0, len(c.Instruments))
	for _, ic := range c.Instruments {
		out = append(out, schema.Instrument{
			Symbol:       ic.Symbol,
			AssetClass:   assetClass(ic.AssetClass),
			TickSize:     ic.TickSize,
			TickValue:    ic.TickValue,
			ContractSize: ic.ContractSize,
			Currency:     ic.Currency,
			Exchange:     ic.Exchange,
		})
	}
	return out
}

// SimBrokerConfig maps onto the simulated broker's config.
func (c *Config) SimBrokerConfig() sim.Config {
	cfg := sim.DefaultConfig()
	if c.Sim.SlippageModel == "percent" {
		cfg.Slippage = sim.SlippagePercent
	}
	if !c.Sim.SlippageTicks.IsZero() {
		cfg.SlippageTicks = c.Sim.SlippageTicks
	}
	if !c.Sim.SlippagePct.IsZero() {
		cfg.SlippagePct = c.Sim.SlippagePct
	}
	if c.Sim.CommissionModel == "percent" {
		cfg.Commission = sim.CommissionPercent
	}
	if !c.Sim.CommissionRate.IsZero() {
		cfg.CommissionRate = c.Sim.CommissionRate
	}
	return cfg
}

// BridgeBrokerConfig maps onto the bridge broker's config, subscribing
// every configured instrument at the configured timeframe.
func (c *Config) BridgeBrokerConfig() bridge.Config {
	tf := schema.Timeframe(c.Bridge.Timeframe)
	if tf == "" {
		tf = schema.Timeframe1Min
	}
	cfg := bridge.Config{
		Addr:              c.Bridge.Addr,
		HeartbeatInterval: c.Bridge.HeartbeatInterval,
	}
	for _, inst := range c.Instruments {
		cfg.Subscriptions = append(cfg.Subscriptions, bridge.Subscription{
			Instrument: inst.Symbol,
			Timeframe:  tf,
		})
	}
	return cfg
}

// StoreOptions maps onto the store's connection options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		ConnString: c.Store.ConnString,
		Host:       c.Store.Host,
		Port:       c.Store.Port,
		User:       c.Store.User,
		Password:   c.Store.Password,
		Database:   c.Store.Database,
		SSLMode:    c.Store.SSLMode,
	}
}
