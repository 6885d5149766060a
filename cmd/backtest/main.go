package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"propdesk/internal/broker/sim"
	"propdesk/internal/config"
	"propdesk/internal/engine"
	"propdesk/internal/feed"
	"propdesk/internal/journal"
	"propdesk/internal/risk"
	"propdesk/internal/store"
	"propdesk/internal/strategy"
)

func main() {
	configPath := flag.String("config", "configs/backtest.yaml", "Path to YAML config")
	replayPath := flag.String("replay", "", "Replay market data from a session journal instead of generating it")
	bars := flag.Int("bars", 2000, "Synthetic bars to generate when not replaying")
	seed := flag.Uint64("seed", 42, "Synthetic data seed")
	basePrice := flag.String("base-price", "5000", "Synthetic data starting price")
	flag.Parse()

	if err := run(*configPath, *replayPath, *bars, *seed, *basePrice); err != nil {
		logs.Errorf("backtest failed: %v", err)
		os.Exit(1)
	}
}

func run(configPath, replayPath string, bars int, seed uint64, basePrice string) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	instruments := cfg.SchemaInstruments()
	if len(instruments) == 0 {
		return fmt.Errorf("no instruments configured")
	}

	profile, err := cfg.RiskProfile()
	if err != nil {
		return err
	}
	var riskOpts []risk.Option
	if cfg.Risk.AdverseTicks.IsPositive() {
		riskOpts = append(riskOpts, risk.WithAdverseSlippageTicks(cfg.Risk.AdverseTicks))
	}
	rm, err := risk.NewManager(profile, riskOpts...)
	if err != nil {
		return err
	}

	b, err := sim.New(cfg.SimBrokerConfig(), instruments...)
	if err != nil {
		return err
	}

	strat, err := strategy.NewMACrossover(strategy.DefaultMACrossoverConfig(instruments[0].Symbol))
	if err != nil {
		return err
	}

	var opts []engine.Option
	var jw *journal.Writer
	if cfg.Journal.Path != "" {
		jw, err = journal.NewWriter(journal.Config{Path: cfg.Journal.Path})
		if err != nil {
			return err
		}
		if err := jw.Start(); err != nil {
			return err
		}
		defer func() {
			if cerr := jw.Close(); cerr != nil {
				logs.Errorf("journal close: %v", cerr)
			}
		}()
		opts = append(opts, engine.WithSink(jw))
	}

	eng, err := engine.New(cfg.EngineConfig(), rm, b, []strategy.Strategy{strat}, opts...)
	if err != nil {
		return err
	}
	for _, inst := range instruments {
		if err := eng.RegisterInstrument(inst); err != nil {
			return err
		}
	}

	source, err := buildSource(cfg, replayPath, bars, seed, basePrice)
	if err != nil {
		return err
	}

	started := time.Now()
	result, err := eng.Backtest(ctx, source)
	if err != nil {
		return err
	}
	logs.Infof("backtest finished in %s", time.Since(started).Round(time.Millisecond))

	printResult(result)
	return persist(ctx, cfg, result)
}

func buildSource(cfg *config.Config, replayPath string, bars int, seed uint64, basePrice string) (feed.HistoricalSource, error) {
	if replayPath != "" {
		events, err := journal.MarketData(replayPath)
		if err != nil {
			return nil, err
		}
		logs.Infof("replaying %d market data events from %s", len(events), replayPath)
		return feed.NewEventSource(events), nil
	}
	price, err := decimal.NewFromString(basePrice)
	if err != nil {
		return nil, fmt.Errorf("bad base price %q: %w", basePrice, err)
	}
	start := time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC)
	return feed.NewGenerator(cfg.SchemaInstruments(), price, time.Minute, start, bars, seed)
}

func persist(ctx context.Context, cfg *config.Config, result *engine.EngineResult) error {
	if !cfg.Store.Enabled {
		return nil
	}
	p := store.NewPersister(cfg.StoreOptions(), "backtest")
	if err := p.Start(ctx); err != nil {
		return err
	}
	for _, point := range result.EquityCurve {
		p.SaveEquity(point)
	}
	if err := p.SaveResult(ctx, result); err != nil {
		return err
	}
	if err := p.Close(); err != nil {
		return err
	}
	logs.Infof("run %s persisted", p.RunID())
	return nil
}

func printResult(r *engine.EngineResult) {
	fmt.Printf("period            %s .. %s\n", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	fmt.Printf("initial balance   %s\n", r.InitialBalance)
	fmt.Printf("final equity      %s\n", r.FinalEquity)
	fmt.Printf("net profit        %s\n", r.NetProfit)
	fmt.Printf("trades            %d (%d win / %d loss, win rate %s%%)\n",
		r.TotalTrades, r.WinningTrades, r.LosingTrades, r.WinRate.StringFixed(1))
	fmt.Printf("profit factor     %s\n", r.ProfitFactor.StringFixed(2))
	fmt.Printf("max drawdown      %s (%s%%)\n", r.MaxDrawdown, r.MaxDrawdownPct.StringFixed(2))
	fmt.Printf("commission        %s\n", r.TotalCommission)
	fmt.Printf("sharpe / sortino  %.2f / %.2f\n", r.SharpeRatio, r.SortinoRatio)
	if len(r.Violations) > 0 {
		fmt.Printf("violations        %d\n", len(r.Violations))
		for _, v := range r.Violations {
			fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Rule, v.Message)
		}
	}
}
