package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"propdesk/internal/bridge"
	"propdesk/internal/config"
	"propdesk/internal/engine"
	"propdesk/internal/journal"
	"propdesk/internal/risk"
	"propdesk/internal/store"
	"propdesk/internal/strategy"
)

type emptyLogger struct{}

func (emptyLogger) Infof(string, ...any)  {}
func (emptyLogger) Debugf(string, ...any) {}
func (emptyLogger) Errorf(string, ...any) {}

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to YAML config")
	profiling := flag.String("pyroscope", "", "Pyroscope server address (empty=disabled)")
	flag.Parse()

	if *profiling != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "propdesk/trader",
			ServerAddress:   *profiling,
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("pyroscope start failed: %v", err)
		} else {
			defer profiler.Stop()
		}
	}

	if err := run(*configPath); err != nil {
		logs.Errorf("trader failed: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	b, err := bridge.New(cfg.BridgeBrokerConfig())
	if err != nil {
		return err
	}

	strat, err := strategy.NewMACrossover(strategy.DefaultMACrossoverConfig(instruments[0].Symbol))
	if err != nil {
		return err
	}

	var opts []engine.Option
	if cfg.Journal.Path != "" {
		jw, err := journal.NewWriter(journal.Config{Path: cfg.Journal.Path})
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

	logs.Infof("trader starting: profile %s, bridge %s", profile.Name, cfg.Bridge.Addr)
	result, runErr := eng.Live(ctx)
	if result != nil {
		logs.Infof("session closed: net profit %s over %d trades", result.NetProfit, result.TotalTrades)
		if err := persist(cfg, result); err != nil {
			logs.Errorf("persist session: %v", err)
		}
	}
	return runErr
}

func persist(cfg *config.Config, result *engine.EngineResult) error {
	if !cfg.Store.Enabled {
		return nil
	}
	ctx := context.Background()
	p := store.NewPersister(cfg.StoreOptions(), "live")
	if err := p.Start(ctx); err != nil {
		return err
	}
	for _, point := range result.EquityCurve {
		p.SaveEquity(point)
	}
	if err := p.SaveResult(ctx, result); err != nil {
		return err
	}
	return p.Close()
}
