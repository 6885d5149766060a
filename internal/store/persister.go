// Package store persists run results, trades and equity samples to
// PostgreSQL. Writes are asynchronous and best-effort: a slow or absent
// database never stalls the trading path.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"propdesk/internal/engine"
	"propdesk/internal/schema"
)

// Options locates the PostgreSQL database. ConnString, when set, is used
// verbatim and the individual fields are ignored.
type Options struct {
	ConnString string
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
}

func (o Options) dsn() string {
	if o.ConnString != "" {
		return o.ConnString
	}
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	port := o.Port
	if port == 0 {
		port = 5432
	}
	sslMode := o.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	parts := []string{
		"host=" + host,
		fmt.Sprintf("port=%d", port),
		"sslmode=" + sslMode,
	}
	if o.User != "" {
		parts = append(parts, "user="+o.User)
	}
	if o.Password != "" {
		parts = append(parts, "password="+o.Password)
	}
	if o.Database != "" {
		parts = append(parts, "dbname="+o.Database)
	}
	return strings.Join(parts, " ")
}

// RunRow summarizes one engine run.
type RunRow struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Mode           string          `gorm:"index"`
	StartedAt      time.Time
	EndedAt        time.Time
	InitialBalance decimal.Decimal `gorm:"type:numeric"`
	FinalEquity    decimal.Decimal `gorm:"type:numeric"`
	NetProfit      decimal.Decimal `gorm:"type:numeric"`
	MaxDrawdown    decimal.Decimal `gorm:"type:numeric"`
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	SharpeRatio    float64
	SortinoRatio   float64
	CreatedAt      time.Time
}

// TradeRow is one realized trade.
type TradeRow struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	RunID      uuid.UUID       `gorm:"type:uuid;index"`
	Instrument string          `gorm:"index"`
	Side       string
	Quantity   decimal.Decimal `gorm:"type:numeric"`
	EntryPrice decimal.Decimal `gorm:"type:numeric"`
	ExitPrice  decimal.Decimal `gorm:"type:numeric"`
	PnL        decimal.Decimal `gorm:"type:numeric"`
	Commission decimal.Decimal `gorm:"type:numeric"`
	EntryTime  time.Time
	ExitTime   time.Time
	StrategyID string
}

// EquityRow is one equity curve sample.
type EquityRow struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	RunID     uuid.UUID       `gorm:"type:uuid;index"`
	Timestamp time.Time
	Equity    decimal.Decimal `gorm:"type:numeric"`
	Drawdown  decimal.Decimal `gorm:"type:numeric"`
}

// ViolationRow is one recorded risk violation.
type ViolationRow struct {
	ID       uint      `gorm:"primaryKey;autoIncrement"`
	RunID    uuid.UUID `gorm:"type:uuid;index"`
	Rule     string
	Message  string
	Severity string
}

var ErrPersisterClosed = errors.New("persister closed")

// Persister writes trades and equity samples in the background. The
// queue is lossy by design: when the database falls behind, samples are
// dropped and counted rather than backing up into the engine.
type Persister struct {
	opt   Options
	runID uuid.UUID
	mode  string
	db    *gorm.DB

	ch      chan any
	wg      sync.WaitGroup
	closed  uint32
	dropped atomic.Int64
}

// NewPersister creates a persister for one run.
func NewPersister(opt Options, mode string) *Persister {
	return &Persister{
		opt:   opt,
		runID: uuid.New(),
		mode:  mode,
		ch:    make(chan any, 1024),
	}
}

// RunID identifies this run's rows.
func (p *Persister) RunID() uuid.UUID { return p.runID }

// Start connects, migrates the schema and runs the write loop.
func (p *Persister) Start(ctx context.Context) error {
	db, err := gorm.Open(postgres.Open(p.opt.dsn()), &gorm.Config{})
	if err != nil {
		return errors.Wrap(err, "open store database")
	}
	if err := db.WithContext(ctx).AutoMigrate(&RunRow{}, &TradeRow{}, &EquityRow{}, &ViolationRow{}); err != nil {
		return errors.Wrap(err, "migrate store schema")
	}
	p.db = db
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for row := range p.ch {
			if err := db.Create(row).Error; err != nil {
				logs.Errorf("store write: %v", err)
			}
		}
	}()
	return nil
}

// Close flushes the queue, stops the write loop and releases the
// connection pool.
func (p *Persister) Close() error {
	if atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		close(p.ch)
	}
	p.wg.Wait()
	if n := p.dropped.Load(); n > 0 {
		logs.Warnf("store: %d rows dropped under backpressure", n)
	}
	if p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Persister) enqueue(row any) {
	if atomic.LoadUint32(&p.closed) != 0 {
		return
	}
	select {
	case p.ch <- row:
	default:
		p.dropped.Add(1)
	}
}

// SaveTrade queues one realized trade.
func (p *Persister) SaveTrade(t schema.Trade) {
	p.enqueue(&TradeRow{
		ID:         t.ID,
		RunID:      p.runID,
		Instrument: t.Instrument,
		Side:       t.Side.String(),
		Quantity:   t.Quantity,
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		PnL:        t.PnL,
		Commission: t.Commission,
		EntryTime:  t.EntryTime,
		ExitTime:   t.ExitTime,
		StrategyID: t.StrategyID,
	})
}

// SaveEquity queues one equity sample.
func (p *Persister) SaveEquity(point engine.EquityPoint) {
	p.enqueue(&EquityRow{
		RunID:     p.runID,
		Timestamp: point.Timestamp,
		Equity:    point.Equity,
		Drawdown:  point.Drawdown,
	})
}

// SaveResult writes the run summary and everything it contains. Called
// once at the end of a run, synchronously.
func (p *Persister) SaveResult(ctx context.Context, res *engine.EngineResult) error {
	if atomic.LoadUint32(&p.closed) != 0 {
		return ErrPersisterClosed
	}
	for _, t := range res.Trades {
		p.SaveTrade(t)
	}
	for _, v := range res.Violations {
		p.enqueue(&ViolationRow{
			RunID:    p.runID,
			Rule:     v.Rule,
			Message:  v.Message,
			Severity: v.Severity.String(),
		})
	}
	run := &RunRow{
		ID:             p.runID,
		Mode:           p.mode,
		StartedAt:      res.Start,
		EndedAt:        res.End,
		InitialBalance: res.InitialBalance,
		FinalEquity:    res.FinalEquity,
		NetProfit:      res.NetProfit,
		MaxDrawdown:    res.MaxDrawdown,
		TotalTrades:    res.TotalTrades,
		WinningTrades:  res.WinningTrades,
		LosingTrades:   res.LosingTrades,
		SharpeRatio:    res.SharpeRatio,
		SortinoRatio:   res.SortinoRatio,
		CreatedAt:      time.Now().UTC(),
	}
	return p.db.WithContext(ctx).Create(run).Error
}
