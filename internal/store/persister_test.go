package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propdesk/internal/schema"
)

func TestDSNDefaults(t *testing.T) {
	assert.Equal(t, "host=localhost port=5432 sslmode=disable", Options{}.dsn())
}

func TestDSNFullOptions(t *testing.T) {
	got := Options{
		Host:     "db.internal",
		Port:     5433,
		User:     "propdesk",
		Password: "secret",
		Database: "trading",
		SSLMode:  "require",
	}.dsn()
	assert.Equal(t, "host=db.internal port=5433 sslmode=require user=propdesk password=secret dbname=trading", got)
}

func TestDSNConnStringWins(t *testing.T) {
	got := Options{
		ConnString: "postgres://elsewhere:5432/other",
		Host:       "ignored",
	}.dsn()
	assert.Equal(t, "postgres://elsewhere:5432/other", got)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	p := NewPersister(Options{}, "backtest")
	p.ch = make(chan any, 1)

	trade := schema.Trade{Quantity: decimal.NewFromInt(1)}
	p.SaveTrade(trade)
	p.SaveTrade(trade)

	require.Len(t, p.ch, 1)
	assert.Equal(t, int64(1), p.dropped.Load(), "the overflow row is counted, not blocked on")
}

func TestEnqueueAfterCloseIsIgnored(t *testing.T) {
	p := NewPersister(Options{}, "backtest")
	require.NoError(t, p.Close())
	p.SaveTrade(schema.Trade{})
	assert.Zero(t, p.dropped.Load())
}
