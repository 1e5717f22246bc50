package market

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"trading_gate/exchange"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func TestTimescaleLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"bucket", "close_price", "parkinson_vol", "volume", "avg_volume"}).
		AddRow(now.Add(-time.Minute), 20150.5, 0.42, 30.0, 20.0)
	mock.ExpectQuery(regexp.QuoteMeta("FROM features_1m f")).WithArgs("BTC-USD").WillReturnRows(rows)

	src := NewTimescaleSource(db, time.Second)
	st, err := src.Latest(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 20150.5, st.Price)
	assert.Equal(t, 0.42, st.RealizedVolatility)
	assert.InDelta(t, 1.5, st.VolumeRatio, 1e-9)
	assert.Equal(t, now.Add(-time.Minute), st.AsOf)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleLatestErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("features_1m").WithArgs("ETH-USD").
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "close_price", "parkinson_vol", "volume", "avg_volume"}))
	mock.ExpectQuery("features_1m").WithArgs("ETH-USD").WillReturnError(errors.New("connection refused"))

	src := NewTimescaleSource(db, time.Second)
	_, err = src.Latest(context.Background(), "ETH-USD")
	assert.ErrorContains(t, err, "no features_1m rows")
	_, err = src.Latest(context.Background(), "ETH-USD")
	assert.ErrorContains(t, err, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

type stubTicker struct {
	tk  exchange.Ticker
	err error
}

func (s *stubTicker) Ticker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return s.tk, s.err
}

func TestCacheRefreshes(t *testing.T) {
	ticker := &stubTicker{tk: exchange.Ticker{Symbol: "BTC-USD", Price: 20000, Bid: 19990, Ask: 20010, Time: now}}
	c := NewCache(nil, ticker)
	c.SetClock(func() time.Time { return now.Add(-time.Hour) })

	st, err := c.Refresh(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 20000.0, st.Price)
	assert.InDelta(t, 0.001, st.SpreadPct, 1e-9)
	assert.Equal(t, now, st.AsOf)
	assert.Equal(t, st, c.Get("BTC-USD"))
}

func TestCacheRefreshFailureKeepsStaleTimestamp(t *testing.T) {
	ticker := &stubTicker{err: exchange.ErrNoPrice}
	c := NewCache(nil, ticker)
	c.SetClock(func() time.Time { return now.Add(-time.Hour) })

	c.Put(Seed("BTC-USD", now.Add(-time.Hour)))

	_, err := c.Refresh(context.Background(), "BTC-USD")
	assert.True(t, errors.Is(err, exchange.ErrNoPrice))
	assert.Equal(t, time.Hour, c.Get("BTC-USD").Age(now))
}

func TestCacheUnseenSymbolIsNeverFresh(t *testing.T) {
	c := NewCache(nil, &stubTicker{err: exchange.ErrNoPrice})

	st := c.Get("SOL-USD")
	assert.Equal(t, "SOL-USD", st.Symbol)
	assert.Zero(t, st.Price)
	assert.True(t, st.AsOf.IsZero())
	assert.Greater(t, st.Age(now), 24*time.Hour)

	_, err := c.Refresh(context.Background(), "SOL-USD")
	require.Error(t, err)
	assert.True(t, c.Get("SOL-USD").AsOf.IsZero(), "a failed refresh must not stamp the state")
}
