package market

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trading_gate/utils"

	_ "github.com/lib/pq"
)

// latestFeaturesQuery reads the newest one-minute bucket plus the trailing
// hour's average volume. The gate only ever reads from TimescaleDB.
const latestFeaturesQuery = `
SELECT f.bucket, f.close_price, f.parkinson_vol, f.volume,
       COALESCE((SELECT AVG(h.volume) FROM features_1m h
                 WHERE h.symbol = f.symbol
                   AND h.bucket > f.bucket - INTERVAL '60 minutes'
                   AND h.bucket <= f.bucket), 0) AS avg_volume
FROM features_1m f
WHERE f.symbol = $1
ORDER BY f.bucket DESC
LIMIT 1`

// TimescaleSource reads features_1m rows through lib/pq.
type TimescaleSource struct {
	db      *sql.DB
	timeout time.Duration
}

// Ensure TimescaleSource implements Source
var _ Source = (*TimescaleSource)(nil)

// OpenTimescale connects to the analytics database.
func OpenTimescale(dsn string, timeout time.Duration) (*TimescaleSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open timescale connection: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewTimescaleSource(db, timeout), nil
}

// NewTimescaleSource wraps an existing connection pool.
func NewTimescaleSource(db *sql.DB, timeout time.Duration) *TimescaleSource {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &TimescaleSource{db: db, timeout: timeout}
}

func (t *TimescaleSource) Close() error {
	return t.db.Close()
}

// Latest implements Source.
func (t *TimescaleSource) Latest(ctx context.Context, symbol string) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var (
		bucket          time.Time
		closePrice, vol float64
		volume, avgVol  float64
	)
	err := t.db.QueryRowContext(ctx, latestFeaturesQuery, symbol).Scan(&bucket, &closePrice, &vol, &volume, &avgVol)
	if err == sql.ErrNoRows {
		return State{}, fmt.Errorf("no features_1m rows for %s", symbol)
	}
	if err != nil {
		return State{}, fmt.Errorf("query features_1m for %s: %w", symbol, err)
	}

	ratio := 1.0
	if avgVol > 0 {
		ratio = utils.SafeRatio(volume, avgVol)
	}
	return State{
		Symbol:             symbol,
		Price:              closePrice,
		VolumeRatio:        ratio,
		RealizedVolatility: vol,
		AsOf:               bucket.UTC(),
	}, nil
}
