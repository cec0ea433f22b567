package postgres

import (
	"testing"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/pf?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "pf", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationFilesAreOrdered(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_capture_rows.sql", names[0])
}

func TestRowArgsNullsUnknownValues(t *testing.T) {
	r := domain.CaptureRow{
		Timestamp:     time.Unix(1800000000, 0),
		MarketKey:     "btc_15m",
		MarketSlug:    "btc-updown-15m-1800000000",
		ExchangePrice: 100000,
		UpPrice:       0.55,
		Momentum:      0.7,
		PriceSource:   domain.PriceSourceHTTP,
	}
	args := rowArgs(r)
	require.Len(t, args, 13)
	assert.Equal(t, 100000.0, *args[3].(*float64))
	assert.Nil(t, args[4].(*float64), "no open price")
	assert.Nil(t, args[5].(*float64), "momentum needs an open price")
	assert.Nil(t, args[7].(*float64), "no down price")
	assert.Nil(t, args[8].(*float64), "spread needs both sides")
	assert.Equal(t, "HTTP", args[12])
}
