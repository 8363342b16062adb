package market

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yahooCSV = `Date,Open,High,Low,Close,Adj Close,Volume
2024-01-03,101,102,100,101.5,101,1100
2024-01-02,100,101,99,100.5,100,1000
2024-01-04,102,103,101,102.5,102,
`

func TestReadCSV_NormalizesAndSorts(t *testing.T) {
	table, err := ReadCSV(strings.NewReader(yahooCSV), "AAPL")
	require.NoError(t, err)

	require.Equal(t, 3, table.Len())
	assert.True(t, table.HasDates())
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), table.Timestamps[0])

	adj, ok := table.Column(ColumnAdjClose)
	require.True(t, ok)
	assert.Equal(t, []float64{100, 101, 102}, adj)
	assert.True(t, math.IsNaN(table.Volume[2]))
}

func TestReadCSV_MissingColumnIsAbsent(t *testing.T) {
	raw := "Date,Close\n2024-01-02,10\n2024-01-03,11\n"
	table, err := ReadCSV(strings.NewReader(raw), "X")
	require.NoError(t, err)

	_, ok := table.Column(ColumnAdjClose)
	assert.False(t, ok)
	assert.Equal(t, []string{ColumnAdjClose, ColumnVolume}, table.MissingColumns(ColumnClose, ColumnAdjClose, ColumnVolume))
}

func TestReadCSV_WithoutDateColumn(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("Close\n1\n"), "X")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDataShape))
}

func TestValidate_RejectsNonIncreasingIndex(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	table := Table{
		Timestamps: []time.Time{day, day},
		AdjClose:   []float64{1, 2},
	}
	err := table.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDataShape))
}

func TestBetween_FiltersHalfOpenRange(t *testing.T) {
	table, err := ReadCSV(strings.NewReader(yahooCSV), "AAPL")
	require.NoError(t, err)

	cut := table.Between(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC))
	require.Equal(t, 1, cut.Len())
	assert.Equal(t, 101.0, cut.AdjClose[0])
}

func TestSeriesAlign_FillsMissingWithZero(t *testing.T) {
	d := func(n int) time.Time { return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC) }
	s := Series{Timestamps: []time.Time{d(2), d(4)}, Values: []float64{0.1, 0.2}}

	aligned := s.Align([]time.Time{d(1), d(2), d(3), d(4)}, 4)
	assert.Equal(t, []float64{0, 0.1, 0, 0.2}, aligned)

	positional := Series{Values: []float64{0.5}}.Align(nil, 3)
	assert.Equal(t, []float64{0.5, 0, 0}, positional)
}

func TestReturns_FirstPeriodZero(t *testing.T) {
	table := Table{AdjClose: []float64{100, 110, 99}}
	rets, err := table.Returns(ColumnAdjClose)
	require.NoError(t, err)
	assert.InDelta(t, 0, rets.Values[0], 1e-12)
	assert.InDelta(t, 0.1, rets.Values[1], 1e-12)
	assert.InDelta(t, -0.1, rets.Values[2], 1e-12)
}
