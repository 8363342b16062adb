package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"backtester/internal/market"
)

// PriceKey 标识一份缓存的行情。
type PriceKey struct {
	Source    string
	Symbol    string
	Timeframe string
	Start     time.Time
	End       time.Time
}

func (k PriceKey) args() []any {
	return []any{k.Source, k.Symbol, k.Timeframe, formatDate(k.Start), formatDate(k.End)}
}

// PriceCache 将行情表缓存到 SQLite，缺失的列以 NULL 存储。
type PriceCache struct {
	db *sql.DB
}

// NewPriceCache 创建行情缓存。
func NewPriceCache(store *Store) (*PriceCache, error) {
	if store == nil {
		return nil, fmt.Errorf("store: store 不能为空")
	}
	return &PriceCache{db: store.DB()}, nil
}

// Load 读取缓存，未命中时返回 false。
func (c *PriceCache) Load(ctx context.Context, key PriceKey) (market.Table, bool, error) {
	var rowCount int
	err := c.db.QueryRowContext(ctx,
		`SELECT row_count FROM price_cache_entries
		 WHERE source = ? AND symbol = ? AND timeframe = ? AND start_date = ? AND end_date = ?`,
		key.args()...,
	).Scan(&rowCount)
	if err == sql.ErrNoRows {
		return market.Table{}, false, nil
	}
	if err != nil {
		return market.Table{}, false, fmt.Errorf("store: 查询缓存失败: %w", err)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT ts, open, high, low, close, adj_close, volume FROM price_bars
		 WHERE source = ? AND symbol = ? AND timeframe = ? AND start_date = ? AND end_date = ?
		 ORDER BY ts ASC`,
		key.args()...,
	)
	if err != nil {
		return market.Table{}, false, fmt.Errorf("store: 读取缓存行情失败: %w", err)
	}
	defer rows.Close()

	table := market.Table{Symbol: key.Symbol}
	cols := make([][]float64, 6)
	present := make([]bool, 6)
	for rows.Next() {
		var (
			ts     int64
			values [6]sql.NullFloat64
		)
		if err := rows.Scan(&ts, &values[0], &values[1], &values[2], &values[3], &values[4], &values[5]); err != nil {
			return market.Table{}, false, fmt.Errorf("store: 解析缓存行情失败: %w", err)
		}
		table.Timestamps = append(table.Timestamps, time.UnixMilli(ts).UTC())
		for i, v := range values {
			if v.Valid {
				present[i] = true
				cols[i] = append(cols[i], v.Float64)
			} else {
				cols[i] = append(cols[i], math.NaN())
			}
		}
	}
	if err := rows.Err(); err != nil {
		return market.Table{}, false, fmt.Errorf("store: 读取缓存行情失败: %w", err)
	}
	if len(table.Timestamps) != rowCount {
		return market.Table{}, false, nil
	}

	for i := range cols {
		if !present[i] {
			cols[i] = nil
		}
	}
	table.Open, table.High, table.Low = cols[0], cols[1], cols[2]
	table.Close, table.AdjClose, table.Volume = cols[3], cols[4], cols[5]
	return table, true, nil
}

// Save 覆盖写入缓存。
func (c *PriceCache) Save(ctx context.Context, key PriceKey, table market.Table) (err error) {
	if !table.HasDates() {
		return fmt.Errorf("store: %s 行情缺少时间索引，无法缓存", key.Symbol)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = deleteKey(ctx, tx, key); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO price_cache_entries (source, symbol, timeframe, start_date, end_date, row_count, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		append(key.args(), table.Len(), time.Now().UTC().Format(time.RFC3339))...,
	); err != nil {
		return fmt.Errorf("store: 写入缓存索引失败: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_bars (source, symbol, timeframe, start_date, end_date, ts, open, high, low, close, adj_close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: 准备写入语句失败: %w", err)
	}
	defer stmt.Close()

	n := table.Len()
	for i := 0; i < n; i++ {
		args := append(key.args(),
			table.Timestamps[i].UnixMilli(),
			nullable(table.Open, i, n),
			nullable(table.High, i, n),
			nullable(table.Low, i, n),
			nullable(table.Close, i, n),
			nullable(table.AdjClose, i, n),
			nullable(table.Volume, i, n),
		)
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("store: 写入缓存行情失败: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return nil
}

// Clear 删除某个标的的全部缓存，symbol 为空时清空整个缓存。
func (c *PriceCache) Clear(ctx context.Context, symbol string) error {
	for _, table := range []string{"price_bars", "price_cache_entries"} {
		query := "DELETE FROM " + table
		var args []any
		if symbol != "" {
			query += " WHERE symbol = ?"
			args = append(args, symbol)
		}
		if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("store: 清理缓存失败: %w", err)
		}
	}
	return nil
}

func deleteKey(ctx context.Context, tx *sql.Tx, key PriceKey) error {
	where := ` WHERE source = ? AND symbol = ? AND timeframe = ? AND start_date = ? AND end_date = ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM price_bars`+where, key.args()...); err != nil {
		return fmt.Errorf("store: 删除旧缓存失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM price_cache_entries`+where, key.args()...); err != nil {
		return fmt.Errorf("store: 删除旧缓存失败: %w", err)
	}
	return nil
}

func nullable(col []float64, i, n int) sql.NullFloat64 {
	if len(col) != n || math.IsNaN(col[i]) || math.IsInf(col[i], 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: col[i], Valid: true}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}
