package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Pool はコネクションプールの設定。
// 各ループは1tickにつき1トランザクションを使う。
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPool は検出・配送ループ、トークン更新ループ、登録APIが同時に動く前提の既定値を返す。
func DefaultPool() Pool {
	return Pool{
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open はusers/jobsを保持するPostgreSQLへの接続プールを開き、poolの設定を適用する。
// sql.Openは接続を試行しないため、到達確認は呼び出し側でPingContextを使う。
func Open(databaseURL string, pool Pool) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return db, nil
}
