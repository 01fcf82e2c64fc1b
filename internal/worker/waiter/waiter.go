// Package waiter はループの待機に使う、取り消し可能なタイマーを提供する。
package waiter

import (
	"context"
	"time"
)

// Waiter は1つのループが所有する待機ハンドル。
// Waitは呼び出しごとに新しいタイマーを作り、Wakeかコンテキストの取り消しで早期に戻る。
type Waiter struct {
	wake chan struct{}
}

// New はWaiterを生成する。
func New() *Waiter {
	return &Waiter{wake: make(chan struct{}, 1)}
}

// Wait はdが経過するか、Wakeが呼ばれるか、ctxが取り消されるまで待つ。
// ctxが取り消された場合はctx.Err()を返し、それ以外はnilを返す。
// dが0以下の場合は待たずに戻る。
func (w *Waiter) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

// Wake は進行中または次回のWaitを即座に終わらせる。
// 複数回呼ばれても保留されるのは1回分のみ。
func (w *Waiter) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
