package utils

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// ErrTimeout はバッチ処理がタイムアウトした場合のエラーです
var ErrTimeout = errors.New("batch process timed out")

// 指定されたタイムアウト時間内でバッチ処理を実行する
// タイムアウトを超えた場合は、コンテキストをキャンセルしてErrTimeoutを返す
// 親のコンテキストがキャンセルされた場合はそのエラーを返す
// どちらの場合もfnが戻るまで待つため、戻った時点でバッチ処理は動いていない
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errChan := make(chan error, 1)

	go func() {
		defer func() {
			// panicはtickの失敗として扱い、プロセスは止めない
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("batch process panicked: %v\nStack trace:\n%s", r, debug.Stack())
			}
		}()
		errChan <- fn(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		ctxErr := ctx.Err()
		cancel()
		fnErr := <-errChan
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return errors.Join(fmt.Errorf("%w after %v", ErrTimeout, timeout), fnErr)
		}
		return errors.Join(ctxErr, fnErr)
	}
}
