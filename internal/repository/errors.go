package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

var (
	// ErrSchemaMismatch はテーブルまたはカラムが想定と異なる場合のエラーです
	// リマインドが黙って送られなくなるのを防ぐため、起動時・初回クエリ時に致命的エラーとして扱います
	ErrSchemaMismatch = errors.New("appointments schema mismatch")

	// ErrAlreadyReminded は条件付き更新で対象行が0件だった場合のエラーです
	// 別のスキャナーが先にフラグを立てたことを意味します
	ErrAlreadyReminded = errors.New("reminder flag already set")
)

// classifyError はpqのエラーコードを見てスキーマ不一致をErrSchemaMismatchにまとめます
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42703", "42P01": // undefined_column, undefined_table
			return fmt.Errorf("%w: %s", ErrSchemaMismatch, pqErr.Message)
		}
	}
	return err
}

// IsConnectionError は共有コネクションに影響するエラーかを判定します
// trueの場合、そのtickの残り処理は中断します
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception, 57P01-57P03: admin shutdown / cannot connect now
		if pqErr.Code.Class() == "08" {
			return true
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
