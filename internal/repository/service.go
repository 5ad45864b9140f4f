package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/lib/pq"
)

// ServiceRepository はサービス(施術メニュー)情報の参照を担当するインターフェースです
type ServiceRepository interface {
	GetNameByID(ctx context.Context, serviceID string) (string, error)
}

// ServiceRepositoryImpl はServiceRepositoryの実装です
type ServiceRepositoryImpl struct {
	db    *DB
	query string
}

// NewServiceRepository は新しいServiceRepositoryを作成します
// table は id, name カラムを持つテーブルです
func NewServiceRepository(db *DB, table string) (*ServiceRepositoryImpl, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	return &ServiceRepositoryImpl{
		db: db,
		query: fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s::text = $1`, pq.QuoteIdentifier("name"), quoteTable(table), pq.QuoteIdentifier("id")),
	}, nil
}

// GetNameByID は指定されたサービスIDからサービス名を取得します
func (r *ServiceRepositoryImpl) GetNameByID(ctx context.Context, serviceID string) (string, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ServiceRepository.GetNameByID")
	defer seg.Close(nil)

	var name string
	err := r.db.QueryRowxContext(ctx, r.query, serviceID).Scan(&name)
	if err != nil {
		err = classifyError(err)
		seg.Close(err)
		return "", fmt.Errorf("failed to get service name: %w", err)
	}

	return name, nil
}
