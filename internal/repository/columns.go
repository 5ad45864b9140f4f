package repository

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
	"github.com/uma-arai/sbcntr-reminder/internal/model"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Columns は予約テーブルのテーブル名・カラム名です
// 実際のスキーマと異なる場合は設定で上書きします
// ServiceID, ServiceName, UpdatedAt は任意項目です
type Columns struct {
	Table       string `yaml:"table"`
	ID          string `yaml:"id"`
	UserID      string `yaml:"user_id"`
	StartAt     string `yaml:"start_dt"`
	Status      string `yaml:"status"`
	Reminded48h string `yaml:"reminded_48h"`
	Reminded3h  string `yaml:"reminded_3h"`
	ServiceID   string `yaml:"service_id"`
	ServiceName string `yaml:"service_name"`
	UpdatedAt   string `yaml:"updated_at"`
}

// DefaultColumns はデフォルトのスキーマ定義を返します
func DefaultColumns() Columns {
	return Columns{
		Table:       "appointments",
		ID:          "id",
		UserID:      "user_id",
		StartAt:     "start_dt",
		Status:      "status",
		Reminded48h: "reminded_48h",
		Reminded3h:  "reminded_3h",
		ServiceName: "service_name",
	}
}

// Validate はテーブル名・カラム名が識別子として妥当かを検証します
func (c Columns) Validate() error {
	if err := validateTable(c.Table); err != nil {
		return err
	}

	required := map[string]string{
		"id":           c.ID,
		"user_id":      c.UserID,
		"start_dt":     c.StartAt,
		"status":       c.Status,
		"reminded_48h": c.Reminded48h,
		"reminded_3h":  c.Reminded3h,
	}
	for key, name := range required {
		if name == "" {
			return fmt.Errorf("column %s is required", key)
		}
		if !identPattern.MatchString(name) {
			return fmt.Errorf("invalid column name for %s: %q", key, name)
		}
	}

	optional := map[string]string{
		"service_id":   c.ServiceID,
		"service_name": c.ServiceName,
		"updated_at":   c.UpdatedAt,
	}
	for key, name := range optional {
		if name != "" && !identPattern.MatchString(name) {
			return fmt.Errorf("invalid column name for %s: %q", key, name)
		}
	}

	return nil
}

// Flag はオフセットに対応する通知済みフラグのカラム名を返します
func (c Columns) Flag(o model.Offset) (string, error) {
	switch o {
	case model.Offset48h:
		return c.Reminded48h, nil
	case model.Offset3h:
		return c.Reminded3h, nil
	}
	return "", fmt.Errorf("unknown reminder offset %q", o)
}

// Names はスキーマ検証対象のカラム名を返します(任意項目は設定されている場合のみ)
func (c Columns) Names() []string {
	names := []string{c.ID, c.UserID, c.StartAt, c.Status, c.Reminded48h, c.Reminded3h}
	for _, name := range []string{c.ServiceID, c.ServiceName, c.UpdatedAt} {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// SchemaAndTable はスキーマ名とテーブル名に分割します。スキーマ省略時は空文字です
func (c Columns) SchemaAndTable() (string, string) {
	if i := strings.IndexByte(c.Table, '.'); i >= 0 {
		return c.Table[:i], c.Table[i+1:]
	}
	return "", c.Table
}

func validateTable(table string) error {
	parts := strings.Split(table, ".")
	if table == "" || len(parts) > 2 {
		return fmt.Errorf("invalid table name: %q", table)
	}
	for _, p := range parts {
		if !identPattern.MatchString(p) {
			return fmt.Errorf("invalid table name: %q", table)
		}
	}
	return nil
}

func quoteTable(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// selectList は Appointment の db タグに合わせた SELECT 句を作ります
func (c Columns) selectList() string {
	q := pq.QuoteIdentifier

	serviceID := "NULL::text AS service_id"
	if c.ServiceID != "" {
		serviceID = q(c.ServiceID) + "::text AS service_id"
	}
	serviceName := "NULL::text AS service_name"
	if c.ServiceName != "" {
		serviceName = q(c.ServiceName) + "::text AS service_name"
	}

	return strings.Join([]string{
		q(c.ID) + " AS id",
		q(c.UserID) + "::text AS user_id",
		q(c.StartAt) + " AS start_dt",
		q(c.Status) + " AS status",
		q(c.Reminded48h) + " AS reminded_48h",
		q(c.Reminded3h) + " AS reminded_3h",
		serviceID,
		serviceName,
	}, ",\n\t\t\t")
}

// BuildSelectDueQuery はオフセット o の通知対象を取得するクエリを作ります
// パラメータ: $1 status, $2 範囲の開始, $3 範囲の終了(いずれも含む)
func BuildSelectDueQuery(c Columns, o model.Offset) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	flag, err := c.Flag(o)
	if err != nil {
		return "", err
	}
	q := pq.QuoteIdentifier

	return fmt.Sprintf(`
		SELECT
			%s
		FROM %s
		WHERE %s = $1
			AND %s = FALSE
			AND %s >= $2
			AND %s <= $3`,
		c.selectList(),
		quoteTable(c.Table),
		q(c.Status),
		q(flag),
		q(c.StartAt),
		q(c.StartAt),
	), nil
}

// BuildMarkQuery はオフセット o の通知済みフラグを立てる条件付き更新を作ります
// フラグがまだ FALSE の場合のみ更新されるため、更新件数0は他の実行が先に送信済みにしたことを意味します
// パラメータ: $1 id, ($2 updated_at: UpdatedAt カラム設定時のみ)
func BuildMarkQuery(c Columns, o model.Offset) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	flag, err := c.Flag(o)
	if err != nil {
		return "", err
	}
	q := pq.QuoteIdentifier

	set := q(flag) + " = TRUE"
	if c.UpdatedAt != "" {
		set += ", " + q(c.UpdatedAt) + " = $2"
	}

	return fmt.Sprintf(`
		UPDATE %s
		SET %s
		WHERE %s = $1
			AND %s = FALSE`,
		quoteTable(c.Table),
		set,
		q(c.ID),
		q(flag),
	), nil
}

// BuildSelectBetweenQuery は期間内の予約を開始時刻順に取得するクエリを作ります
// パラメータ: $1 status, $2 開始(含む), $3 終了(含まない)
func BuildSelectBetweenQuery(c Columns) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	q := pq.QuoteIdentifier

	return fmt.Sprintf(`
		SELECT
			%s
		FROM %s
		WHERE %s = $1
			AND %s >= $2
			AND %s < $3
		ORDER BY %s ASC`,
		c.selectList(),
		quoteTable(c.Table),
		q(c.Status),
		q(c.StartAt),
		q(c.StartAt),
		q(c.StartAt),
	), nil
}
