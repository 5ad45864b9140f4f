package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-reminder/internal/model"
)

// AppointmentRepository は予約テーブルの読み取りと通知済みフラグの更新を担当します
type AppointmentRepository interface {
	FindDue(ctx context.Context, offset model.Offset, window model.Window) ([]model.Appointment, error)
	MarkReminded(ctx context.Context, id int64, offset model.Offset, at time.Time) error
	FindBookedBetween(ctx context.Context, from, to time.Time) ([]model.Appointment, error)
	VerifySchema(ctx context.Context) error
}

// AppointmentRepositoryImpl はAppointmentRepositoryのPostgreSQL実装です
type AppointmentRepositoryImpl struct {
	db          *DB
	columns     Columns
	dueQueries  map[model.Offset]string
	markQueries map[model.Offset]string
	betweenSQL  string
}

// NewAppointmentRepository は新しいAppointmentRepositoryを作成します
// クエリは作成時に組み立てるため、カラム設定の誤りはここでエラーになります
func NewAppointmentRepository(db *DB, columns Columns) (*AppointmentRepositoryImpl, error) {
	r := &AppointmentRepositoryImpl{
		db:          db,
		columns:     columns,
		dueQueries:  make(map[model.Offset]string, len(model.Offsets)),
		markQueries: make(map[model.Offset]string, len(model.Offsets)),
	}

	for _, o := range model.Offsets {
		due, err := BuildSelectDueQuery(columns, o)
		if err != nil {
			return nil, fmt.Errorf("failed to build due query for %s: %w", o, err)
		}
		mark, err := BuildMarkQuery(columns, o)
		if err != nil {
			return nil, fmt.Errorf("failed to build mark query for %s: %w", o, err)
		}
		r.dueQueries[o] = due
		r.markQueries[o] = mark
	}

	between, err := BuildSelectBetweenQuery(columns)
	if err != nil {
		return nil, fmt.Errorf("failed to build schedule query: %w", err)
	}
	r.betweenSQL = between

	return r, nil
}

// FindDue はオフセットの通知対象(BOOKEDかつ未送信かつ開始時刻が範囲内)を取得します
func (r *AppointmentRepositoryImpl) FindDue(ctx context.Context, offset model.Offset, window model.Window) ([]model.Appointment, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "AppointmentRepository.FindDue")
	defer seg.Close(nil)

	query, ok := r.dueQueries[offset]
	if !ok {
		err := fmt.Errorf("unknown reminder offset %q", offset)
		seg.Close(err)
		return nil, err
	}

	appointments, err := r.selectAppointments(ctx, query, model.StatusBooked, window.From, window.To)
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query due appointments for %s: %w", offset, err)
	}

	return appointments, nil
}

// MarkReminded は通知済みフラグを条件付きで更新します
// フラグが既にTRUEの場合はErrAlreadyRemindedを返します
func (r *AppointmentRepositoryImpl) MarkReminded(ctx context.Context, id int64, offset model.Offset, at time.Time) error {
	ctx, seg := xray.BeginSubsegment(ctx, "AppointmentRepository.MarkReminded")
	defer seg.Close(nil)

	query, ok := r.markQueries[offset]
	if !ok {
		err := fmt.Errorf("unknown reminder offset %q", offset)
		seg.Close(err)
		return err
	}

	args := []interface{}{id}
	if r.columns.UpdatedAt != "" {
		args = append(args, at.UTC())
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = classifyError(err)
		seg.Close(err)
		return fmt.Errorf("failed to mark appointment %d reminded for %s: %w", id, offset, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("appointment %d (%s): %w", id, offset, ErrAlreadyReminded)
	}

	return nil
}

// FindBookedBetween は期間内のBOOKED予約を開始時刻順に取得します
func (r *AppointmentRepositoryImpl) FindBookedBetween(ctx context.Context, from, to time.Time) ([]model.Appointment, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "AppointmentRepository.FindBookedBetween")
	defer seg.Close(nil)

	appointments, err := r.selectAppointments(ctx, r.betweenSQL, model.StatusBooked, from.UTC(), to.UTC())
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query appointments between %s and %s: %w", from, to, err)
	}

	return appointments, nil
}

// VerifySchema は設定されたカラムがすべて存在するかを information_schema で確認します
func (r *AppointmentRepositoryImpl) VerifySchema(ctx context.Context) error {
	ctx, seg := xray.BeginSubsegment(ctx, "AppointmentRepository.VerifySchema")
	defer seg.Close(nil)

	schema, table := r.columns.SchemaAndTable()
	query := `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
			AND table_name = $2`

	rows, err := r.db.QueryxContext(ctx, query, schema, table)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to query information_schema: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			seg.Close(err)
			return fmt.Errorf("failed to scan column name: %w", err)
		}
		existing[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		seg.Close(err)
		return fmt.Errorf("error iterating column names: %w", err)
	}

	if err := missingColumns(r.columns, existing); err != nil {
		seg.Close(err)
		return err
	}

	return nil
}

func missingColumns(columns Columns, existing map[string]struct{}) error {
	if len(existing) == 0 {
		return fmt.Errorf("%w: table %s not found", ErrSchemaMismatch, columns.Table)
	}

	var missing []string
	for _, name := range columns.Names() {
		if _, ok := existing[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: table %s has no column(s) %s", ErrSchemaMismatch, columns.Table, strings.Join(missing, ", "))
	}
	return nil
}

func (r *AppointmentRepositoryImpl) selectAppointments(ctx context.Context, query string, args ...interface{}) ([]model.Appointment, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	var appointments []model.Appointment
	for rows.Next() {
		var a model.Appointment
		if err := rows.StructScan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan appointment row: %w", err)
		}
		a.StartAt = a.StartAt.UTC()
		appointments = append(appointments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating appointment rows: %w", classifyError(err))
	}

	return appointments, nil
}
