package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/phillip-england/minedesk/internal/records"
)

// Column and table names below come from the records registry, never from
// request input.

func selectRecordsSQL(c records.Collection) string {
	var cols []string
	var joins []string
	cols = append(cols, "t.id", "t.company_id", "t.created_at", "t.updated_at")
	for _, f := range c.Fields {
		cols = append(cols, "t."+f.Name)
	}
	for i, f := range c.Fields {
		if f.Kind != records.KindRef {
			continue
		}
		ref, err := records.Lookup(f.Ref)
		if err != nil {
			continue
		}
		alias := fmt.Sprintf("r%d", i)
		joins = append(joins, fmt.Sprintf("LEFT JOIN %s %s ON %s.id = t.%s", ref.Name, alias, alias, f.Name))
		cols = append(cols, fmt.Sprintf("%s.%s", alias, ref.LabelField))
	}
	return fmt.Sprintf("SELECT %s FROM %s t %s", strings.Join(cols, ", "), c.Name, strings.Join(joins, " "))
}

func refFields(c records.Collection) []records.Field {
	var out []records.Field
	for _, f := range c.Fields {
		if f.Kind == records.KindRef {
			if _, err := records.Lookup(f.Ref); err == nil {
				out = append(out, f)
			}
		}
	}
	return out
}

// columnValue falls back to the column default for fields absent from values.
func columnValue(f records.Field, values map[string]any) any {
	if v, ok := values[f.Name]; ok {
		return v
	}
	switch f.Kind {
	case records.KindText:
		return ""
	case records.KindNumber:
		return float64(0)
	case records.KindEnum:
		return f.Options[0]
	default:
		return nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(c records.Collection, sc rowScanner) (records.Row, error) {
	refs := refFields(c)
	var (
		row              records.Row
		created, updated int64
	)
	values := make([]any, len(c.Fields))
	labels := make([]sql.NullString, len(refs))
	dest := []any{&row.ID, &row.CompanyID, &created, &updated}
	for i := range values {
		dest = append(dest, &values[i])
	}
	for i := range labels {
		dest = append(dest, &labels[i])
	}
	if err := sc.Scan(dest...); err != nil {
		return records.Row{}, err
	}

	row.CreatedAt = fromMillis(created)
	row.UpdatedAt = fromMillis(updated)
	row.Values = make(map[string]any, len(c.Fields))
	for i, f := range c.Fields {
		row.Values[f.Name] = normalizeValue(f, values[i])
	}
	for i, f := range refs {
		if labels[i].Valid {
			if row.Labels == nil {
				row.Labels = map[string]string{}
			}
			row.Labels[f.Name] = labels[i].String
		}
	}
	return row, nil
}

func normalizeValue(f records.Field, v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int64:
		if f.Kind == records.KindNumber {
			return float64(t)
		}
	}
	return v
}

// ListRecords returns the live rows of a company, newest first.
func (s *Store) ListRecords(ctx context.Context, c records.Collection, companyID string) ([]records.Row, error) {
	query := selectRecordsSQL(c) +
		" WHERE t.company_id = ? AND t.deleted_at IS NULL ORDER BY t.created_at DESC, t.rowid DESC"
	rows, err := s.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.Name, err)
	}
	defer rows.Close()

	out := []records.Row{}
	for rows.Next() {
		row, err := scanRecord(c, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.Name, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) GetRecord(ctx context.Context, c records.Collection, companyID, id string) (records.Row, error) {
	query := selectRecordsSQL(c) + " WHERE t.company_id = ? AND t.id = ? AND t.deleted_at IS NULL"
	row, err := scanRecord(c, s.db.QueryRowContext(ctx, query, companyID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return records.Row{}, ErrNotFound
	}
	if err != nil {
		return records.Row{}, fmt.Errorf("get %s: %w", c.Name, err)
	}
	return row, nil
}

// checkRefs verifies that every reference points at a live row of the same
// company.
func (s *Store) checkRefs(ctx context.Context, c records.Collection, companyID string, values map[string]any) error {
	for _, f := range refFields(c) {
		id, _ := values[f.Name].(string)
		if id == "" {
			continue
		}
		var one int
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT 1 FROM %s WHERE id = ? AND company_id = ? AND deleted_at IS NULL", f.Ref),
			id, companyID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w: referenced record does not exist", f.Label, records.ErrInvalidValue)
		}
		if err != nil {
			return fmt.Errorf("check %s: %w", f.Name, err)
		}
	}
	return nil
}

// CreateRecord inserts coerced values and returns the stored row.
func (s *Store) CreateRecord(ctx context.Context, c records.Collection, companyID string, values map[string]any) (records.Row, error) {
	if err := s.checkRefs(ctx, c, companyID, values); err != nil {
		return records.Row{}, err
	}
	id := uuid.NewString()
	now := toMillis(s.now())

	cols := []string{"id", "company_id", "created_at", "updated_at"}
	args := []any{id, companyID, now, now}
	for _, f := range c.Fields {
		cols = append(cols, f.Name)
		args = append(args, columnValue(f, values))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", c.Name, strings.Join(cols, ", "), placeholders)

	if err := withRetry(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	}); err != nil {
		return records.Row{}, fmt.Errorf("insert %s: %w", c.Name, err)
	}
	return s.GetRecord(ctx, c, companyID, id)
}

func (s *Store) UpdateRecord(ctx context.Context, c records.Collection, companyID, id string, values map[string]any) (records.Row, error) {
	if err := s.checkRefs(ctx, c, companyID, values); err != nil {
		return records.Row{}, err
	}
	sets := []string{"updated_at = ?"}
	args := []any{toMillis(s.now())}
	for _, f := range c.Fields {
		sets = append(sets, f.Name+" = ?")
		args = append(args, columnValue(f, values))
	}
	args = append(args, companyID, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE company_id = ? AND id = ? AND deleted_at IS NULL", c.Name, strings.Join(sets, ", "))

	var res sql.Result
	if err := withRetry(func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	}); err != nil {
		return records.Row{}, fmt.Errorf("update %s: %w", c.Name, err)
	}
	if err := expectOne(res); err != nil {
		return records.Row{}, err
	}
	return s.GetRecord(ctx, c, companyID, id)
}

// SoftDeleteRecord stamps deleted_at; the row stays in the table.
func (s *Store) SoftDeleteRecord(ctx context.Context, c records.Collection, companyID, id string) error {
	query := fmt.Sprintf("UPDATE %s SET deleted_at = ?, updated_at = ? WHERE company_id = ? AND id = ? AND deleted_at IS NULL", c.Name)
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, query, now, now, companyID, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", c.Name, err)
	}
	return expectOne(res)
}
