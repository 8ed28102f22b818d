package dbconnector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const defaultFetchLimit = 500

// DbConnector reads an upstream producer table in cursor order.
type DbConnector interface {
	TestConnection(ctx context.Context) error

	DescribeTable(ctx context.Context, table string) (*TableSchema, error)

	// FetchRowsAfter returns rows whose cursor column is strictly greater than
	// req.After, ascending by cursor, at most req.Limit rows.
	FetchRowsAfter(ctx context.Context, req FetchRequest) ([]Row, error)

	Close() error
}

type ConnectionConfig struct {
	Type     string // mysql | postgres | mssql
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type ColumnInfo struct {
	Name     string
	Type     string
	Nullable bool
	IsPK     bool
}

type TableSchema struct {
	Columns []ColumnInfo
}

func (s TableSchema) HasColumn(name string) bool {
	for _, col := range s.Columns {
		if strings.EqualFold(col.Name, name) {
			return true
		}
	}
	return false
}

type FetchRequest struct {
	Table        string
	CursorColumn string
	// Columns limits the selected columns; empty selects all. The cursor
	// column is always selected.
	Columns []string
	After   int64
	Limit   int
}

type Row struct {
	Cursor int64
	Values map[string]any
}

type baseConnector struct {
	cfg ConnectionConfig
	db  *sql.DB
}

func (b *baseConnector) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *baseConnector) ping(ctx context.Context, dialect string) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", dialect, err)
	}
	return nil
}

func (b *baseConnector) fetch(ctx context.Context, dialect, query string, args []any, cursorColumn string) ([]Row, error) {
	stmt, err := b.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare %s fetch query: %w", dialect, err)
	}
	defer stmt.Close()
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s rows: %w", dialect, err)
	}
	defer rows.Close()
	result, err := scanRows(rows, cursorColumn)
	if err != nil {
		return nil, fmt.Errorf("scan %s rows: %w", dialect, err)
	}
	return result, nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func splitIdentifier(ident string) ([]string, error) {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return nil, errors.New("identifier is empty")
	}
	parts := strings.Split(trimmed, ".")
	for _, part := range parts {
		if part == "" {
			return nil, errors.New("identifier contains empty segment")
		}
		if !identPattern.MatchString(part) {
			return nil, fmt.Errorf("identifier segment %q is invalid", part)
		}
	}
	return parts, nil
}

func quoteQualified(ident string, maxSegments int, quote func(string) string) (string, []string, error) {
	parts, err := splitIdentifier(ident)
	if err != nil {
		return "", nil, err
	}
	if maxSegments > 0 && len(parts) > maxSegments {
		return "", nil, fmt.Errorf("identifier %q has too many segments", ident)
	}
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = quote(part)
	}
	return strings.Join(quoted, "."), parts, nil
}

func quoteColumn(name string, quote func(string) string) (string, error) {
	parts, err := splitIdentifier(name)
	if err != nil || len(parts) != 1 {
		return "", fmt.Errorf("invalid column name %q", name)
	}
	return quote(name), nil
}

func quoteList(names []string, quote func(string) string) (string, error) {
	if len(names) == 0 {
		return "", errors.New("no columns provided")
	}
	quoted := make([]string, len(names))
	for i, name := range names {
		q, err := quoteColumn(name, quote)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return strings.Join(quoted, ", "), nil
}

// selectColumns renders the select list and guarantees the cursor column is
// part of it.
func selectColumns(req FetchRequest, quote func(string) string) (string, string, error) {
	cursor, err := quoteColumn(req.CursorColumn, quote)
	if err != nil {
		return "", "", fmt.Errorf("cursor column: %w", err)
	}
	if len(req.Columns) == 0 {
		return "*", cursor, nil
	}
	columns := req.Columns
	found := false
	for _, c := range columns {
		if strings.EqualFold(c, req.CursorColumn) {
			found = true
			break
		}
	}
	if !found {
		columns = append([]string{req.CursorColumn}, columns...)
	}
	list, err := quoteList(columns, quote)
	if err != nil {
		return "", "", err
	}
	return list, cursor, nil
}

func normalizeFetchLimit(limit int) int {
	if limit <= 0 {
		return defaultFetchLimit
	}
	return limit
}

func scanRows(rows *sql.Rows, cursorColumn string) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	results := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		for i := range values {
			var v any
			values[i] = &v
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		row := Row{Values: make(map[string]any, len(cols))}
		cursorFound := false
		for i, col := range cols {
			v := normalizeValue(*(values[i].(*any)))
			row.Values[col] = v
			if strings.EqualFold(col, cursorColumn) {
				cursor, ok := toInt64(v)
				if !ok {
					return nil, fmt.Errorf("cursor column %q holds non-integer value %v", col, v)
				}
				row.Cursor = cursor
				cursorFound = true
			}
		}
		if !cursorFound {
			return nil, fmt.Errorf("cursor column %q missing from result", cursorColumn)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC()
	default:
		return t
	}
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
