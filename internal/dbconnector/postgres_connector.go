package dbconnector

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

type PostgresConnector struct {
	baseConnector
}

func pgQuote(s string) string { return "\"" + s + "\"" }

func newPostgresConnector(cfg ConnectionConfig) (*PostgresConnector, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
	db, err := openDatabase("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	return &PostgresConnector{baseConnector{cfg: cfg, db: db}}, nil
}

func (c *PostgresConnector) TestConnection(ctx context.Context) error {
	return c.ping(ctx, "postgres")
}

func (c *PostgresConnector) DescribeTable(ctx context.Context, table string) (*TableSchema, error) {
	_, parts, err := quoteQualified(table, 2, pgQuote)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres table: %w", err)
	}
	name := parts[len(parts)-1]
	schemaExpr := "current_schema()"
	args := []any{name}
	if len(parts) == 2 {
		schemaExpr = "$2"
		args = append(args, parts[0])
	}
	rows, err := c.db.QueryContext(ctx, "SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_schema = "+schemaExpr+" AND table_name = $1 ORDER BY ordinal_position", args...)
	if err != nil {
		return nil, fmt.Errorf("query postgres columns: %w", err)
	}
	defer rows.Close()
	columns := []ColumnInfo{}
	for rows.Next() {
		var colName, dataType, isNullable string
		if err := rows.Scan(&colName, &dataType, &isNullable); err != nil {
			return nil, fmt.Errorf("scan postgres column: %w", err)
		}
		columns = append(columns, ColumnInfo{
			Name:     colName,
			Type:     dataType,
			Nullable: strings.EqualFold(isNullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate postgres columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("postgres table %q not found", table)
	}
	return &TableSchema{Columns: columns}, nil
}

func (c *PostgresConnector) FetchRowsAfter(ctx context.Context, req FetchRequest) ([]Row, error) {
	query, args, err := postgresFetchQuery(req)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, "postgres", query, args, req.CursorColumn)
}

func postgresFetchQuery(req FetchRequest) (string, []any, error) {
	quotedTable, _, err := quoteQualified(req.Table, 2, pgQuote)
	if err != nil {
		return "", nil, fmt.Errorf("invalid postgres table: %w", err)
	}
	selectClause, cursor, err := selectColumns(req, pgQuote)
	if err != nil {
		return "", nil, fmt.Errorf("invalid postgres column list: %w", err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > $1 ORDER BY %s ASC LIMIT $2", selectClause, quotedTable, cursor, cursor)
	return query, []any{req.After, normalizeFetchLimit(req.Limit)}, nil
}
