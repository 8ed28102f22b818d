package dbconnector

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

type MySQLConnector struct {
	baseConnector
}

func mysqlQuote(s string) string { return "`" + s + "`" }

func newMySQLConnector(cfg ConnectionConfig) (*MySQLConnector, error) {
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	if sslMode == "disable" {
		dsn += "&tls=false"
	} else if sslMode != "" {
		dsn += "&tls=true"
	}
	db, err := openDatabase("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}
	return &MySQLConnector{baseConnector{cfg: cfg, db: db}}, nil
}

func (c *MySQLConnector) TestConnection(ctx context.Context) error {
	return c.ping(ctx, "mysql")
}

func (c *MySQLConnector) DescribeTable(ctx context.Context, table string) (*TableSchema, error) {
	if _, _, err := quoteQualified(table, 1, mysqlQuote); err != nil {
		return nil, fmt.Errorf("invalid mysql table: %w", err)
	}
	rows, err := c.db.QueryContext(ctx, "SELECT column_name, data_type, is_nullable, column_key FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position", table)
	if err != nil {
		return nil, fmt.Errorf("query mysql columns: %w", err)
	}
	defer rows.Close()
	columns := []ColumnInfo{}
	for rows.Next() {
		var name, dataType, isNullable, key string
		if err := rows.Scan(&name, &dataType, &isNullable, &key); err != nil {
			return nil, fmt.Errorf("scan mysql column: %w", err)
		}
		columns = append(columns, ColumnInfo{
			Name:     name,
			Type:     dataType,
			Nullable: strings.EqualFold(isNullable, "YES"),
			IsPK:     strings.EqualFold(key, "PRI"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mysql columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("mysql table %q not found", table)
	}
	return &TableSchema{Columns: columns}, nil
}

func (c *MySQLConnector) FetchRowsAfter(ctx context.Context, req FetchRequest) ([]Row, error) {
	query, args, err := mysqlFetchQuery(req)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, "mysql", query, args, req.CursorColumn)
}

func mysqlFetchQuery(req FetchRequest) (string, []any, error) {
	quotedTable, _, err := quoteQualified(req.Table, 1, mysqlQuote)
	if err != nil {
		return "", nil, fmt.Errorf("invalid mysql table: %w", err)
	}
	selectClause, cursor, err := selectColumns(req, mysqlQuote)
	if err != nil {
		return "", nil, fmt.Errorf("invalid mysql column list: %w", err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT ?", selectClause, quotedTable, cursor, cursor)
	return query, []any{req.After, normalizeFetchLimit(req.Limit)}, nil
}
