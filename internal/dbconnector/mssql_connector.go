package dbconnector

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/microsoft/go-mssqldb"
)

type MSSQLConnector struct {
	baseConnector
}

func mssqlQuote(s string) string { return "[" + s + "]" }

func newMSSQLConnector(cfg ConnectionConfig) (*MSSQLConnector, error) {
	if cfg.Port == 0 {
		cfg.Port = 1433
	}
	db, err := openDatabase("sqlserver", mssqlDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open mssql connection: %w", err)
	}
	return &MSSQLConnector{baseConnector{cfg: cfg, db: db}}, nil
}

func (c *MSSQLConnector) TestConnection(ctx context.Context) error {
	return c.ping(ctx, "mssql")
}

func (c *MSSQLConnector) DescribeTable(ctx context.Context, table string) (*TableSchema, error) {
	schema, name, err := parseMSSQLTable(table)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, "SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_CATALOG = DB_NAME() AND TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION", schema, name)
	if err != nil {
		return nil, fmt.Errorf("query mssql columns: %w", err)
	}
	defer rows.Close()
	columns := []ColumnInfo{}
	for rows.Next() {
		var colName, dataType, isNullable string
		if err := rows.Scan(&colName, &dataType, &isNullable); err != nil {
			return nil, fmt.Errorf("scan mssql column: %w", err)
		}
		columns = append(columns, ColumnInfo{
			Name:     colName,
			Type:     dataType,
			Nullable: strings.EqualFold(isNullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mssql columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("mssql table %q not found", table)
	}
	return &TableSchema{Columns: columns}, nil
}

func (c *MSSQLConnector) FetchRowsAfter(ctx context.Context, req FetchRequest) ([]Row, error) {
	query, args, err := mssqlFetchQuery(req)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, "mssql", query, args, req.CursorColumn)
}

// mssqlDSN builds a sqlserver:// URL. Encryption is on unless sslmode is disable.
func mssqlDSN(cfg ConnectionConfig) string {
	encrypt := "true"
	if strings.EqualFold(strings.TrimSpace(cfg.SSLMode), "disable") {
		encrypt = "disable"
	}
	q := url.Values{}
	q.Set("database", cfg.Database)
	q.Set("encrypt", encrypt)
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// mssqlFetchQuery pages rows past a cursor. SQL Server has no LIMIT, so the page
// size is bound first as @p1 for TOP and the cursor second as @p2.
func mssqlFetchQuery(req FetchRequest) (string, []any, error) {
	quotedTable, err := quoteMSSQLTable(req.Table)
	if err != nil {
		return "", nil, err
	}
	selectClause, cursor, err := selectColumns(req, mssqlQuote)
	if err != nil {
		return "", nil, fmt.Errorf("invalid mssql column list: %w", err)
	}
	query := fmt.Sprintf("SELECT TOP (@p1) %s FROM %s WHERE %s > @p2 ORDER BY %s ASC", selectClause, quotedTable, cursor, cursor)
	return query, []any{normalizeFetchLimit(req.Limit), req.After}, nil
}

func parseMSSQLTable(table string) (string, string, error) {
	_, parts, err := quoteQualified(table, 2, mssqlQuote)
	if err != nil {
		return "", "", fmt.Errorf("invalid mssql table: %w", err)
	}
	if len(parts) == 1 {
		return "dbo", parts[0], nil
	}
	return parts[0], parts[1], nil
}

func quoteMSSQLTable(table string) (string, error) {
	schema, name, err := parseMSSQLTable(table)
	if err != nil {
		return "", err
	}
	return mssqlQuote(schema) + "." + mssqlQuote(name), nil
}
