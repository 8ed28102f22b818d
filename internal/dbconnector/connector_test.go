package dbconnector

import (
	"reflect"
	"testing"
)

func TestQuoteQualified(t *testing.T) {
	quoted, parts, err := quoteQualified("public.logins", 2, pgQuote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quoted != "\"public\".\"logins\"" {
		t.Fatalf("unexpected quoted value: %s", quoted)
	}
	if !reflect.DeepEqual(parts, []string{"public", "logins"}) {
		t.Fatalf("unexpected parts: %#v", parts)
	}
}

func TestQuoteQualifiedRejects(t *testing.T) {
	for _, ident := range []string{"a.b.c", "", "logins;drop", "a..b", "1abc"} {
		if _, _, err := quoteQualified(ident, 2, pgQuote); err == nil {
			t.Fatalf("expected error for %q", ident)
		}
	}
}

func TestSelectColumnsAddsCursor(t *testing.T) {
	list, cursor, err := selectColumns(FetchRequest{CursorColumn: "id", Columns: []string{"user", "status"}}, mysqlQuote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if list != "`id`, `user`, `status`" || cursor != "`id`" {
		t.Fatalf("unexpected output: %s / %s", list, cursor)
	}
	list, _, err = selectColumns(FetchRequest{CursorColumn: "id"}, mysqlQuote)
	if err != nil || list != "*" {
		t.Fatalf("expected select all, got %q err=%v", list, err)
	}
	if _, _, err := selectColumns(FetchRequest{CursorColumn: "id; --"}, mysqlQuote); err == nil {
		t.Fatalf("expected error for unsafe cursor column")
	}
}

func TestFetchQueries(t *testing.T) {
	req := FetchRequest{Table: "logins", CursorColumn: "id", Columns: []string{"status"}, After: 41}
	cases := []struct {
		name  string
		build func(FetchRequest) (string, []any, error)
		query string
		args  []any
	}{
		{"postgres", postgresFetchQuery, `SELECT "id", "status" FROM "logins" WHERE "id" > $1 ORDER BY "id" ASC LIMIT $2`, []any{int64(41), defaultFetchLimit}},
		{"mysql", mysqlFetchQuery, "SELECT `id`, `status` FROM `logins` WHERE `id` > ? ORDER BY `id` ASC LIMIT ?", []any{int64(41), defaultFetchLimit}},
		{"mssql", mssqlFetchQuery, "SELECT TOP (@p1) [id], [status] FROM [dbo].[logins] WHERE [id] > @p2 ORDER BY [id] ASC", []any{defaultFetchLimit, int64(41)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			query, args, err := tc.build(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if query != tc.query {
				t.Fatalf("unexpected query:\n%s\nwant:\n%s", query, tc.query)
			}
			if !reflect.DeepEqual(args, tc.args) {
				t.Fatalf("unexpected args: %#v", args)
			}
		})
	}
}

func TestMySQLRejectsQualifiedTable(t *testing.T) {
	if _, _, err := mysqlFetchQuery(FetchRequest{Table: "db.logins", CursorColumn: "id"}); err == nil {
		t.Fatalf("expected error for qualified mysql table")
	}
}

func TestToInt64(t *testing.T) {
	cases := map[any]int64{int32(7): 7, int64(9): 9, uint16(3): 3, "12": 12}
	for in, want := range cases {
		got, ok := toInt64(in)
		if !ok || got != want {
			t.Fatalf("toInt64(%#v) = %d, %v", in, got, ok)
		}
	}
	if _, ok := toInt64(1.5); ok {
		t.Fatalf("floats are not cursors")
	}
}

func TestTableSchemaHasColumn(t *testing.T) {
	schema := TableSchema{Columns: []ColumnInfo{{Name: "ID"}, {Name: "status"}}}
	if !schema.HasColumn("id") || schema.HasColumn("missing") {
		t.Fatalf("unexpected column lookup")
	}
}

func TestNewConnectorUnsupported(t *testing.T) {
	if _, err := NewConnector(ConnectionConfig{}); err == nil {
		t.Fatalf("expected error for empty type")
	}
	if _, err := NewConnector(ConnectionConfig{Type: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestNormalizeType(t *testing.T) {
	cases := map[string]string{
		"MySQL":      TypeMySQL,
		"mariadb":    TypeMySQL,
		" postgres ": TypePostgres,
		"postgresql": TypePostgres,
		"sqlserver":  TypeMSSQL,
		"MSSQL":      TypeMSSQL,
	}
	for in, want := range cases {
		got, err := NormalizeType(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeType(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := NormalizeType("oracle"); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}
