package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedSourceDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	stmts := []string{
		`CREATE TABLE reports (id INTEGER PRIMARY KEY, customer_name TEXT, report_date TEXT)`,
		`CREATE TABLE items (id INTEGER PRIMARY KEY, report_id INTEGER, item TEXT, amount REAL)`,
		`INSERT INTO reports VALUES (1, 'ACME', '2026-01-31'), (2, 'Globex', '2026-02-28')`,
		`INSERT INTO items VALUES
			(1, 1, 'Widget', 10.5),
			(2, 1, 'Gadget', 4.5),
			(3, 2, 'Sprocket', 99)`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return path
}

func testAssets() *GeneratorAssets {
	a := &GeneratorAssets{Dialect: "sqlite"}
	a.SQL.Header = `SELECT customer_name, report_date FROM reports WHERE id = :report_id`
	a.SQL.Rows = `SELECT item, amount FROM items WHERE report_id = :report_id AND (:min_amount IS NULL OR amount >= :min_amount) ORDER BY id`
	a.SQL.Totals = `SELECT SUM(amount) FROM items WHERE report_id = :report_id AND (:min_amount IS NULL OR amount >= :min_amount)`
	a.OutputSchemas.Header = []string{"customer_name", "report_date"}
	a.OutputSchemas.Rows = []string{"row_item", "row_amount"}
	a.OutputSchemas.Totals = []string{"total_amount"}
	a.Params.Required = []string{"report_id"}
	a.Params.Optional = []string{"min_amount"}
	return a
}

func TestRunAssemblesHeaderRowsTotals(t *testing.T) {
	exec, err := Materialize(context.Background(), seedSourceDB(t), nil)
	require.NoError(t, err)
	defer func() { _ = exec.Close() }()

	res, err := exec.Run(context.Background(), testAssets(), map[string]any{"report_id": 1}, nil)
	require.NoError(t, err)

	require.Equal(t, "ACME", res.Header["customer_name"])
	require.Equal(t, "2026-01-31", res.Header["report_date"])

	// Schema position names the projected columns.
	require.Len(t, res.Rows, 2)
	require.Equal(t, "Widget", res.Rows[0]["row_item"])
	require.Equal(t, "10.5", res.Rows[0]["row_amount"])
	require.Equal(t, "Gadget", res.Rows[1]["row_item"])

	require.Equal(t, "15", res.Totals["total_amount"])
}

func TestRunOptionalParamBindsNull(t *testing.T) {
	exec, err := Materialize(context.Background(), seedSourceDB(t), []string{"reports", "items"})
	require.NoError(t, err)
	defer func() { _ = exec.Close() }()

	// Omitted optional param: the IS NULL guard disables the filter.
	res, err := exec.Run(context.Background(), testAssets(), map[string]any{"report_id": 1}, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	// Supplied optional param filters rows.
	res, err = exec.Run(context.Background(), testAssets(), map[string]any{"report_id": 1, "min_amount": 10}, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "Widget", res.Rows[0]["row_item"])
}

func TestRunMissingRequiredParam(t *testing.T) {
	exec, err := Materialize(context.Background(), seedSourceDB(t), nil)
	require.NoError(t, err)
	defer func() { _ = exec.Close() }()

	cases := map[string]map[string]any{
		"absent":     {},
		"nil":        {"report_id": nil},
		"whitespace": {"report_id": "  "},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := exec.Run(context.Background(), testAssets(), params, nil)
			var mpe *MissingParamError
			require.ErrorAs(t, err, &mpe)
			require.Equal(t, "report_id", mpe.Name)
		})
	}
}

func TestRunHeaderMustBeOneRow(t *testing.T) {
	exec, err := Materialize(context.Background(), seedSourceDB(t), nil)
	require.NoError(t, err)
	defer func() { _ = exec.Close() }()

	a := testAssets()
	a.SQL.Header = `SELECT customer_name, report_date FROM reports`
	_, err = exec.Run(context.Background(), a, map[string]any{"report_id": 1}, nil)
	var ee *ExecError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, "header", ee.Entrypoint)

	a.SQL.Header = `SELECT customer_name, report_date FROM reports WHERE id = 999`
	_, err = exec.Run(context.Background(), a, map[string]any{"report_id": 1}, nil)
	require.ErrorAs(t, err, &ee)
}

func TestRunZeroRowsIsValid(t *testing.T) {
	exec, err := Materialize(context.Background(), seedSourceDB(t), nil)
	require.NoError(t, err)
	defer func() { _ = exec.Close() }()

	res, err := exec.Run(context.Background(), testAssets(), map[string]any{"report_id": 1, "min_amount": 1000}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Rows)
	// SUM over no rows is NULL, rendered as empty string.
	require.Equal(t, "", res.Totals["total_amount"])
}

func TestRunSQLErrorWrapsEntrypoint(t *testing.T) {
	exec, err := Materialize(context.Background(), seedSourceDB(t), nil)
	require.NoError(t, err)
	defer func() { _ = exec.Close() }()

	a := testAssets()
	a.SQL.Rows = `SELECT nonexistent FROM items`
	_, err = exec.Run(context.Background(), a, map[string]any{"report_id": 1}, nil)
	var ee *ExecError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, "rows", ee.Entrypoint)
}

func TestRunPollAborts(t *testing.T) {
	exec, err := Materialize(context.Background(), seedSourceDB(t), nil)
	require.NoError(t, err)
	defer func() { _ = exec.Close() }()

	cancelled := errors.New("cancelled")
	_, err = exec.Run(context.Background(), testAssets(), map[string]any{"report_id": 1}, func() error { return cancelled })
	require.ErrorIs(t, err, cancelled)
}

func TestProjectionNameBeatsPosition(t *testing.T) {
	exec, err := Materialize(context.Background(), seedSourceDB(t), nil)
	require.NoError(t, err)
	defer func() { _ = exec.Close() }()

	// The projection aliases columns with token names in swapped order; the
	// name match must win over position.
	a := testAssets()
	a.SQL.Rows = `SELECT amount AS row_amount, item AS row_item FROM items WHERE report_id = :report_id ORDER BY id`
	res, err := exec.Run(context.Background(), a, map[string]any{"report_id": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, "Widget", res.Rows[0]["row_item"])
	require.Equal(t, "10.5", res.Rows[0]["row_amount"])
}

func TestFilterNamedDropsUnreferencedParams(t *testing.T) {
	named := []any{sql.Named("a", 1), sql.Named("b", 2)}
	out := filterNamed(`SELECT * FROM t WHERE x = :a`, named)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].(sql.NamedArg).Name)
}

func TestMaterializeMissingTable(t *testing.T) {
	_, err := Materialize(context.Background(), seedSourceDB(t), []string{"ghosts"})
	require.Error(t, err)
}

func TestParseAssetsRejections(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"invalid flag":   `{"invalid": true, "sql": {"header":"SELECT 1","rows":"SELECT 1","totals":"SELECT 1"}}`,
		"needs user fix": `{"needs_user_fix": ["ambiguous join"], "sql": {"header":"SELECT 1","rows":"SELECT 1","totals":"SELECT 1"}}`,
		"empty sql":      `{"sql": {"header":"SELECT 1","rows":"  ","totals":"SELECT 1"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAssets([]byte(raw))
			require.Error(t, err)
		})
	}

	a, err := ParseAssets([]byte(`{"dialect":"sqlite","sql":{"header":"SELECT 1","rows":"SELECT 1","totals":"SELECT 1"}}`))
	require.NoError(t, err)
	require.Equal(t, "sqlite", a.Dialect)
}
