package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// MissingParamError reports a required parameter absent or null at bind
// time. Surfaces as HTTP 400 upstream.
type MissingParamError struct {
	Name string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("required parameter %q is missing", e.Name)
}

// ExecError wraps a database failure from one of the three entrypoints. The
// run fails with report_generation_failed and no partial rendering.
type ExecError struct {
	Entrypoint string
	Err        error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s query failed: %v", e.Entrypoint, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Result is the assembled data for a render: scalar tokens from header,
// ordered row dicts, and totals tokens.
type Result struct {
	Header map[string]string
	Rows   []map[string]string
	Totals map[string]string
}

// Executor materializes the source database into an in-memory sqlite
// runtime so the generated SQL may use window functions, CTEs, and NULLIF
// regardless of the source driver. One executor serves one report run;
// header/rows/totals observe the same materialized snapshot.
type Executor struct {
	db  *sql.DB
	log *logrus.Entry
}

// Materialize copies the named tables from srcPath into a fresh :memory:
// database. An empty tables list copies every user table.
func Materialize(ctx context.Context, srcPath string, tables []string) (*Executor, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	// A single conn keeps the attached source and the memory db on the same
	// connection for the whole copy.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `ATTACH DATABASE ? AS src`, "file:"+srcPath+"?mode=ro"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("attach source: %w", err)
	}

	if len(tables) == 0 {
		rows, err := db.QueryContext(ctx, `SELECT name FROM src.sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				_ = rows.Close()
				_ = db.Close()
				return nil, err
			}
			tables = append(tables, name)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			_ = db.Close()
			return nil, err
		}
		_ = rows.Close()
	}

	for _, t := range tables {
		stmt := fmt.Sprintf(`CREATE TABLE main.%q AS SELECT * FROM src.%q`, t, t)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("materialize %s: %w", t, err)
		}
	}
	if _, err := db.ExecContext(ctx, `DETACH DATABASE src`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Executor{
		db:  db,
		log: logrus.WithField("component", "sqlexec"),
	}, nil
}

func (e *Executor) Close() error { return e.db.Close() }

// CancelPoll is called between statements; returning an error aborts the
// run with that error.
type CancelPoll func() error

// Run executes header, rows, and totals sequentially. Required parameters
// must be present and non-null; optional parameters bind as NULL when
// omitted (the generated SQL guards them with ":param IS NULL OR" clauses).
func (e *Executor) Run(ctx context.Context, assets *GeneratorAssets, params map[string]any, poll CancelPoll) (*Result, error) {
	named, err := bindParams(assets, params)
	if err != nil {
		return nil, err
	}

	res := &Result{}

	if poll != nil {
		if err := poll(); err != nil {
			return nil, err
		}
	}
	header, err := e.queryRows(ctx, assets.SQL.Header, named, assets.OutputSchemas.Header)
	if err != nil {
		return nil, &ExecError{Entrypoint: "header", Err: err}
	}
	if len(header) != 1 {
		return nil, &ExecError{Entrypoint: "header", Err: fmt.Errorf("expected exactly one row, got %d", len(header))}
	}
	res.Header = header[0]

	if poll != nil {
		if err := poll(); err != nil {
			return nil, err
		}
	}
	res.Rows, err = e.queryRows(ctx, assets.SQL.Rows, named, assets.OutputSchemas.Rows)
	if err != nil {
		return nil, &ExecError{Entrypoint: "rows", Err: err}
	}

	if poll != nil {
		if err := poll(); err != nil {
			return nil, err
		}
	}
	totals, err := e.queryRows(ctx, assets.SQL.Totals, named, assets.OutputSchemas.Totals)
	if err != nil {
		return nil, &ExecError{Entrypoint: "totals", Err: err}
	}
	if len(totals) > 1 {
		return nil, &ExecError{Entrypoint: "totals", Err: fmt.Errorf("expected at most one row, got %d", len(totals))}
	}
	if len(totals) == 1 {
		res.Totals = totals[0]
	} else {
		res.Totals = map[string]string{}
	}
	return res, nil
}

func bindParams(assets *GeneratorAssets, params map[string]any) ([]any, error) {
	var named []any
	for _, name := range assets.Params.Required {
		v, ok := params[name]
		if !ok || v == nil {
			return nil, &MissingParamError{Name: name}
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return nil, &MissingParamError{Name: name}
		}
		named = append(named, sql.Named(name, v))
	}
	for _, name := range assets.Params.Optional {
		v, ok := params[name]
		if !ok {
			named = append(named, sql.Named(name, nil))
			continue
		}
		named = append(named, sql.Named(name, v))
	}
	return named, nil
}

// queryRows executes one SELECT and projects columns to token names by
// position-then-name, treating the output schema as authoritative: schema
// position i names the value of projected column i; when the projection has
// a column whose name matches a schema token, the name wins over position.
func (e *Executor) queryRows(ctx context.Context, query string, named []any, schema []string) ([]map[string]string, error) {
	rows, err := e.db.QueryContext(ctx, query, filterNamed(query, named)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]string
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		dict := map[string]string{}
		for i, col := range cols {
			token := col
			if i < len(schema) {
				token = schema[i]
			}
			// Name beats position when the projection already uses a token name.
			for _, s := range schema {
				if strings.EqualFold(s, col) {
					token = s
					break
				}
			}
			dict[token] = valueToString(raw[i])
		}
		out = append(out, dict)
	}
	return out, rows.Err()
}

var namedParamPattern = regexp.MustCompile(`[:@$]([A-Za-z_][A-Za-z0-9_]*)`)

// filterNamed keeps only the named args the query actually references;
// sqlite rejects extra named parameters.
func filterNamed(query string, named []any) []any {
	used := map[string]bool{}
	for _, m := range namedParamPattern.FindAllStringSubmatch(query, -1) {
		used[m[1]] = true
	}
	var out []any
	for _, a := range named {
		if na, ok := a.(sql.NamedArg); ok && used[na.Name] {
			out = append(out, a)
		}
	}
	return out
}

func valueToString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", x), "0"), ".")
	default:
		return fmt.Sprint(x)
	}
}
