package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/blake3"
)

// Join describes a parent/child key relationship discovered from foreign
// keys (or inferred from column-name conventions when no FKs exist).
type Join struct {
	ParentTable string `json:"parent_table"`
	ParentKey   string `json:"parent_key"`
	ChildTable  string `json:"child_table"`
	ChildKey    string `json:"child_key"`
}

// Catalog is the allow-list of qualified table.column identifiers plus the
// join/date-column map the pipeline prompts consume.
type Catalog struct {
	Lines       []string          `json:"lines"` // sorted unique table.column
	Tables      map[string][]string `json:"tables"`
	Joins       []Join            `json:"joins"`
	DateColumns map[string]string `json:"date_columns"` // table -> column
	Signature   string            `json:"signature"`    // blake3 of db file
}

// TableNames returns the sorted table names the catalog covers.
func (c *Catalog) TableNames() []string {
	out := make([]string, 0, len(c.Tables))
	for t := range c.Tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a qualified identifier is in the allow-list.
func (c *Catalog) Has(qualified string) bool {
	qualified = strings.ToLower(strings.TrimSpace(qualified))
	for _, l := range c.Lines {
		if strings.ToLower(l) == qualified {
			return true
		}
	}
	return false
}

// SHA is sha256 over the sorted unique catalog lines joined by newline; the
// auto-map cache key input.
func (c *Catalog) SHA() string {
	sum := sha256.Sum256([]byte(strings.Join(c.Lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Introspect opens the sqlite database read-only and builds the catalog.
func Introspect(ctx context.Context, dbPath string) (*Catalog, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database %s: %w", dbPath, err)
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	cat := &Catalog{
		Tables:      map[string][]string{},
		DateColumns: map[string]string{},
	}

	tables, err := listTables(ctx, db)
	if err != nil {
		return nil, err
	}
	for _, table := range tables {
		cols, err := listColumns(ctx, db, table)
		if err != nil {
			return nil, err
		}
		cat.Tables[table] = cols
		for _, col := range cols {
			cat.Lines = append(cat.Lines, table+"."+col)
			if cat.DateColumns[table] == "" && looksLikeDateColumn(col) {
				cat.DateColumns[table] = col
			}
		}
		joins, err := listForeignKeys(ctx, db, table)
		if err != nil {
			return nil, err
		}
		cat.Joins = append(cat.Joins, joins...)
	}
	sort.Strings(cat.Lines)
	cat.Lines = dedupe(cat.Lines)

	if len(cat.Joins) == 0 {
		cat.Joins = inferJoins(cat.Tables)
	}

	sig, err := fileSignature(dbPath)
	if err != nil {
		return nil, err
	}
	cat.Signature = sig
	return cat, nil
}

func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func listColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func listForeignKeys(ctx context.Context, db *sql.DB, table string) ([]Join, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Join
	for rows.Next() {
		var (
			id, seq                     int
			refTable, from, to          string
			onUpdate, onDelete, matchOn string
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &matchOn); err != nil {
			return nil, err
		}
		if to == "" {
			to = "id"
		}
		out = append(out, Join{
			ParentTable: refTable,
			ParentKey:   to,
			ChildTable:  table,
			ChildKey:    from,
		})
	}
	return out, rows.Err()
}

// inferJoins falls back to the <parent>_id naming convention when the schema
// declares no foreign keys.
func inferJoins(tables map[string][]string) []Join {
	var out []Join
	for child, cols := range tables {
		for _, col := range cols {
			lower := strings.ToLower(col)
			if !strings.HasSuffix(lower, "_id") {
				continue
			}
			stem := strings.TrimSuffix(lower, "_id")
			for parent := range tables {
				pl := strings.ToLower(parent)
				if pl == stem || pl == stem+"s" || pl == stem+"es" {
					out = append(out, Join{
						ParentTable: parent,
						ParentKey:   "id",
						ChildTable:  child,
						ChildKey:    col,
					})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChildTable != out[j].ChildTable {
			return out[i].ChildTable < out[j].ChildTable
		}
		return out[i].ChildKey < out[j].ChildKey
	})
	return out
}

var dateColumnCues = []string{"date", "_at", "_on", "timestamp", "period"}

func looksLikeDateColumn(col string) bool {
	lower := strings.ToLower(col)
	for _, cue := range dateColumnCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// fileSignature hashes the db file with blake3; cheap enough to run per
// introspection and stable across identical content.
func fileSignature(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func dedupe(in []string) []string {
	out := in[:0]
	var prev string
	for i, s := range in {
		if i == 0 || s != prev {
			out = append(out, s)
		}
		prev = s
	}
	return out
}
