package store

import (
	"database/sql"
	"fmt"
	"strings"

	"mintgate/mg"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLBackend keeps the key space in a single two-column table. It works with
// the "sqlite3" and "postgres" drivers.
type SQLBackend struct {
	db     *sql.DB
	driver string
}

const sqlTable = "mintgate_kv"

func OpenSQL(driver, dsn string) (*SQLBackend, error) {
	var blob string
	switch driver {
	case "sqlite3":
		blob = "BLOB"
	case "postgres":
		blob = "BYTEA"
	default:
		return nil, errors.Newf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers anyway, one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	_, err = db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (k %s PRIMARY KEY, v %s NOT NULL)`, sqlTable, blob, blob))
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create table")
	}
	return &SQLBackend{db: db, driver: driver}, nil
}

// q rewrites ? placeholders for postgres.
func (s *SQLBackend) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *SQLBackend) Get(key []byte) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(s.q(`SELECT v FROM `+sqlTable+` WHERE k = ?`), key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, mg.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sql get")
	}
	return v, nil
}

func (s *SQLBackend) Commit(b *Batch) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "sql begin")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	for _, o := range b.ops {
		switch o.kind {
		case opInsert:
			res, err := tx.Exec(s.q(`INSERT INTO `+sqlTable+` (k, v) VALUES (?, ?) ON CONFLICT (k) DO NOTHING`), o.key, o.value)
			if err != nil {
				return errors.Wrap(err, "sql insert")
			}
			n, err := res.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "sql insert")
			}
			if n == 0 {
				return mg.ErrExists
			}
		case opSet:
			_, err := tx.Exec(s.q(`INSERT INTO `+sqlTable+` (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`), o.key, o.value)
			if err != nil {
				return errors.Wrap(err, "sql set")
			}
		case opDelete:
			_, err := tx.Exec(s.q(`DELETE FROM `+sqlTable+` WHERE k = ?`), o.key)
			if err != nil {
				return errors.Wrap(err, "sql delete")
			}
		}
	}
	return errors.Wrap(tx.Commit(), "sql commit")
}

func (s *SQLBackend) Scan(prefix []byte, fn func(key, value []byte) error) error {
	var rows *sql.Rows
	var err error
	if end := upperBound(prefix); end != nil {
		rows, err = s.db.Query(s.q(`SELECT k, v FROM `+sqlTable+` WHERE k >= ? AND k < ? ORDER BY k`), prefix, end)
	} else {
		rows, err = s.db.Query(s.q(`SELECT k, v FROM `+sqlTable+` WHERE k >= ? ORDER BY k`), prefix)
	}
	if err != nil {
		return errors.Wrap(err, "sql scan")
	}
	defer rows.Close()
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return errors.Wrap(err, "sql scan")
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "sql scan")
}

// Sync is a no-op: every Commit is already a durable transaction.
func (s *SQLBackend) Sync() error { return nil }

func (s *SQLBackend) Close() error { return s.db.Close() }
