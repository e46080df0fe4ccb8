// Package csql wraps database/sql with the schema-aware conventions the
// rest of this module relies on: a single postgres connection pool, a
// selected schema, and typed classification of the driver errors the
// registry needs to tell apart (unique-key violation, undefined table).
package csql

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/hearthwire/sentryhub/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// postgres error codes we classify explicitly; see
// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgUniqueViolation   = "23505"
	pgUndefinedTable    = "42P01"
	pgDuplicateObject   = "42710" // e.g. CREATE EXTENSION racing another session
	pgDuplicateDatabase = "42P04"
)

// IsUniqueViolation reports whether err is a postgres unique-key violation.
func IsUniqueViolation(err error) bool {
	return pgErrorCodeIs(err, pgUniqueViolation)
}

// IsUndefinedTable reports whether err indicates the relation does not exist yet.
func IsUndefinedTable(err error) bool {
	return pgErrorCodeIs(err, pgUndefinedTable)
}

// IsDuplicateObject reports whether err indicates a concurrent, harmless
// re-creation of an extension/object that already exists.
func IsDuplicateObject(err error) bool {
	return pgErrorCodeIs(err, pgDuplicateObject) || pgErrorCodeIs(err, pgDuplicateDatabase)
}

func pgErrorCodeIs(err error, code string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}

// OpenWithSchema opens a postgres database with a schema. The schema gets
// created if it does not exist yet. When a schema is given, the
// uuid-ossp extension is also loaded; an empty schema selects "public"
// and loads no extension.
func OpenWithSchema(dataSourceName, dataSourcePassword, schema string) *DB {
	logger.Default().Infoln("connecting to postgres database: ", dataSourceName)
	db, err := sql.Open("postgres", fmt.Sprintf("%s password=%s", dataSourceName, dataSourcePassword))
	if err != nil {
		panic(err)
	}
	if err := db.Ping(); err != nil {
		panic(err)
	}
	if len(schema) == 0 {
		schema = "public"
	} else {
		logger.Default().Infoln("selected database schema:", schema)
		_, err = db.Exec(`CREATE extension IF NOT EXISTS "uuid-ossp";`)
		if err != nil {
			if IsDuplicateObject(err) {
				logger.Default().Warn("installing uuid-ossp extension raced another session, ignoring")
			} else {
				panic(err)
			}
		}

		_, err = db.Exec(`CREATE schema IF NOT EXISTS ` + schema + `;`)
		if err != nil {
			panic(err)
		}
	}
	return &DB{DB: db, Schema: schema}
}

// ClearSchema clears all the data contained in the database's schema.
// Technically this is done by dropping the schema and then recreating it.
// Intended for test setup only.
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`)
	if err != nil {
		logger.Default().Infoln("clear schema error:", db.Schema, err.Error())
	}
}
