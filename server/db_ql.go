package server

import (
	"database/sql"
	"log"
	"time"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"
)

// This file implements the artifact index using the QL embedded
// database. It is intended for single host deployments and development.

type qlIndex struct {
	db *sql.DB
}

var _ ArtifactDB = &qlIndex{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var qlMigrations = []migration.Migrator{
	qlschema1,
}

// Adapt the schema versioning for QL
var qlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version VALUES (?1, now())`,
	CreateSQL: `CREATE TABLE migration_version (version int, applied time)`,
}

// NewQlIndex opens (and migrates) a QL artifact index saved in the given
// file. The filename "memory" means to keep everything in memory.
func NewQlIndex(filename string) (ArtifactDB, error) {
	driver := "ql"
	if filename == "memory" {
		driver = "ql-mem"
		filename = "mem.db"
	}
	db, err := migration.OpenWith(
		driver,
		filename,
		qlMigrations,
		qlVersioning.Get,
		qlVersioning.Set)
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &qlIndex{db: db}, nil
}

func (qc *qlIndex) IndexArtifact(key string, size int64, uploadedAt time.Time) error {
	const dbUpdate = `UPDATE derivations SET size = ?2, uploaded_at = ?3 WHERE dkey == ?1`
	const dbInsert = `INSERT INTO derivations VALUES (?1, ?2, ?3)`

	result, err := qlExec(qc.db, dbUpdate, key, size, uploadedAt)
	if err != nil {
		return err
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		// record didn't exist. create it
		_, err = qlExec(qc.db, dbInsert, key, size, uploadedAt)
	}
	return err
}

func (qc *qlIndex) ArtifactInfo(key string) (*ArtifactRow, error) {
	const query = `
		SELECT dkey, size, uploaded_at
		FROM derivations
		WHERE dkey == ?1
		LIMIT 1`

	var row ArtifactRow
	err := qc.db.QueryRow(query, key).Scan(&row.Key, &row.Size, &row.UploadedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &row, nil
}

func (qc *qlIndex) ListArtifacts(limit int) ([]ArtifactRow, error) {
	const query = `
		SELECT dkey, size, uploaded_at
		FROM derivations
		ORDER BY uploaded_at DESC
		LIMIT ?1`

	rows, err := qc.db.Query(query, int64(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ArtifactRow
	for rows.Next() {
		var row ArtifactRow
		if err := rows.Scan(&row.Key, &row.Size, &row.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// qlExec wraps an exec in a transaction, as the QL driver requires.
func qlExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	var result sql.Result
	result, err = tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}

func qlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS derivations (
		dkey string,
		size int64,
		uploaded_at time)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS derivationkey ON derivations (dkey)`,
		`CREATE INDEX IF NOT EXISTS derivationtime ON derivations (uploaded_at)`,
	}
	return execlist(tx, s)
}
