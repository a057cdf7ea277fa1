package server

import (
	"database/sql"
	"log"
	"time"

	// no _ in import mysql since we need mysql.NullTime
	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
)

// This file implements the artifact index using MySQL as the storage
// medium, for deployments where several hosts share one artifact store.

type msqlIndex struct {
	db *sql.DB
}

var _ ArtifactDB = &msqlIndex{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

// Adapt the schema versioning for MySQL

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// NewMysqlIndex connects to a MySQL database and migrates it as needed.
func NewMysqlIndex(dial string) (ArtifactDB, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &msqlIndex{db: db}, nil
}

func (ms *msqlIndex) IndexArtifact(key string, size int64, uploadedAt time.Time) error {
	const stmt = `INSERT INTO derivations (dkey, size, uploaded_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE size=?, uploaded_at=?`

	_, err := ms.db.Exec(stmt, key, size, uploadedAt, size, uploadedAt)
	return err
}

func (ms *msqlIndex) ArtifactInfo(key string) (*ArtifactRow, error) {
	const query = `
		SELECT dkey, size, uploaded_at
		FROM derivations
		WHERE dkey = ?
		LIMIT 1`

	var row ArtifactRow
	var when mysql.NullTime
	err := ms.db.QueryRow(query, key).Scan(&row.Key, &row.Size, &when)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if when.Valid {
		row.UploadedAt = when.Time
	}
	return &row, nil
}

func (ms *msqlIndex) ListArtifacts(limit int) ([]ArtifactRow, error) {
	const query = `
		SELECT dkey, size, uploaded_at
		FROM derivations
		ORDER BY uploaded_at DESC
		LIMIT ?`

	rows, err := ms.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ArtifactRow
	for rows.Next() {
		var row ArtifactRow
		var when mysql.NullTime
		if err := rows.Scan(&row.Key, &row.Size, &when); err != nil {
			return nil, err
		}
		if when.Valid {
			row.UploadedAt = when.Time
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// database migrations. each one is a go function. Add them to the
// list mysqlMigrations at top of this file for them to be run.

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS derivations (
		id int PRIMARY KEY AUTO_INCREMENT,
		dkey varchar(128),
		size BIGINT,
		uploaded_at datetime,
		UNIQUE INDEX derivationkey (dkey),
		INDEX derivationtime (uploaded_at))`,
	}
	return execlist(tx, s)
}
