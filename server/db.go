package server

import (
	"log"
	"time"

	"github.com/BurntSushi/migration"

	"github.com/kilnworks/kiln/derive"
)

// ArtifactRow is one accounting record: a derived artifact we uploaded
// to the store, when, and how big it was.
type ArtifactRow struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ArtifactDB is the accounting index over stored artifacts. The engine
// appends to it after every upload; the /artifacts handlers and the
// command line tools read it. It is bookkeeping only: losing it never
// affects cache correctness, since the store itself is the source of
// truth.
type ArtifactDB interface {
	derive.Indexer
	ArtifactInfo(key string) (*ArtifactRow, error)
	ListArtifacts(limit int) ([]ArtifactRow, error)
}

// we need to adapt the migration version functions to work with MySQL and QL
// This code is slightly modified from github.com/BurntSushi/migration

type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	v, err := d.get(tx)
	if err != nil {
		// we assume error means there is no migration table
		log.Println(err.Error())
		return 0, nil
	}
	return v, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if err := d.set(tx, version); err != nil {
		if err := d.createTable(tx); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	return nil
}

func (d dbVersion) get(tx migration.LimitedTx) (int, error) {
	var version int
	r := tx.QueryRow(d.GetSQL)
	if err := r.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (d dbVersion) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

func (d dbVersion) createTable(tx migration.LimitedTx) error {
	_, err := tx.Exec(d.CreateSQL)
	if err == nil {
		err = d.set(tx, 0)
	}
	return err
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}
