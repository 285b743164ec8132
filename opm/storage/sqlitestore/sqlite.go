// Copyright (C) 2020-2024  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package sqlitestore provides opm backend that uses SQLite database for persistence.
//
// URL scheme: sqlite://<path>.
//
// Records are stored one row per object with the field values encoded as one
// msgpack blob; optimistic concurrency uses a per-row version counter checked
// by every update and delete. Writes go through a single connection - the one
// that also carries the datastore transaction - while reads outside a
// transaction are served from a pool of read connections.
package sqlitestore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	sqlite3 "github.com/gwenn/gosqlite"
	"github.com/shamaton/msgpack"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/opm/go/opm"
)

const schemaVersion = 1

// table "meta" stores parameters of the store itself.
const metaDDL = `CREATE TABLE IF NOT EXISTS meta (
	name	TEXT NOT NULL PRIMARY KEY,
	value	TEXT
)`

// table "obj" stores object records.
const objDDL = `CREATE TABLE IF NOT EXISTS obj (
	ident	TEXT NOT NULL PRIMARY KEY,	-- canonical identity text
	class	TEXT NOT NULL,
	version	INTEGER NOT NULL,
	data	BLOB NOT NULL			-- msgpack {} field -> value
)`

const objClassIdx = `CREATE INDEX IF NOT EXISTS obj_class ON obj(class)`

// Backend is an opm backend backed by an SQLite database.
type Backend struct {
	url  string
	pool *readPool // read connections

	wmu   sync.Mutex
	wconn *sqlite3.Conn // the connection all writes go through
	inTx  bool          // datastore transaction open on wconn

	batchErr error // deferred error of the current batch
}

var _ opm.Backend = (*Backend)(nil)
var _ opm.Finder = (*Backend)(nil)
var _ opm.OidAllocator = (*Backend)(nil)
var _ opm.TxBackend = (*Backend)(nil)

func (b *Backend) URL() string { return b.url }

// readConn hands out a connection appropriate for a read.
//
// During a datastore transaction reads must go through the write connection:
// only it sees the uncommitted rows.
func (b *Backend) readConn() (conn *sqlite3.Conn, put func(), err error) {
	b.wmu.Lock()
	if b.inTx {
		return b.wconn, func() { b.wmu.Unlock() }, nil
	}
	b.wmu.Unlock()

	return b.pool.get()
}

// ---- writes ----

func (b *Backend) Insert(ctx context.Context, rec *opm.Rec) (err error) {
	defer xerr.Contextf(&err, "sqlite: %s: insert %s", b.url, rec.Ident)

	data, err := msgpack.Encode(rec.Fields)
	if err != nil {
		return err
	}

	b.wmu.Lock()
	defer b.wmu.Unlock()

	rec.Version = 1
	err = b.wconn.Exec(
		"INSERT INTO obj (ident, class, version, data) VALUES (?, ?, ?, ?)",
		rec.Ident.String(), rec.Class, int64(rec.Version), data)
	if err != nil {
		// a row already there means someone else created the object
		if have, ok := b.curVersion(b.wconn, rec.Ident); ok {
			return &opm.ConflictError{Ident: rec.Ident, Have: have, Want: 0}
		}
		return err
	}
	return nil
}

func (b *Backend) Update(ctx context.Context, rec *opm.Rec, fields []string) (err error) {
	defer xerr.Contextf(&err, "sqlite: %s: update %s", b.url, rec.Ident)

	b.wmu.Lock()
	defer b.wmu.Unlock()

	// merge changed fields into the stored blob
	var data []byte
	err = b.wconn.OneValue("SELECT data FROM obj WHERE ident = ? AND version = ?",
		&data, rec.Ident.String(), int64(rec.Version))
	if err == io.EOF {
		if have, ok := b.curVersion(b.wconn, rec.Ident); ok {
			return &opm.ConflictError{Ident: rec.Ident, Have: have, Want: rec.Version}
		}
		return &opm.NoObjectError{Ident: rec.Ident}
	}
	if err != nil {
		return err
	}

	stored := map[string]interface{}{}
	err = msgpack.Decode(data, &stored)
	if err != nil {
		return err
	}
	for _, name := range fields {
		stored[name] = rec.Fields[name]
	}
	data, err = msgpack.Encode(stored)
	if err != nil {
		return err
	}

	next := rec.Version + 1
	err = b.wconn.Exec(
		"UPDATE obj SET version = ?, data = ? WHERE ident = ? AND version = ?",
		int64(next), data, rec.Ident.String(), int64(rec.Version))
	if err != nil {
		return err
	}
	if b.wconn.Changes() == 0 {
		if have, ok := b.curVersion(b.wconn, rec.Ident); ok {
			return &opm.ConflictError{Ident: rec.Ident, Have: have, Want: rec.Version}
		}
		return &opm.NoObjectError{Ident: rec.Ident}
	}
	rec.Version = next
	return nil
}

func (b *Backend) Delete(ctx context.Context, ident opm.Ident, version uint64) (err error) {
	defer xerr.Contextf(&err, "sqlite: %s: delete %s", b.url, ident)

	b.wmu.Lock()
	defer b.wmu.Unlock()

	err = b.wconn.Exec("DELETE FROM obj WHERE ident = ? AND version = ?",
		ident.String(), int64(version))
	if err != nil {
		return err
	}
	if b.wconn.Changes() == 0 {
		if have, ok := b.curVersion(b.wconn, ident); ok {
			return &opm.ConflictError{Ident: ident, Have: have, Want: version}
		}
		return &opm.NoObjectError{Ident: ident}
	}
	return nil
}

// curVersion returns the stored version of ident, if the row exists.
//
// must be called with b.wmu held when conn is b.wconn.
func (b *Backend) curVersion(conn *sqlite3.Conn, ident opm.Ident) (uint64, bool) {
	var v int64
	err := conn.OneValue("SELECT version FROM obj WHERE ident = ?", &v, ident.String())
	if err != nil {
		return 0, false
	}
	return uint64(v), true
}

// ---- reads ----

func (b *Backend) Fetch(ctx context.Context, ident opm.Ident, fields []string) (_ *opm.Rec, err error) {
	defer xerr.Contextf(&err, "sqlite: %s: fetch %s", b.url, ident)

	rec, err := b.fetch(ident)
	if err != nil {
		return nil, err
	}
	if fields != nil {
		filtered := make(map[string]interface{}, len(fields))
		for _, name := range fields {
			if v, ok := rec.Fields[name]; ok {
				filtered[name] = v
			}
		}
		rec.Fields = filtered
	}
	return rec, nil
}

// Find implements opm.Finder.
func (b *Backend) Find(ctx context.Context, ident opm.Ident) (_ *opm.Rec, err error) {
	defer xerr.Contextf(&err, "sqlite: %s: find %s", b.url, ident)
	return b.fetch(ident)
}

func (b *Backend) fetch(ident opm.Ident) (*opm.Rec, error) {
	conn, put, err := b.readConn()
	if err != nil {
		return nil, err
	}
	defer put()

	rec := &opm.Rec{Ident: ident, Fields: map[string]interface{}{}}
	var version int64
	var data []byte
	found := false
	err = conn.Select("SELECT class, version, data FROM obj WHERE ident = ?",
		func(s *sqlite3.Stmt) error {
			found = true
			return s.Scan(&rec.Class, &version, &data)
		}, ident.String())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &opm.NoObjectError{Ident: ident}
	}

	rec.Version = uint64(version)
	err = msgpack.Decode(data, &rec.Fields)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *Backend) Locate(ctx context.Context, ident opm.Ident) (_ opm.LocateResult, err error) {
	defer xerr.Contextf(&err, "sqlite: %s: locate %s", b.url, ident)

	conn, put, err := b.readConn()
	if err != nil {
		return opm.LocateMissing, err
	}
	defer put()

	return locate1(conn, ident)
}

func (b *Backend) LocateMany(ctx context.Context, identv []opm.Ident) (_ []opm.LocateResult, err error) {
	defer xerr.Contextf(&err, "sqlite: %s: locate", b.url)

	conn, put, err := b.readConn()
	if err != nil {
		return nil, err
	}
	defer put()

	resv := make([]opm.LocateResult, len(identv))
	for i, ident := range identv {
		resv[i], err = locate1(conn, ident)
		if err != nil {
			return nil, err
		}
	}
	return resv, nil
}

func locate1(conn *sqlite3.Conn, ident opm.Ident) (opm.LocateResult, error) {
	var one int64
	err := conn.OneValue("SELECT 1 FROM obj WHERE ident = ?", &one, ident.String())
	if err == io.EOF {
		return opm.LocateMissing, nil
	}
	if err != nil {
		return opm.LocateMissing, err
	}
	return opm.LocateFound, nil
}

// ---- opm.OidAllocator ----

func (b *Backend) AllocateOid(ctx context.Context) (_ opm.Oid, err error) {
	defer xerr.Contextf(&err, "sqlite: %s: allocate oid", b.url)

	b.wmu.Lock()
	defer b.wmu.Unlock()

	err = b.wconn.Exec("UPDATE meta SET value = CAST(value AS INTEGER) + 1 WHERE name = 'next_oid'")
	if err != nil {
		return opm.InvalidOid, err
	}
	// meta.value is TEXT - cast back or the scan sees text affinity
	var oid int64
	err = b.wconn.OneValue("SELECT CAST(value AS INTEGER) FROM meta WHERE name = 'next_oid'", &oid)
	if err != nil {
		return opm.InvalidOid, err
	}
	return opm.Oid(oid), nil
}

// ---- batches ----

// BatchBegin opens a savepoint so a batch applies atomically even outside a
// datastore transaction. Errors are deferred to BatchEnd.
func (b *Backend) BatchBegin(op opm.BatchOp) {
	if op == opm.BatchLocate {
		return // read-only
	}
	b.wmu.Lock()
	b.batchErr = b.wconn.Exec("SAVEPOINT opm_batch")
	b.wmu.Unlock()
}

func (b *Backend) BatchEnd(op opm.BatchOp) error {
	if op == opm.BatchLocate {
		return nil
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()

	err := b.batchErr
	b.batchErr = nil
	if err != nil {
		_ = b.wconn.Exec("ROLLBACK TO opm_batch")
		return err
	}
	return b.wconn.Exec("RELEASE opm_batch")
}

// ---- opm.TxBackend ----

func (b *Backend) BeginTx(ctx context.Context) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	err := b.wconn.Begin()
	if err != nil {
		return err
	}
	b.inTx = true
	return nil
}

func (b *Backend) CommitTx(ctx context.Context) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	b.inTx = false
	return b.wconn.Commit()
}

func (b *Backend) AbortTx(ctx context.Context) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	b.inTx = false
	return b.wconn.Rollback()
}

func (b *Backend) Close() error {
	var errv xerr.Errorv
	errv.Appendif(b.pool.close())

	b.wmu.Lock()
	errv.Appendif(b.wconn.Close())
	b.wmu.Unlock()

	return errv.Err()
}

// ---- open by URL ----

func openConn(path string) (*sqlite3.Conn, error) {
	conn, err := sqlite3.Open(path,
		sqlite3.OpenReadWrite, sqlite3.OpenCreate, sqlite3.OpenFullMutex)
	if err != nil {
		return nil, err
	}
	err = conn.BusyTimeout(5 * time.Second)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func openURL(ctx context.Context, u *url.URL) (_ opm.Backend, err error) {
	path := u.Host + u.Path
	defer xerr.Contextf(&err, "sqlite: open %s", path)

	wconn, err := openConn(path)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		url:   u.String(),
		wconn: wconn,
		pool:  newReadPool(func() (*sqlite3.Conn, error) { return openConn(path) }),
	}

	err = b.initSchema()
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) initSchema() error {
	for _, ddl := range []string{metaDDL, objDDL, objClassIdx} {
		if err := b.wconn.Exec(ddl); err != nil {
			return err
		}
	}

	var v int64
	err := b.wconn.OneValue("SELECT CAST(value AS INTEGER) FROM meta WHERE name = 'version'", &v)
	switch {
	case err == io.EOF:
		// fresh database
		err = b.wconn.Exec("INSERT INTO meta (name, value) VALUES ('version', ?), ('next_oid', '0')",
			fmt.Sprintf("%d", schemaVersion))
		if err != nil {
			return err
		}
	case err != nil:
		return err
	case v != schemaVersion:
		return fmt.Errorf("schema version mismatch: have %d; want %d", v, schemaVersion)
	}
	return nil
}

func init() {
	opm.RegisterBackend("sqlite", openURL)
}
