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

// Package memstore provides in-RAM opm backend.
//
// It is aimed at tests and prototyping: records live in process memory with
// full optimistic version checking, and the backend counts datastore accesses
// so cache behaviour can be asserted on.
//
// URL scheme: mem://<name>. Backends opened under the same non-empty name
// share one store, which is how several sessions are pointed at common data;
// mem:// with empty name opens a private store.
package memstore

import (
	"context"
	"net/url"
	"sync"

	"lab.nexedi.com/kirr/opm/go/opm"
)

// storedRec is one record in the store.
type storedRec struct {
	class   string
	version uint64
	fields  map[string]interface{}
}

// Backend is an in-RAM opm backend.
//
// It is safe for concurrent use.
type Backend struct {
	url string

	mu      sync.RWMutex
	tab     map[opm.Ident]*storedRec
	nextOid opm.Oid

	// transaction staging; nil when no transaction is open
	txTab map[opm.Ident]*storedRec

	stats Stats
}

// Stats counts datastore accesses.
type Stats struct {
	Inserts int64
	Updates int64
	Deletes int64
	Fetches int64
	Finds   int64
	Locates int64
}

var _ opm.Backend = (*Backend)(nil)
var _ opm.Finder = (*Backend)(nil)
var _ opm.OidAllocator = (*Backend)(nil)
var _ opm.TxBackend = (*Backend)(nil)

// New creates an empty in-RAM backend.
func New() *Backend {
	return &Backend{
		url: "mem://",
		tab: make(map[opm.Ident]*storedRec),
	}
}

// Stats returns a copy of current access counters.
func (b *Backend) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// Len returns the number of stored records.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tab)
}

func (b *Backend) URL() string { return b.url }

// target returns the table writes should go to: the transaction staging
// overlay if a transaction is open, the main table otherwise.
//
// must be called with b.mu held.
func (b *Backend) target() map[opm.Ident]*storedRec {
	if b.txTab != nil {
		return b.txTab
	}
	return b.tab
}

// lookup resolves ident through the staging overlay.
//
// must be called with b.mu held (read or write).
func (b *Backend) lookup(ident opm.Ident) (*storedRec, bool) {
	if b.txTab != nil {
		if rec, staged := b.txTab[ident]; staged {
			return rec, rec != nil // nil marks staged deletion
		}
	}
	rec, ok := b.tab[ident]
	return rec, ok
}

func (b *Backend) Insert(ctx context.Context, rec *opm.Rec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Inserts++

	if old, ok := b.lookup(rec.Ident); ok {
		return &opm.ConflictError{Ident: rec.Ident, Have: old.version, Want: 0}
	}

	rec.Version = 1
	b.target()[rec.Ident] = &storedRec{
		class:   rec.Class,
		version: rec.Version,
		fields:  copyFields(rec.Fields),
	}
	return nil
}

func (b *Backend) Update(ctx context.Context, rec *opm.Rec, fields []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Updates++

	old, ok := b.lookup(rec.Ident)
	if !ok {
		return &opm.NoObjectError{Ident: rec.Ident}
	}
	if old.version != rec.Version {
		return &opm.ConflictError{Ident: rec.Ident, Have: old.version, Want: rec.Version}
	}

	merged := &storedRec{
		class:   old.class,
		version: old.version + 1,
		fields:  copyFields(old.fields),
	}
	for _, name := range fields {
		merged.fields[name] = copyValue(rec.Fields[name])
	}
	b.target()[rec.Ident] = merged
	rec.Version = merged.version
	return nil
}

func (b *Backend) Delete(ctx context.Context, ident opm.Ident, version uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Deletes++

	old, ok := b.lookup(ident)
	if !ok {
		return &opm.NoObjectError{Ident: ident}
	}
	if old.version != version {
		return &opm.ConflictError{Ident: ident, Have: old.version, Want: version}
	}

	if b.txTab != nil {
		b.txTab[ident] = nil // staged deletion
	} else {
		delete(b.tab, ident)
	}
	return nil
}

func (b *Backend) Fetch(ctx context.Context, ident opm.Ident, fields []string) (*opm.Rec, error) {
	b.mu.Lock()
	b.stats.Fetches++
	rec, ok := b.lookup(ident)
	b.mu.Unlock()

	if !ok {
		return nil, &opm.NoObjectError{Ident: ident}
	}
	return recOut(ident, rec, fields), nil
}

// Find implements opm.Finder: it materializes the whole record in one access.
func (b *Backend) Find(ctx context.Context, ident opm.Ident) (*opm.Rec, error) {
	b.mu.Lock()
	b.stats.Finds++
	rec, ok := b.lookup(ident)
	b.mu.Unlock()

	if !ok {
		return nil, &opm.NoObjectError{Ident: ident}
	}
	return recOut(ident, rec, nil), nil
}

func (b *Backend) Locate(ctx context.Context, ident opm.Ident) (opm.LocateResult, error) {
	b.mu.Lock()
	b.stats.Locates++
	_, ok := b.lookup(ident)
	b.mu.Unlock()

	if !ok {
		return opm.LocateMissing, nil
	}
	return opm.LocateFound, nil
}

func (b *Backend) LocateMany(ctx context.Context, identv []opm.Ident) ([]opm.LocateResult, error) {
	b.mu.Lock()
	b.stats.Locates++
	resv := make([]opm.LocateResult, len(identv))
	for i, ident := range identv {
		if _, ok := b.lookup(ident); ok {
			resv[i] = opm.LocateFound
		}
	}
	b.mu.Unlock()
	return resv, nil
}

func (b *Backend) AllocateOid(ctx context.Context) (opm.Oid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextOid++
	return b.nextOid, nil
}

// batches need no preparation in RAM
func (b *Backend) BatchBegin(op opm.BatchOp)     {}
func (b *Backend) BatchEnd(op opm.BatchOp) error { return nil }

// ---- opm.TxBackend ----

func (b *Backend) BeginTx(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.txTab != nil {
		return &opm.UserError{Op: "begin", Reason: "transaction is already open"}
	}
	b.txTab = make(map[opm.Ident]*storedRec)
	return nil
}

func (b *Backend) CommitTx(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.txTab == nil {
		return &opm.UserError{Op: "commit", Reason: "no transaction is open"}
	}
	for ident, rec := range b.txTab {
		if rec == nil {
			delete(b.tab, ident)
		} else {
			b.tab[ident] = rec
		}
	}
	b.txTab = nil
	return nil
}

func (b *Backend) AbortTx(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txTab = nil
	return nil
}

func (b *Backend) Close() error { return nil }

// ---- value copying ----

// recOut builds an outgoing record, copying values so that callers cannot
// alias the store.
func recOut(ident opm.Ident, rec *storedRec, fields []string) *opm.Rec {
	out := &opm.Rec{
		Ident:   ident,
		Class:   rec.class,
		Version: rec.version,
		Fields:  make(map[string]interface{}),
	}
	if fields == nil {
		for name, v := range rec.fields {
			out.Fields[name] = copyValue(v)
		}
	} else {
		for _, name := range fields {
			if v, ok := rec.fields[name]; ok {
				out.Fields[name] = copyValue(v)
			}
		}
	}
	return out
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for name, v := range fields {
		out[name] = copyValue(v)
	}
	return out
}

// copyValue deep-copies the containers the snapshot representation uses.
func copyValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = copyValue(e)
		}
		return out
	case []byte:
		out := make([]byte, len(x))
		copy(out, x)
		return out
	default:
		return v
	}
}

// ---- open by URL ----

var (
	namedMu  sync.Mutex
	namedTab = make(map[string]*Backend) // name -> shared store
)

func openURL(ctx context.Context, u *url.URL) (opm.Backend, error) {
	name := u.Host
	if name == "" {
		return New(), nil
	}

	namedMu.Lock()
	defer namedMu.Unlock()

	b, ok := namedTab[name]
	if !ok {
		b = New()
		b.url = "mem://" + name
		namedTab[name] = b
	}
	return b, nil
}

func init() {
	opm.RegisterBackend("mem", openURL)
}
