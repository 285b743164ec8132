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

package opm
// backend interface: the contract between a session and a datastore-specific
// persistence handler. Backends translate logical record operations into
// datastore I/O; they do not know about sessions, caches or transactions
// beyond the optional TxBackend hooks.

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Rec is one object record as exchanged with a backend.
//
// Field values use the snapshot representation (see Snapshot): relations are
// identity text, everything else is plain values.
type Rec struct {
	Ident   Ident
	Class   string
	Version uint64 // version the operation is based on; updated by the backend on write
	Fields  map[string]interface{}
}

// LocateResult is the outcome of an existence probe.
//
// Absence is an expected result, not an error: reachability and validation
// logic branch on it without error unwrapping.
type LocateResult int

const (
	LocateMissing LocateResult = iota
	LocateFound
)

func (r LocateResult) String() string {
	if r == LocateFound {
		return "found"
	}
	return "missing"
}

// BatchOp identifies a batch of same-kind operations to a backend.
type BatchOp int

const (
	BatchPersist BatchOp = iota
	BatchDelete
	BatchLocate
)

func (op BatchOp) String() string {
	switch op {
	case BatchPersist:
		return "persist"
	case BatchDelete:
		return "delete"
	case BatchLocate:
		return "locate"
	default:
		return fmt.Sprintf("invalid-batch-op(%d)", int(op))
	}
}

// Backend is the interface every persistence handler provides.
//
// Insert/Update/Delete/Fetch operate on single records. Update and Delete
// must verify Rec.Version/current version and return *ConflictError on
// mismatch; the flush machinery aggregates those instead of failing fast.
//
// BatchBegin/BatchEnd bracket groups of same-kind operations so a handler
// can prepare statements or buffer writes; BatchEnd reports errors the
// handler deferred.
type Backend interface {
	// URL returns the url this backend was opened with.
	URL() string

	Insert(ctx context.Context, rec *Rec) error
	Update(ctx context.Context, rec *Rec, fields []string) error
	Delete(ctx context.Context, ident Ident, version uint64) error

	// Fetch returns current record data for ident.
	// fields=nil means all fields. Not-found is returned as *NoObjectError.
	Fetch(ctx context.Context, ident Ident, fields []string) (*Rec, error)

	Locate(ctx context.Context, ident Ident) (LocateResult, error)
	LocateMany(ctx context.Context, identv []Ident) ([]LocateResult, error)

	BatchBegin(op BatchOp)
	BatchEnd(op BatchOp) error

	Close() error
}

// Finder is the interface of backends that can directly materialize an
// object by identity, without the session driving per-field fetches.
//
// It is optional: sessions upgrade to it with a type assertion.
type Finder interface {
	Find(ctx context.Context, ident Ident) (*Rec, error)
}

// OidAllocator is the interface of backends that assign datastore identity.
type OidAllocator interface {
	AllocateOid(ctx context.Context) (Oid, error)
}

// TxBackend is the interface of backends with datastore transactions.
//
// Sessions call BeginTx when the first write of a transaction is flushed,
// and CommitTx/AbortTx at transaction end. Backends without TxBackend get
// every flushed write applied immediately.
type TxBackend interface {
	BeginTx(ctx context.Context) error
	CommitTx(ctx context.Context) error
	AbortTx(ctx context.Context) error
}

// ---- open by URL ----

// BackendOpener is a function to open a backend.
type BackendOpener func(ctx context.Context, u *url.URL) (Backend, error)

// {} scheme -> BackendOpener
var backendRegistry = map[string]BackendOpener{}

// RegisterBackend registers opener to be used for URLs with scheme.
func RegisterBackend(scheme string, opener BackendOpener) {
	if _, already := backendRegistry[scheme]; already {
		panic(fmt.Errorf("opm: backend URL scheme %q was already registered", scheme))
	}

	backendRegistry[scheme] = opener
}

// OpenBackend opens a backend by URL.
//
// Only URL schemes registered to the opm package are handled. Users should
// import the backend packages they use to get support for particular
// schemes.
func OpenBackend(ctx context.Context, backendURL string) (Backend, error) {
	// no scheme -> mem://
	if !strings.Contains(backendURL, "://") {
		backendURL = "mem://" + backendURL
	}

	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}

	opener, ok := backendRegistry[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("opm: backend URL scheme \"%s://\" not supported", u.Scheme)
	}

	return opener(ctx, u)
}
