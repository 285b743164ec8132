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

// Package opm provides transparent object persistence for Go.
//
// A Session manages in-RAM representatives of datastore objects. Within one
// session there is at most one in-RAM object per persistent identity, no
// matter how that object is reached - by identity lookup, by reference
// traversal, or by query in an upper layer. Sessions track which objects
// were changed, flush the changes to a Backend in order, and cooperate with
// package transaction for commit/abort.
//
// Objects are cached on two levels: a session-private level-1 cache holding
// live objects, and an optional process-wide L2Cache holding encoded
// snapshots of committed state shared by all sessions (see L2Cache).
//
// Application types participate by embedding Persistent and registering
// with RegisterClass. See Session for the main entry point.
package opm

// identity layer.

import (
	"fmt"

	"github.com/google/uuid"
)

// IdKind tells how identity of a persistent object is formed.
type IdKind byte

const (
	// DatastoreId is surrogate identity assigned by the backend.
	DatastoreId IdKind = 'd'

	// ApplicationId is identity derived from primary-key field(s) of the object.
	ApplicationId IdKind = 'a'

	// NonDurableId is synthetic identity of objects that live only inside
	// a session - e.g. embedded or view-like objects. Such objects cannot
	// be located in the datastore.
	NonDurableId IdKind = 's'
)

// Valid reports whether k is a well-known identity kind.
func (k IdKind) Valid() bool {
	switch k {
	case DatastoreId, ApplicationId, NonDurableId:
		return true
	default:
		return false
	}
}

func (k IdKind) String() string {
	switch k {
	case DatastoreId:
		return "datastore"
	case ApplicationId:
		return "application"
	case NonDurableId:
		return "nondurable"
	default:
		return fmt.Sprintf("invalid(%c)", byte(k))
	}
}

// Oid is object identifier assigned by a backend.
type Oid uint64

const InvalidOid Oid = 0

func (oid Oid) Valid() bool { return oid != InvalidOid }

// Ident is identity of a persistent object.
//
// It is a pure value: comparable, hashable and usable as map key. Key holds
// the canonical text of the identity value - hex oid for DatastoreId,
// composite primary key for ApplicationId, a nonce for NonDurableId.
type Ident struct {
	Class string
	Kind  IdKind
	Key   string
}

// Valid reports whether ident names some object.
func (ident Ident) Valid() bool {
	return ident.Class != "" && ident.Kind.Valid() && ident.Key != ""
}

// Durable reports whether ident can be resolved in the datastore.
func (ident Ident) Durable() bool {
	return ident.Kind != NonDurableId
}

// NewOidIdent makes datastore-assigned identity for class out of oid.
func NewOidIdent(class string, oid Oid) Ident {
	return Ident{Class: class, Kind: DatastoreId, Key: oid.String()}
}

// NewAppIdent makes application-assigned identity for class out of
// primary-key values. Multiple values form a composite key.
func NewAppIdent(class string, keyv ...interface{}) Ident {
	key := ""
	for i, k := range keyv {
		if i > 0 {
			key += "\x00"
		}
		key += fmt.Sprintf("%v", k)
	}
	return Ident{Class: class, Kind: ApplicationId, Key: key}
}

// NewNonDurableIdent makes fresh synthetic identity for class.
//
// Each call returns a new identity.
func NewNonDurableIdent(class string) Ident {
	return Ident{Class: class, Kind: NonDurableId, Key: uuid.New().String()}
}

// Oid returns the oid of a datastore-assigned identity.
//
// It panics if ident.Kind != DatastoreId.
func (ident Ident) Oid() Oid {
	if ident.Kind != DatastoreId {
		panic("opm: Oid of non-datastore identity")
	}
	oid, err := ParseOid(ident.Key)
	if err != nil {
		panic(err)
	}
	return oid
}
