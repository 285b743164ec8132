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

import "testing"

func TestLifecycle(t *testing.T) {
	ok := func(s ObjectState, ev lifecycleEvent, want ObjectState) {
		t.Helper()
		next, allowed := nextState(s, ev)
		if !allowed {
			t.Errorf("%s + %s: rejected;  want -> %s", s, ev, want)
			return
		}
		if next != want {
			t.Errorf("%s + %s -> %s;  want %s", s, ev, next, want)
		}
	}
	no := func(s ObjectState, ev lifecycleEvent) {
		t.Helper()
		next, allowed := nextState(s, ev)
		if allowed {
			t.Errorf("%s + %s -> %s;  want rejection", s, ev, next)
		}
	}

	// the makePersistent / delete / write core
	ok(Transient, evPersist, PersistentNew)
	ok(TransientTx, evPersist, PersistentNew)
	ok(PersistentNew, evPersist, PersistentNew) // idempotent
	ok(PersistentNew, evDelete, PersistentNewDel)
	ok(PersistentClean, evDelete, PersistentDel)
	ok(PersistentClean, evWrite, PersistentDirty)
	ok(PersistentNontx, evWrite, PersistentDirty)
	ok(Hollow, evWrite, PersistentDirty)
	no(PersistentDel, evWrite)
	no(Detached, evWrite)
	no(Detached, evPersist)

	// loading and tx association
	ok(Hollow, evLoad, PersistentClean)
	ok(PersistentNontx, evMakeTx, PersistentClean)
	ok(PersistentClean, evMakeNontx, PersistentNontx)
	ok(Transient, evMakeTx, TransientTx)
	ok(TransientTx, evMakeNontx, Transient)

	// transaction boundaries
	ok(PersistentNew, evCommit, Hollow)
	ok(PersistentDirty, evCommit, Hollow)
	ok(PersistentDel, evCommit, Transient)
	ok(PersistentNewDel, evCommit, Transient)
	ok(PersistentNew, evRollback, Transient)
	ok(PersistentDirty, evRollback, Hollow)
	ok(PersistentDel, evRollback, Hollow)
	ok(PersistentNontx, evCommit, PersistentNontx) // not participating

	// eviction and detach
	ok(PersistentClean, evEvict, Hollow)
	no(PersistentDirty, evEvict)
	no(PersistentNew, evEvict)
	ok(PersistentClean, evDetach, Detached)
	ok(Hollow, evDetach, Detached)
	no(PersistentDirty, evDetach)

	// predicates
	if !PersistentNewDel.IsDeleted() || !PersistentDel.IsDeleted() {
		t.Error("deleted states not reported as deleted")
	}
	if PersistentNontx.IsTransactional() {
		t.Error("PersistentNontx reported as transactional")
	}
	if !PersistentNew.IsDirty() || PersistentClean.IsDirty() {
		t.Error("IsDirty wrong")
	}
	if Transient.IsPersistent() || Detached.IsPersistent() {
		t.Error("IsPersistent wrong")
	}
	if !Hollow.evictable() || PersistentDel.evictable() {
		t.Error("evictable wrong")
	}
}
