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
// object lifecycle states and transitions

import "fmt"

// ObjectState describes lifecycle state of an in-RAM persistent object.
type ObjectState int

const (
	Transient       ObjectState = iota // plain in-RAM object; not managed
	TransientTx                        // transient, but enrolled in the transaction for rollback
	Hollow                             // identity known, no fields loaded yet
	PersistentNew                      // made persistent in current transaction, not yet in datastore
	PersistentClean                    // in-RAM data same as in datastore
	PersistentDirty                    // in-RAM data changed and not yet flushed
	PersistentNontx                    // loaded, but not participating in a transaction
	PersistentDel                      // deletion requested in current transaction
	PersistentNewDel                   // made persistent and deleted in the same transaction
	Detached                           // disconnected copy usable outside the session
)

var stateNames = [...]string{
	Transient:        "transient",
	TransientTx:      "transient-transactional",
	Hollow:           "hollow",
	PersistentNew:    "persistent-new",
	PersistentClean:  "persistent-clean",
	PersistentDirty:  "persistent-dirty",
	PersistentNontx:  "persistent-nontransactional",
	PersistentDel:    "persistent-deleted",
	PersistentNewDel: "persistent-new-deleted",
	Detached:         "detached",
}

func (s ObjectState) String() string {
	if 0 <= int(s) && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("invalid-state(%d)", int(s))
}

// IsPersistent reports whether the object in state s represents datastore data.
func (s ObjectState) IsPersistent() bool {
	switch s {
	case Hollow, PersistentNew, PersistentClean, PersistentDirty,
		PersistentNontx, PersistentDel, PersistentNewDel:
		return true
	}
	return false
}

// IsDeleted reports whether deletion of the object was requested.
func (s ObjectState) IsDeleted() bool {
	return s == PersistentDel || s == PersistentNewDel
}

// IsDirty reports whether the object has changes the datastore does not yet have.
func (s ObjectState) IsDirty() bool {
	switch s {
	case PersistentNew, PersistentDirty, PersistentDel, PersistentNewDel:
		return true
	}
	return false
}

// IsTransactional reports whether the object in state s participates in the
// current transaction.
func (s ObjectState) IsTransactional() bool {
	switch s {
	case TransientTx, PersistentNew, PersistentClean, PersistentDirty,
		PersistentDel, PersistentNewDel:
		return true
	}
	return false
}

// evictable reports whether level-1 cache may drop an object in state s.
//
// Only states whose data is fully reconstructible from the datastore are
// evictable; dirty/new/deleted objects are pinned until transaction end.
func (s ObjectState) evictable() bool {
	switch s {
	case Hollow, PersistentClean, PersistentNontx:
		return true
	}
	return false
}

// lifecycle events driving state transitions.
type lifecycleEvent int

const (
	evPersist   lifecycleEvent = iota // makePersistent
	evDelete                         // deletePersistent
	evWrite                          // field modified
	evMakeTx                         // makeTransactional
	evMakeNontx                      // makeNontransactional
	evEvict                          // evict from level-1 cache
	evRefresh                        // refresh from datastore
	evLoad                           // fields loaded
	evFlushed                        // changes written to datastore (not yet committed)
	evCommit                         // transaction committed
	evRollback                       // transaction rolled back
	evDetach                         // detach from session
)

var eventNames = [...]string{
	evPersist:   "persist",
	evDelete:    "delete",
	evWrite:     "write",
	evMakeTx:    "make-transactional",
	evMakeNontx: "make-nontransactional",
	evEvict:     "evict",
	evRefresh:   "refresh",
	evLoad:      "load",
	evFlushed:   "flushed",
	evCommit:    "commit",
	evRollback:  "rollback",
	evDetach:    "detach",
}

func (ev lifecycleEvent) String() string {
	if 0 <= int(ev) && int(ev) < len(eventNames) {
		return eventNames[ev]
	}
	return fmt.Sprintf("invalid-event(%d)", int(ev))
}

// nextState computes the state an object in state s moves to on event ev.
//
// ok=false means the transition is not allowed.
func nextState(s ObjectState, ev lifecycleEvent) (_ ObjectState, ok bool) {
	switch ev {
	case evPersist:
		switch s {
		case Transient, TransientTx:
			return PersistentNew, true
		case PersistentNew, PersistentClean, PersistentDirty, Hollow, PersistentNontx:
			return s, true // already persistent - persist is idempotent
		}
		// PersistentDel/PersistentNewDel handled by caller (policy-gated)

	case evDelete:
		switch s {
		case PersistentNew:
			// deleted while never flushed - never reaches the datastore
			return PersistentNewDel, true
		case PersistentClean, PersistentDirty, Hollow, PersistentNontx:
			return PersistentDel, true
		case PersistentDel, PersistentNewDel:
			return s, true
		}

	case evWrite:
		switch s {
		case Hollow, PersistentClean, PersistentNontx:
			return PersistentDirty, true
		case PersistentNew, PersistentDirty:
			return s, true
		case Transient, TransientTx:
			return s, true
		}

	case evMakeTx:
		switch s {
		case Transient:
			return TransientTx, true
		case PersistentNontx:
			return PersistentClean, true
		case TransientTx, PersistentNew, PersistentClean, PersistentDirty:
			return s, true
		}

	case evMakeNontx:
		switch s {
		case TransientTx:
			return Transient, true
		case PersistentClean:
			return PersistentNontx, true
		case Transient, PersistentNontx:
			return s, true
		}

	case evEvict:
		switch s {
		case PersistentClean, PersistentNontx, Hollow:
			return Hollow, true
		}

	case evRefresh:
		switch s {
		case PersistentClean, PersistentDirty, PersistentNontx, Hollow:
			return PersistentClean, true
		}

	case evLoad:
		switch s {
		case Hollow:
			return PersistentClean, true
		case PersistentNew, PersistentClean, PersistentDirty, PersistentNontx, PersistentDel:
			return s, true
		}

	case evFlushed:
		switch s {
		case PersistentNew, PersistentDirty:
			return s, true // stays dirty wrt commit; datastore write happened
		case PersistentDel, PersistentNewDel:
			return s, true
		}

	case evCommit:
		switch s {
		case PersistentNew, PersistentClean, PersistentDirty:
			return Hollow, true
		case PersistentDel, PersistentNewDel:
			return Transient, true
		case TransientTx:
			return TransientTx, true
		case PersistentNontx, Hollow:
			return s, true
		}

	case evRollback:
		switch s {
		case PersistentNew, PersistentNewDel:
			return Transient, true
		case PersistentClean, PersistentDirty, PersistentDel:
			return Hollow, true
		case TransientTx:
			return TransientTx, true
		case PersistentNontx, Hollow:
			return s, true
		}

	case evDetach:
		switch s {
		case PersistentClean, PersistentNontx, Hollow:
			return Detached, true
		case Detached:
			return s, true
		}
	}

	return s, false
}
