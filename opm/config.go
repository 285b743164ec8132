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
// session configuration properties.
//
// The set of recognized property names is fixed and enumerated below.
// Setting an unknown property, or a known property to a value of the wrong
// type, is rejected with *UserError - values are never silently coerced.

// Recognized session property names.
const (
	PropMultithreaded    = "opm.multithreaded"          // bool: guard bulk ops with a lock
	PropOptimistic       = "opm.optimistic"             // bool: optimistic vs datastore locking
	PropDelayedWrite     = "opm.delayed-write"          // bool: buffer writes until flush/commit
	PropNontxAtomicWrite = "opm.nontx-atomic-write"     // bool: auto-commit writes outside transactions
	PropFlushAutoLimit   = "opm.flush-auto-limit"       // int:  dirty-object count triggering auto flush
	PropReachability     = "opm.reachability-at-commit" // bool: cascade-delete unreachable new objects
	PropRepersistDeleted = "opm.repersist-deleted"      // bool: allow persist of deleted objects
	PropDetachOnCommit   = "opm.detach-on-commit"       // bool
	PropDetachOnClose    = "opm.detach-on-close"        // bool
	PropDetachOnRollback = "opm.detach-on-rollback"     // bool
	PropSerializeRead    = "opm.serialize-read"         // bool: load copies, never backend-shared values
	PropL1SizeMax        = "opm.l1.size-max"            // int:  level-1 cache entry bound; 0 - unbounded
	PropL2StoreMode      = "opm.l2.store-mode"          // string: "use" | "bypass"
	PropL2RetrieveMode   = "opm.l2.retrieve-mode"       // string: "use" | "bypass"
	PropL2BatchSize      = "opm.l2.batch-size"          // int:  max entries per bulk-put call
	PropSnapshotCodec    = "opm.snapshot.codec"         // string: codec for serialize-read copies: "msgpack" | "pickle"
)

// options is the decoded form of session properties.
type options struct {
	multithreaded    bool
	optimistic       bool
	delayedWrite     bool
	nontxAtomicWrite bool
	flushAutoLimit   int
	reachability     bool
	repersistDeleted bool
	detachOnCommit   bool
	detachOnClose    bool
	detachOnRollback bool
	serializeRead    bool
	l1SizeMax        int
	l2StoreMode      string
	l2RetrieveMode   string
	l2BatchSize      int
	snapshotCodec    string
}

func defaultOptions() *options {
	return &options{
		optimistic:     true,
		delayedWrite:   true,
		flushAutoLimit: 1000,
		l1SizeMax:      0, // unbounded unless configured
		l2StoreMode:    "use",
		l2RetrieveMode: "use",
		l2BatchSize:    100,
		snapshotCodec:  "msgpack",
	}
}

// set updates one property.
func (o *options) set(name string, value interface{}) error {
	setBool := func(dst *bool) error {
		b, ok := value.(bool)
		if !ok {
			return userErrorf("set property", "%s: want bool; got %T", name, value)
		}
		*dst = b
		return nil
	}
	setInt := func(dst *int) error {
		i, ok := value.(int)
		if !ok {
			return userErrorf("set property", "%s: want int; got %T", name, value)
		}
		if i < 0 {
			return userErrorf("set property", "%s: must be >= 0; got %d", name, i)
		}
		*dst = i
		return nil
	}
	setMode := func(dst *string) error {
		s, ok := value.(string)
		if !ok {
			return userErrorf("set property", "%s: want string; got %T", name, value)
		}
		if s != "use" && s != "bypass" {
			return userErrorf("set property", "%s: want \"use\" or \"bypass\"; got %q", name, s)
		}
		*dst = s
		return nil
	}

	switch name {
	case PropMultithreaded:
		return setBool(&o.multithreaded)
	case PropOptimistic:
		return setBool(&o.optimistic)
	case PropDelayedWrite:
		return setBool(&o.delayedWrite)
	case PropNontxAtomicWrite:
		return setBool(&o.nontxAtomicWrite)
	case PropFlushAutoLimit:
		return setInt(&o.flushAutoLimit)
	case PropReachability:
		return setBool(&o.reachability)
	case PropRepersistDeleted:
		return setBool(&o.repersistDeleted)
	case PropDetachOnCommit:
		return setBool(&o.detachOnCommit)
	case PropDetachOnClose:
		return setBool(&o.detachOnClose)
	case PropDetachOnRollback:
		return setBool(&o.detachOnRollback)
	case PropSerializeRead:
		return setBool(&o.serializeRead)
	case PropL1SizeMax:
		return setInt(&o.l1SizeMax)
	case PropL2StoreMode:
		return setMode(&o.l2StoreMode)
	case PropL2RetrieveMode:
		return setMode(&o.l2RetrieveMode)
	case PropL2BatchSize:
		return setInt(&o.l2BatchSize)
	case PropSnapshotCodec:
		s, ok := value.(string)
		if !ok {
			return userErrorf("set property", "%s: want string; got %T", name, value)
		}
		_, err := codecByName(s)
		if err != nil {
			return userErrorf("set property", "%s: %s", name, err)
		}
		o.snapshotCodec = s
		return nil
	}

	return userErrorf("set property", "unknown property %q", name)
}

// get returns current value of one property.
func (o *options) get(name string) (interface{}, error) {
	switch name {
	case PropMultithreaded:
		return o.multithreaded, nil
	case PropOptimistic:
		return o.optimistic, nil
	case PropDelayedWrite:
		return o.delayedWrite, nil
	case PropNontxAtomicWrite:
		return o.nontxAtomicWrite, nil
	case PropFlushAutoLimit:
		return o.flushAutoLimit, nil
	case PropReachability:
		return o.reachability, nil
	case PropRepersistDeleted:
		return o.repersistDeleted, nil
	case PropDetachOnCommit:
		return o.detachOnCommit, nil
	case PropDetachOnClose:
		return o.detachOnClose, nil
	case PropDetachOnRollback:
		return o.detachOnRollback, nil
	case PropSerializeRead:
		return o.serializeRead, nil
	case PropL1SizeMax:
		return o.l1SizeMax, nil
	case PropL2StoreMode:
		return o.l2StoreMode, nil
	case PropL2RetrieveMode:
		return o.l2RetrieveMode, nil
	case PropL2BatchSize:
		return o.l2BatchSize, nil
	case PropSnapshotCodec:
		return o.snapshotCodec, nil
	}

	return nil, userErrorf("get property", "unknown property %q", name)
}
