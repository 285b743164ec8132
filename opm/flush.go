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
// flush: writing changed objects to the backend.
//
// A session keeps two ordered sets of changed objects: .dirty for changes the
// user made directly, and .indirectDirty for changes that happened as a side
// effect - cascades, owner writeback, reachability nullification. An object
// dirtied indirectly that is later changed directly is promoted into .dirty
// and never held in both sets.
//
// Flush writes the whole change set in a fixed order - inserts, updates,
// deletes - each group bracketed by backend batch calls. Optimistic conflicts
// do not stop the flush: every conflicting object is recorded and the whole
// set of conflicts is returned at once as *ConflictErrorv, with the
// conflicting objects put back into the dirty set.
//
// Flushing can itself make objects dirty - reachability makes referenced
// transient objects persistent, backends can assign fields on insert. Flush
// therefore repeats until the dirty sets drain, but not more than
// flushRepeatMax times; a change set that keeps growing indicates a feedback
// loop in user callbacks and is reported as fatal instead of looping forever.

import (
	"context"
	"errors"
	"fmt"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/opm/go/internal/task"
	"lab.nexedi.com/kirr/opm/go/transaction"
)

// flushRepeatMax bounds how many times one flush is allowed to repeat to
// drain changes made while it was flushing.
const flushRepeatMax = 3

// opSet is an ordered set of objects pending a flush.
//
// Insertion order is preserved - it is the order changes reach the backend.
type opSet struct {
	index map[*Persistent]struct{}
	objv  []*Persistent
}

func newOpSet() *opSet {
	return &opSet{index: make(map[*Persistent]struct{})}
}

func (s *opSet) len() int { return len(s.index) }

func (s *opSet) has(obj *Persistent) bool {
	_, ok := s.index[obj]
	return ok
}

// add appends obj to the set unless it is already there.
func (s *opSet) add(obj *Persistent) {
	if s.has(obj) {
		return
	}
	s.index[obj] = struct{}{}
	s.objv = append(s.objv, obj)
}

// del removes obj from the set.
func (s *opSet) del(obj *Persistent) {
	delete(s.index, obj)
}

// take returns all members in insertion order and empties the set.
func (s *opSet) take() []*Persistent {
	var objv []*Persistent
	for _, obj := range s.objv {
		if s.has(obj) {
			objv = append(objv, obj)
		}
	}
	s.index = make(map[*Persistent]struct{})
	s.objv = nil
	return objv
}

// markDirty records a change to obj with the session.
//
// direct tells whether the user changed the object themselves, as opposed to
// a change induced by the framework. fields=nil means all loaded fields.
//
// Depending on session configuration recording a change may trigger a
// synchronous flush.
func (s *Session) markDirty(ctx context.Context, obj *Persistent, direct bool, fields ...string) error {
	if s.closed {
		return userErrorf("modify", "session is closed")
	}
	if obj.jar != s {
		return userErrorf("modify", "%s: object is not managed by this session", obj.ident)
	}

	if txn := transaction.Running(ctx); txn != nil {
		if err := s.joinTxn(txn); err != nil {
			return err
		}
		s.makeTx(obj)
	}

	if err := obj.transition("modify", evWrite); err != nil {
		return err
	}
	if err := obj.markFieldsDirty(fields); err != nil {
		return err
	}

	if direct {
		s.indirectDirty.del(obj)
		s.dirty.add(obj)
	} else if !s.dirty.has(obj) {
		s.indirectDirty.add(obj)
	}

	s.pinTx(obj)
	s.enlist(obj)

	return s.maybeAutoFlush(ctx)
}

// maybeAutoFlush runs a flush if the session configuration asks for one at
// this point.
func (s *Session) maybeAutoFlush(ctx context.Context) error {
	switch {
	case s.op.flushing:
		return nil // the running flush will pick the change up
	case !s.opt.delayedWrite:
		return s.flushInternal(ctx)
	case s.opt.nontxAtomicWrite && s.txn == nil:
		return s.flushInternal(ctx)
	case s.opt.flushAutoLimit > 0 && s.dirty.len()+s.indirectDirty.len() >= s.opt.flushAutoLimit:
		return s.flushInternal(ctx)
	}
	return nil
}

// Flush writes all pending changes to the backend.
//
// The transaction, if any, stays open; flushed objects remain enlisted and
// their changes become permanent only at commit.
func (s *Session) Flush(ctx context.Context) error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("flush")
	if err != nil {
		return s.opErr("flush", nil, err)
	}
	defer release()

	return s.opErr("flush", nil, s.flushInternal(ctx))
}

// flushInternal drains the dirty sets to the backend.
//
// It is reentrancy-safe: called while a flush is already running it is a
// no-op - the running flush drains whatever was added.
func (s *Session) flushInternal(ctx context.Context) (err error) {
	if s.op.flushing {
		return nil
	}
	s.op.flushing = true
	defer func() { s.op.flushing = false }()

	if s.dirty.len()+s.indirectDirty.len() == 0 {
		return nil
	}

	defer task.Running(&ctx, "flush")(&err)

	for pass := 0; s.dirty.len()+s.indirectDirty.len() > 0; pass++ {
		if pass == flushRepeatMax {
			return &FatalError{Err: fmt.Errorf("change set still growing after %d flush passes", flushRepeatMax)}
		}
		err = s.flushPass(ctx)
		if err != nil {
			return err
		}
	}

	if s.txn == nil {
		s.finalizeNontx()
	}
	return nil
}

// flushPass writes one snapshot of the dirty sets to the backend.
func (s *Session) flushPass(ctx context.Context) error {
	batch := append(s.dirty.take(), s.indirectDirty.take()...)

	// make transient objects referenced from the change set persistent,
	// transitively. They are provisional: commit drops them again if they
	// end up unreachable (see reach.go).
	for i := 0; i < len(batch); i++ {
		obj := batch[i]
		if !obj.state.IsDirty() || obj.state.IsDeleted() {
			continue
		}
		for _, ref := range obj.relationObjects() {
			rbase := ref.PBase()
			switch {
			case rbase.jar == s:
				// already managed
			case rbase.jar != nil:
				return fmt.Errorf("%s: references object managed by different session", obj.ident)
			default:
				rb, err := s.persistProvisional(ctx, ref)
				if err != nil {
					return err
				}
				batch = append(batch, rb)
			}
		}
	}

	// open the datastore transaction lazily, at first flushed write
	if s.txn != nil && !s.txBegun {
		if txb, ok := s.backend.(TxBackend); ok {
			if err := txb.BeginTx(ctx); err != nil {
				return err
			}
			s.txBegun = true
		}
	}

	var insertv, updatev, deletev []*Persistent
	for _, obj := range batch {
		if !obj.ident.Durable() {
			obj.dirtyf.reset() // session-only object; nothing to write
			continue
		}
		switch obj.state {
		case PersistentNew:
			if _, wasWritten := s.written[obj.ident]; wasWritten {
				// inserted by a previous pass and changed again
				updatev = append(updatev, obj)
			} else {
				insertv = append(insertv, obj)
			}
		case PersistentDirty:
			updatev = append(updatev, obj)
		case PersistentDel:
			deletev = append(deletev, obj)
		case PersistentNewDel:
			if _, wasWritten := s.written[obj.ident]; wasWritten {
				deletev = append(deletev, obj)
			} else {
				obj.dirtyf.reset() // never reached the datastore
			}
		}
	}

	conflicts := &ConflictErrorv{}
	errv := xerr.Errorv{}

	if len(insertv)+len(updatev) > 0 {
		s.backend.BatchBegin(BatchPersist)

		for _, obj := range insertv {
			rec, err := s.recOf(obj, nil)
			if err != nil {
				errv.Appendif(err)
				continue
			}
			err = s.backend.Insert(ctx, rec)
			if cerr := asConflict(err); cerr != nil {
				conflicts.Errv = append(conflicts.Errv, cerr)
				s.dirty.add(obj)
				continue
			}
			if err != nil {
				errv.Appendif(err)
				continue
			}
			obj.version = rec.Version
			obj.dirtyf.reset()
			s.written[obj.ident] = obj
			errv.Appendif(obj.transition("flush", evFlushed))
		}

		for _, obj := range updatev {
			fields := obj.dirtyFieldNames()
			rec, err := s.recOf(obj, fields)
			if err != nil {
				errv.Appendif(err)
				continue
			}
			err = s.backend.Update(ctx, rec, fields)
			if cerr := asConflict(err); cerr != nil {
				conflicts.Errv = append(conflicts.Errv, cerr)
				s.dirty.add(obj)
				continue
			}
			if err != nil {
				errv.Appendif(err)
				continue
			}
			obj.version = rec.Version
			obj.dirtyf.reset()
			s.written[obj.ident] = obj
			errv.Appendif(obj.transition("flush", evFlushed))
		}

		errv.Appendif(s.backend.BatchEnd(BatchPersist))
	}

	if len(deletev) > 0 {
		s.backend.BatchBegin(BatchDelete)

		for _, obj := range deletev {
			err := s.backend.Delete(ctx, obj.ident, obj.version)
			if cerr := asConflict(err); cerr != nil {
				conflicts.Errv = append(conflicts.Errv, cerr)
				s.dirty.add(obj)
				continue
			}
			if err != nil && !IsNoObject(err) { // already gone - not an error for delete
				errv.Appendif(err)
				continue
			}
			obj.dirtyf.reset()
			delete(s.written, obj.ident)
			delete(s.provisional, obj.ident)
			errv.Appendif(obj.transition("flush", evFlushed))
		}

		errv.Appendif(s.backend.BatchEnd(BatchDelete))
	}

	if err := errv.Err(); err != nil {
		return err
	}
	if len(conflicts.Errv) > 0 {
		return conflicts
	}
	return nil
}

// finalizeNontx completes writes flushed outside a transaction.
//
// Without a transaction there is no commit boundary coming, so flushed
// objects settle into their between-transactions states right away.
func (s *Session) finalizeNontx() {
	for _, obj := range s.written {
		switch obj.state {
		case PersistentNew, PersistentDirty:
			obj.state = PersistentNontx
		}
	}

	var dropv []*Persistent
	s.cache.forEach(func(obj *Persistent) {
		if obj.state.IsDeleted() && !obj.dirtyf.any() {
			dropv = append(dropv, obj)
		}
	})
	for _, obj := range dropv {
		if s.l2 != nil {
			s.l2.Evict(obj.ident)
		}
		s.cache.del(obj)
		obj.state = Transient
		obj.jar = nil
	}

	s.clearTxState()
}

// recOf builds the backend record for obj.
//
// fields=nil takes all loaded fields; otherwise exactly the named ones.
func (s *Session) recOf(obj *Persistent, fields []string) (*Rec, error) {
	rec := &Rec{
		Ident:   obj.ident,
		Class:   obj.class.Name,
		Version: obj.version,
		Fields:  make(map[string]interface{}),
	}

	if fields == nil {
		for _, f := range obj.class.Fields {
			if !obj.loaded.has(f.Pos) {
				continue
			}
			v, err := extractField(obj, f)
			if err != nil {
				return nil, err
			}
			rec.Fields[f.Name] = v
		}
		return rec, nil
	}

	for _, name := range fields {
		f := obj.class.FieldByName(name)
		if f == nil {
			return nil, fmt.Errorf("%s: class %q has no field %q", obj.ident, obj.class.Name, name)
		}
		v, err := extractField(obj, f)
		if err != nil {
			return nil, err
		}
		rec.Fields[name] = v
	}
	return rec, nil
}

// persistProvisional makes a referenced transient object persistent.
//
// The object is recorded as provisional - commit deletes it again if it is
// not reachable from a non-provisional object by then.
func (s *Session) persistProvisional(ctx context.Context, xobj IPersistent) (*Persistent, error) {
	base, err := s.manage(xobj)
	if err != nil {
		return nil, err
	}

	ident, err := s.newIdentity(ctx, base)
	if err != nil {
		return nil, err
	}
	base.ident = ident
	base.jar = s
	if err := base.transition("persist", evPersist); err != nil {
		return nil, err
	}
	for _, f := range base.class.Fields {
		base.loaded.set(f.Pos)
		base.dirtyf.set(f.Pos)
	}

	s.cache.set(base)
	s.pinTx(base)
	s.enlist(base)
	s.provisional[base.ident] = base
	return base, nil
}

func asConflict(err error) *ConflictError {
	var e *ConflictError
	if errors.As(err, &e) {
		return e
	}
	return nil
}
