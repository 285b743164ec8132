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
// detach/attach: moving object state across the session boundary.
//
// A detached object carries its identity, version and scalar data but is
// disconnected from any session; it can be handed to other layers, changed
// there, and attached later - possibly to a different session - with the
// version check at flush catching interleaving updates. The object graph is
// cut at relations: detached copies never drag the whole graph along.

import (
	"context"
)

// opState tracks operations the session currently runs.
//
// Session operations nest - a modify can trigger a flush, attach merges call
// back into modify - so the state is an explicit depth counter rather than a
// boolean, and flush reentrancy has its own flag checked by flushInternal.
type opState struct {
	depth    int
	flushing bool
}

// enterOp begins one session operation.
//
// The returned release must be called when the operation ends; calling it
// more than once is harmless - the depth is decremented exactly once no
// matter how many cleanup paths run.
func (s *Session) enterOp(op string) (release func(), err error) {
	if s.closed {
		return nil, userErrorf(op, "session is closed")
	}
	s.op.depth++

	released := false
	return func() {
		if released {
			return
		}
		released = true
		s.op.depth--
		if s.op.depth < 0 {
			panic("opm: " + op + ": unbalanced operation release")
		}
	}, nil
}

// DetachCopy returns a detached copy of obj.
//
// The managed object is left untouched. The copy carries identity, version
// and all scalar fields; relation fields are not copied.
func (s *Session) DetachCopy(ctx context.Context, xobj IPersistent) (IPersistent, error) {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("detach-copy")
	if err != nil {
		return nil, s.opErr("detach-copy", nil, err)
	}
	defer release()

	base := xobj.PBase()
	det, err := s.detachCopy(ctx, base)
	if err != nil {
		return nil, s.opErr("detach-copy", base.ident, err)
	}
	return det, nil
}

func (s *Session) detachCopy(ctx context.Context, base *Persistent) (IPersistent, error) {
	if base.jar != s {
		return nil, userErrorf("detach-copy", "object is not managed by this session")
	}
	if err := s.loadFields(ctx, base, nil); err != nil {
		return nil, err
	}

	det, err := base.class.newInstance()
	if err != nil {
		return nil, err
	}
	dbase := det.PBase()
	dbase.ident = base.ident
	dbase.version = base.version
	dbase.state = Detached

	n := len(base.class.Fields)
	dbase.loaded = newBitmap(n)
	dbase.dirtyf = newBitmap(n)

	for _, f := range base.class.Fields {
		if f.Relation || !base.loaded.has(f.Pos) {
			continue
		}
		dbase.setField(f, base.getField(f))
		dbase.loaded.set(f.Pos)
	}
	return det, nil
}

// Detach disconnects obj from the session in place.
//
// The object keeps its data and becomes Detached; unflushed changes are
// rejected - flush first.
func (s *Session) Detach(ctx context.Context, xobj IPersistent) error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("detach")
	if err != nil {
		return s.opErr("detach", nil, err)
	}
	defer release()

	base := xobj.PBase()
	return s.opErr("detach", base.ident, s.detach(ctx, base))
}

func (s *Session) detach(ctx context.Context, base *Persistent) error {
	if base.jar != s {
		return userErrorf("detach", "object is not managed by this session")
	}
	if base.state.IsDirty() {
		return userErrorf("detach", "%s: object has unflushed changes", base.ident)
	}
	if err := s.loadFields(ctx, base, nil); err != nil {
		return err
	}
	if err := base.transition("detach", evDetach); err != nil {
		return err
	}
	s.cache.del(base)
	base.jar = nil
	return nil
}

// DetachAll detaches every managed object whose state permits it.
func (s *Session) DetachAll(ctx context.Context) error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("detach")
	if err != nil {
		return s.opErr("detach", nil, err)
	}
	defer release()

	var objv []*Persistent
	s.cache.forEach(func(obj *Persistent) {
		if _, ok := nextState(obj.state, evDetach); ok {
			objv = append(objv, obj)
		}
	})
	for _, obj := range objv {
		if err := s.detach(ctx, obj); err != nil {
			return s.opErr("detach", obj.ident, err)
		}
	}
	return nil
}

// Attach brings a detached object back under session management.
//
// If no object with the same identity is managed yet, obj itself is adopted
// and returned; otherwise the detached state is merged into the managed
// object and that object is returned. Either way the result is marked dirty,
// so the changes made while detached reach the datastore at next flush - with
// the version check detecting updates that happened in between.
func (s *Session) Attach(ctx context.Context, xobj IPersistent) (IPersistent, error) {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("attach")
	if err != nil {
		return nil, s.opErr("attach", nil, err)
	}
	defer release()

	obj, err := s.attach(ctx, xobj, false)
	if err != nil {
		return nil, s.opErr("attach", xobj.PBase().ident, err)
	}
	return obj, nil
}

// AttachCopy is Attach that never adopts obj itself: the input stays
// detached and the managed twin is returned.
func (s *Session) AttachCopy(ctx context.Context, xobj IPersistent) (IPersistent, error) {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("attach")
	if err != nil {
		return nil, s.opErr("attach", nil, err)
	}
	defer release()

	obj, err := s.attach(ctx, xobj, true)
	if err != nil {
		return nil, s.opErr("attach", xobj.PBase().ident, err)
	}
	return obj, nil
}

func (s *Session) attach(ctx context.Context, xobj IPersistent, copy bool) (IPersistent, error) {
	base, err := s.manage(xobj)
	if err != nil {
		return nil, err
	}
	if base.jar == s {
		return xobj, nil // already here
	}
	if base.jar != nil {
		return nil, userErrorf("attach", "object is managed by different session")
	}
	if base.state != Detached {
		return nil, userErrorf("attach", "%s: object is %s, not detached", base.ident, base.state)
	}

	if existing := s.cache.peek(base.ident); existing != nil {
		err := s.attachInto(ctx, existing, base)
		if err != nil {
			return nil, err
		}
		return existing.instance, nil
	}

	if copy {
		twin, err := base.class.newInstance()
		if err != nil {
			return nil, err
		}
		tbase, err := s.manage(twin)
		if err != nil {
			return nil, err
		}
		tbase.ident = base.ident
		tbase.version = base.version
		tbase.jar = s
		tbase.state = PersistentDirty
		var changed []string
		for _, f := range base.class.Fields {
			if !base.loaded.has(f.Pos) {
				continue
			}
			tbase.setField(f, base.getField(f))
			tbase.loaded.set(f.Pos)
			changed = append(changed, f.Name)
		}
		s.cache.set(tbase)
		if err := s.markDirty(ctx, tbase, true, changed...); err != nil {
			return nil, err
		}
		return twin, nil
	}

	base.jar = s
	base.state = PersistentDirty
	s.cache.set(base)
	if err := s.markDirty(ctx, base, true); err != nil {
		return nil, err
	}
	return xobj, nil
}

// attachInto merges detached state into an already-managed object.
func (s *Session) attachInto(ctx context.Context, existing, det *Persistent) error {
	if existing.loaded.any() && existing.version != det.version {
		// the session already holds a different revision of the object
		return &ConflictError{Ident: det.ident, Have: existing.version, Want: det.version}
	}
	if !existing.loaded.any() {
		existing.version = det.version
	}

	var changed []string
	for _, f := range det.class.Fields {
		if !det.loaded.has(f.Pos) {
			continue
		}
		existing.setField(f, det.getField(f))
		existing.loaded.set(f.Pos)
		changed = append(changed, f.Name)
	}
	if len(changed) == 0 {
		return nil
	}
	return s.markDirty(ctx, existing, true, changed...)
}
