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

func TestEnterOp(t *testing.T) {
	s, _ := tSession(t, nil)

	release, err := s.enterOp("test")
	if err != nil {
		t.Fatal(err)
	}
	if s.op.depth != 1 {
		t.Fatalf("depth after enter: %d", s.op.depth)
	}

	// release is idempotent - multiple cleanup paths may run it
	release()
	release()
	if s.op.depth != 0 {
		t.Fatalf("depth after double release: %d", s.op.depth)
	}

	// operations nest
	r1, _ := s.enterOp("outer")
	r2, _ := s.enterOp("inner")
	if s.op.depth != 2 {
		t.Fatalf("depth after nested enter: %d", s.op.depth)
	}
	r2()
	r1()
	if s.op.depth != 0 {
		t.Fatalf("depth after nested release: %d", s.op.depth)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.enterOp("test"); err == nil {
		t.Fatal("enterOp on closed session: no error")
	}
}

func TestDetachCopy(t *testing.T) {
	s, back := tSession(t, nil)
	ident := back.seedObj(1, "orig", 5, NewOidIdent("tObj", 2).String())
	back.seedObj(2, "next", 0, "")

	xobj, err := s.Get(bg, ident)
	if err != nil {
		t.Fatal(err)
	}

	det, err := s.DetachCopy(bg, xobj)
	if err != nil {
		t.Fatal(err)
	}
	d := det.(*tObj)

	if st := det.PBase().state; st != Detached {
		t.Fatalf("copy state: %v;  want detached", st)
	}
	if det.PBase().ident != ident || det.PBase().version != 1 {
		t.Errorf("copy identity/version: %v %d", det.PBase().ident, det.PBase().version)
	}
	if d.Text != "orig" || d.N != 5 {
		t.Errorf("scalar fields not copied: %q %d", d.Text, d.N)
	}
	// the graph is cut at relations
	if d.Next != nil {
		t.Error("relation field copied into detached object")
	}
	// the managed object is untouched
	if xobj.PBase().jar != s || xobj.(*tObj).Next == nil {
		t.Error("managed object disturbed by detach-copy")
	}
}

func TestDetachAttach(t *testing.T) {
	s, back := tSession(t, nil)
	ident := back.seedObj(1, "v1", 1, "")

	xobj, err := s.Get(bg, ident)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Detach(bg, xobj); err != nil {
		t.Fatal(err)
	}
	if xobj.PBase().jar != nil || xobj.PBase().state != Detached {
		t.Fatalf("after detach: jar %v state %v", xobj.PBase().jar, xobj.PBase().state)
	}
	if s.cache.peek(ident) != nil {
		t.Fatal("detached object still in level-1 cache")
	}

	// change while detached, attach back, flush
	o := xobj.(*tObj)
	o.Text = "v2"

	xobj2, err := s.Attach(bg, xobj)
	if err != nil {
		t.Fatal(err)
	}
	if xobj2 != xobj {
		t.Fatal("attach into empty session did not adopt the object")
	}
	if xobj.PBase().jar != s || xobj.PBase().state != PersistentDirty {
		t.Fatalf("after attach: jar %v state %v", xobj.PBase().jar, xobj.PBase().state)
	}

	if err := s.Flush(bg); err != nil {
		t.Fatal(err)
	}
	if back.recs[ident].Fields["Text"] != "v2" {
		t.Error("detached change did not reach the backend")
	}
}

func TestAttachStale(t *testing.T) {
	s, back := tSession(t, nil)
	ident := back.seedObj(1, "v1", 1, "")

	// detached copy based on version 1
	xobj, err := s.Get(bg, ident)
	if err != nil {
		t.Fatal(err)
	}
	det, err := s.DetachCopy(bg, xobj)
	if err != nil {
		t.Fatal(err)
	}

	// the datastore moves on
	back.recs[ident].Fields["Text"] = "v2"
	back.recs[ident].Version = 2

	// a second session sees the new revision; attaching the stale copy
	// into it must conflict
	s2, err := NewSessionWith(back, nil)
	if err != nil {
		t.Fatal(err)
	}
	xobj2, err := s2.Get(bg, ident)
	if err != nil {
		t.Fatal(err)
	}
	if err := xobj2.PBase().PActivate(bg); err != nil {
		t.Fatal(err)
	}

	det.(*tObj).Text = "stale"
	_, err = s2.Attach(bg, det)
	if err == nil {
		t.Fatal("attach of stale detached object: no error")
	}
	if !IsConflict(err) {
		t.Fatalf("attach error is not a conflict: %s", err)
	}
}

func TestDetachDirtyRejected(t *testing.T) {
	s, _ := tSession(t, nil)

	obj := &tObj{Text: "x"}
	if err := s.Persist(bg, obj); err != nil {
		t.Fatal(err)
	}
	if err := s.Detach(bg, obj); err == nil {
		t.Fatal("detach of object with unflushed changes: no error")
	}
}
