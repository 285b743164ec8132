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

import (
	"errors"
	"reflect"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestOpSet(t *testing.T) {
	s := newOpSet()

	o1 := mkObj(t, 1, PersistentDirty)
	o2 := mkObj(t, 2, PersistentDirty)
	o3 := mkObj(t, 3, PersistentDirty)

	s.add(o1)
	s.add(o2)
	s.add(o1) // dup
	s.add(o3)
	s.del(o2)

	if s.len() != 2 || !s.has(o1) || s.has(o2) || !s.has(o3) {
		t.Fatalf("membership wrong: len %d", s.len())
	}

	// take preserves insertion order and empties the set
	objv := s.take()
	if want := []*Persistent{o1, o3}; !reflect.DeepEqual(objv, want) {
		t.Fatalf("take returned wrong objects/order")
	}
	if s.len() != 0 {
		t.Fatalf("set not empty after take: %d", s.len())
	}
}

func TestDirtyPromotion(t *testing.T) {
	s, _ := tSession(t, nil)

	obj := &tObj{Text: "x"}
	if err := s.Persist(bg, obj); err != nil {
		t.Fatal(err)
	}
	base := obj.PBase()
	if !s.dirty.has(base) || s.indirectDirty.has(base) {
		t.Fatal("persisted object not in direct dirty set")
	}
	if err := s.Flush(bg); err != nil {
		t.Fatal(err)
	}
	if s.dirty.len()+s.indirectDirty.len() != 0 {
		t.Fatal("dirty sets not drained by flush")
	}

	// an indirect change books the object into .indirectDirty ...
	if err := s.markDirty(bg, base, false, "Text"); err != nil {
		t.Fatal(err)
	}
	if s.dirty.has(base) || !s.indirectDirty.has(base) {
		t.Fatal("indirect change not recorded as indirect")
	}

	// ... and a later direct change promotes it; never held in both sets
	if err := s.markDirty(bg, base, true, "N"); err != nil {
		t.Fatal(err)
	}
	if !s.dirty.has(base) || s.indirectDirty.has(base) {
		t.Fatal("direct change did not promote the object")
	}

	// the opposite direction never demotes
	if err := s.markDirty(bg, base, false, "Text"); err != nil {
		t.Fatal(err)
	}
	if !s.dirty.has(base) || s.indirectDirty.has(base) {
		t.Fatal("indirect change demoted a directly-dirty object")
	}
}

func TestFlushOrder(t *testing.T) {
	s, back := tSession(t, nil)

	updIdent := back.seedObj(100, "upd", 1, "")
	delIdent := back.seedObj(101, "del", 2, "")

	// insert: fresh object
	ins := &tObj{Text: "ins"}
	if err := s.Persist(bg, ins); err != nil {
		t.Fatal(err)
	}

	// update: loaded object with one changed field
	xupd, err := s.Get(bg, updIdent)
	if err != nil {
		t.Fatal(err)
	}
	upd := xupd.(*tObj)
	if err := upd.PActivate(bg); err != nil {
		t.Fatal(err)
	}
	upd.Text = "upd2"
	if err := upd.PModify(bg, "Text"); err != nil {
		t.Fatal(err)
	}

	// delete
	xdel, err := s.Get(bg, delIdent)
	if err != nil {
		t.Fatal(err)
	}
	if err := xdel.PBase().PActivate(bg); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(bg, xdel); err != nil {
		t.Fatal(err)
	}

	back.log = nil
	if err := s.Flush(bg); err != nil {
		t.Fatal(err)
	}

	// one pass: inserts and updates inside the persist batch, then deletes
	want := []string{
		"batch+ persist",
		"insert " + ins.PIdent().String(),
		"update " + updIdent.String() + " [Text]",
		"batch- persist",
		"batch+ delete",
		"delete " + delIdent.String(),
		"batch- delete",
	}
	if diff := pretty.Compare(want, back.log); diff != "" {
		t.Fatalf("flush sequence: (-want +have)\n%s", diff)
	}

	if _, ok := back.recs[delIdent]; ok {
		t.Error("deleted record still in backend")
	}
	if back.recs[updIdent].Fields["Text"] != "upd2" {
		t.Error("update did not reach backend")
	}
	if ins.PVersion() != 1 {
		t.Errorf("inserted object version: %d;  want 1", ins.PVersion())
	}
}

func TestFlushConflictAggregation(t *testing.T) {
	s, back := tSession(t, nil)

	i1 := back.seedObj(1, "a", 1, "")
	i2 := back.seedObj(2, "b", 2, "")

	x1, err := s.Get(bg, i1)
	if err != nil {
		t.Fatal(err)
	}
	x2, err := s.Get(bg, i2)
	if err != nil {
		t.Fatal(err)
	}
	for _, x := range []IPersistent{x1, x2} {
		if err := x.PBase().PActivate(bg); err != nil {
			t.Fatal(err)
		}
		if err := x.PBase().PModify(bg, "Text"); err != nil {
			t.Fatal(err)
		}
	}

	// both updates conflict
	back.updateErr[i1] = &ConflictError{Ident: i1, Have: 5, Want: 1}
	back.updateErr[i2] = &ConflictError{Ident: i2, Have: 6, Want: 1}

	err = s.Flush(bg)
	if err == nil {
		t.Fatal("flush with conflicts: no error")
	}
	if !IsConflict(err) {
		t.Fatalf("flush error is not a conflict: %s", err)
	}

	// all conflicts are reported at once, not just the first
	var ev *ConflictErrorv
	if !errors.As(err, &ev) || len(ev.Errv) != 2 {
		t.Fatalf("want 2 aggregated conflicts; got %s", err)
	}

	// conflicting objects stay dirty, for refresh-and-retry
	if !s.dirty.has(x1.PBase()) || !s.dirty.has(x2.PBase()) {
		t.Error("conflicting objects lost from the dirty set")
	}
}

func TestFlushAutoLimit(t *testing.T) {
	s, back := tSession(t, map[string]interface{}{
		PropFlushAutoLimit: 2,
	})

	if err := s.Persist(bg, &tObj{Text: "one"}); err != nil {
		t.Fatal(err)
	}
	if len(back.recs) != 0 {
		t.Fatal("flushed below the auto limit")
	}

	// second dirty object crosses the limit - flush happens by itself
	if err := s.Persist(bg, &tObj{Text: "two"}); err != nil {
		t.Fatal(err)
	}
	if len(back.recs) != 2 {
		t.Fatalf("auto flush did not run: %d records", len(back.recs))
	}
}

func TestNontxAtomicWrite(t *testing.T) {
	s, back := tSession(t, map[string]interface{}{
		PropNontxAtomicWrite: true,
	})

	obj := &tObj{Text: "now"}
	if err := s.Persist(bg, obj); err != nil {
		t.Fatal(err)
	}

	// outside a transaction every write completes immediately
	if len(back.recs) != 1 {
		t.Fatalf("write not flushed immediately: %d records", len(back.recs))
	}
	if st := obj.PState(); st != PersistentNontx {
		t.Errorf("state after atomic write: %v;  want persistent-nontransactional", st)
	}
}
