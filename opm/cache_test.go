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

// mkObj creates a managed-looking object for direct cache manipulation.
func mkObj(t *testing.T, oid Oid, state ObjectState) *Persistent {
	t.Helper()
	class := LookupClass("tObj")
	xobj, err := class.newInstance()
	if err != nil {
		t.Fatal(err)
	}
	base := xobj.PBase()
	base.ident = NewOidIdent("tObj", oid)
	base.state = state
	n := len(class.Fields)
	base.loaded = newBitmap(n)
	base.dirtyf = newBitmap(n)
	return base
}

func TestL1Basic(t *testing.T) {
	c := newL1Cache(0)

	obj := mkObj(t, 1, PersistentClean)
	if c.get(obj.ident) != nil {
		t.Fatal("empty cache returned an object")
	}
	c.set(obj)
	if got := c.get(obj.ident); got != obj {
		t.Fatalf("get after set -> %v", got)
	}
	if got := c.peek(obj.ident); got != obj {
		t.Fatalf("peek -> %v", got)
	}

	st := c.stats()
	if st.Size != 1 || st.Hits != 1 || st.Miss != 1 {
		t.Errorf("stats: %+v;  want size 1, hits 1, miss 1", st)
	}

	c.del(obj)
	if c.peek(obj.ident) != nil {
		t.Fatal("object still present after del")
	}
}

func TestL1GC(t *testing.T) {
	c := newL1Cache(2)

	o1 := mkObj(t, 1, PersistentClean)
	o2 := mkObj(t, 2, PersistentClean)
	o3 := mkObj(t, 3, PersistentClean)
	c.set(o1)
	c.set(o2)
	c.set(o3) // over the bound - o1 is least recently used

	if c.peek(o1.ident) != nil {
		t.Error("o1 survived gc though least recently used")
	}
	if c.peek(o2.ident) == nil || c.peek(o3.ident) == nil {
		t.Error("recently used entries were evicted")
	}
	if o1.state != Hollow {
		t.Errorf("evicted object state: %v;  want hollow", o1.state)
	}

	// touching o2 makes o3 the eviction candidate
	c.get(o2.ident)
	o4 := mkObj(t, 4, PersistentClean)
	c.set(o4)
	if c.peek(o3.ident) != nil {
		t.Error("o3 survived gc though least recently used")
	}
	if c.peek(o2.ident) == nil {
		t.Error("o2 evicted though recently used")
	}
}

func TestL1PinAndDirty(t *testing.T) {
	c := newL1Cache(1)

	pinned := mkObj(t, 1, PersistentClean)
	c.set(pinned)
	c.pin(pinned)

	dirty := mkObj(t, 2, PersistentDirty)
	c.set(dirty)

	clean := mkObj(t, 3, PersistentClean)
	c.set(clean)

	// over the bound, but neither pinned nor dirty entries may go
	if c.peek(pinned.ident) == nil {
		t.Error("pinned object was evicted")
	}
	if c.peek(dirty.ident) == nil {
		t.Error("dirty object was evicted")
	}

	c.unpin(pinned)
	c.set(mkObj(t, 4, PersistentClean))
	if c.peek(pinned.ident) != nil {
		t.Error("unpinned clean object survived gc")
	}
}
