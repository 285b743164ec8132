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
// level-1 cache: session-private identity -> object table.
//
// The table is authoritative for "is this object already managed in this
// session": all object lookups go through it first, which is what maintains
// the 1 identity <-> 1 in-RAM object invariant.
//
// Eviction is explicit, not GC-driven: objects participating in the
// transaction (enlisted, dirty, new, deleted) hold pins and are never
// evicted; the rest live on an LRU list bounded by sizeMax entries and are
// hollowed + dropped in LRU order when the bound is exceeded. This keeps
// eviction timing deterministic and testable.

import (
	"unsafe"

	"lab.nexedi.com/kirr/go123/xcontainer/list"
)

// l1Cache is the session-private object table.
//
// It is owned exclusively by one Session and shares its locking discipline
// (see Session concurrency notes).
type l1Cache struct {
	table map[Ident]*Persistent

	lru     lruHead // evictable entries in LRU order
	sizeMax int     // max #entries before gc; <=0 - unbounded

	// statistics
	nhit  int64
	nmiss int64
}

// CacheStats is a snapshot of level-1 cache statistics.
type CacheStats struct {
	Size int   // current number of entries
	Hits int64 // lookups satisfied from the table
	Miss int64 // lookups that found nothing
}

func newL1Cache(sizeMax int) *l1Cache {
	c := &l1Cache{
		table:   make(map[Ident]*Persistent),
		sizeMax: sizeMax,
	}
	c.lru.Init()
	return c
}

// get returns the object managed under ident, or nil.
func (c *l1Cache) get(ident Ident) *Persistent {
	obj := c.table[ident]
	if obj == nil {
		c.nmiss++
		return nil
	}
	c.nhit++
	c.markUsed(obj)
	return obj
}

// peek returns the object managed under ident without touching statistics or LRU.
func (c *l1Cache) peek(ident Ident) *Persistent {
	return c.table[ident]
}

// set registers obj under its identity.
//
// The object is put on the LRU list; gc may evict other entries to keep the
// size bound.
func (c *l1Cache) set(obj *Persistent) {
	c.table[obj.ident] = obj
	obj.inLRU.Init()
	obj.inLRU.MoveBefore(&c.lru.Head)
	c.gc()
}

// del removes obj from the table.
func (c *l1Cache) del(obj *Persistent) {
	if c.table[obj.ident] == obj {
		delete(c.table, obj.ident)
	}
	obj.inLRU.Delete()
	obj.inLRU.Init()
}

// markUsed moves obj to the most-recently-used end.
func (c *l1Cache) markUsed(obj *Persistent) {
	obj.inLRU.MoveBefore(&c.lru.Head)
}

// pin blocks eviction of obj until a matching unpin.
func (c *l1Cache) pin(obj *Persistent)   { obj.pin++ }
func (c *l1Cache) unpin(obj *Persistent) {
	obj.pin--
	if obj.pin < 0 {
		panic("opm: l1: unpin: pin count < 0")
	}
}

// gc evicts least-recently-used evictable entries until the size bound is met.
//
// An entry is evictable when it is not pinned and its lifecycle state allows
// reconstruction from the datastore. Evicted objects become hollow and are
// disconnected from the session.
func (c *l1Cache) gc() {
	if c.sizeMax <= 0 {
		return
	}

	h := c.lru.Next()
	for len(c.table) > c.sizeMax && h != &c.lru {
		obj := h.objFromInLRU()
		h = h.Next()

		if obj.pin > 0 || !obj.state.evictable() {
			continue
		}

		obj.dropState()
		obj.state = Hollow
		obj.jar = nil
		c.del(obj)
	}
}

// forEach calls f for every entry in the table.
//
// f must not add or remove entries.
func (c *l1Cache) forEach(f func(*Persistent)) {
	for _, obj := range c.table {
		f(obj)
	}
}

// clear drops all entries. Used at session close.
func (c *l1Cache) clear() {
	for ident, obj := range c.table {
		obj.inLRU.Delete()
		obj.inLRU.Init()
		obj.jar = nil
		delete(c.table, ident)
	}
	c.lru.Init()
}

// stats returns current cache statistics.
func (c *l1Cache) stats() CacheStats {
	return CacheStats{Size: len(c.table), Hits: c.nhit, Miss: c.nmiss}
}

// ---- LRU list plumbing ----

// list head that knows it is in Persistent.inLRU
type lruHead struct {
	list.Head
}

func (h *lruHead) Next() *lruHead { return (*lruHead)(unsafe.Pointer(h.Head.Next())) }
func (h *lruHead) Prev() *lruHead { return (*lruHead)(unsafe.Pointer(h.Head.Prev())) }

// Persistent: .inLRU -> .
func (h *lruHead) objFromInLRU() (obj *Persistent) {
	uobj := unsafe.Pointer(uintptr(unsafe.Pointer(h)) - unsafe.Offsetof(obj.inLRU))
	return (*Persistent)(uobj)
}
