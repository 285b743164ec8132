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
// level-2 cache: process-wide identity -> snapshot table shared by sessions.
//
// Entries are immutable encoded snapshots of committed state. The cache is
// mutated only through Lookup/BulkPut/Evict/EvictAll - never field by field -
// so a snapshot is always internally consistent. Sessions put entries only
// at commit time, after their writes are durable; data of objects deleted or
// lost from enlistment is evicted at the same boundary. The cache thus never
// holds data of a transaction still in flight.

import (
	"sync"
	"unsafe"

	"lab.nexedi.com/kirr/go123/mem"
	"lab.nexedi.com/kirr/go123/xcontainer/list"

	"lab.nexedi.com/kirr/opm/go/internal/xzlib"
)

// L2Cache is a shared snapshot cache.
//
// It is safe to use from multiple sessions/goroutines simultaneously.
type L2Cache struct {
	mu sync.Mutex

	table map[Ident]*l2Entry

	lru     l2Head // entries in LRU order
	size    int    // cached encoded bytes
	sizeMax int    // cache is allowed to occupy not more than this

	codec    SnapshotCodec
	compress bool

	nhit, nmiss int64
}

// l2Entry is one cached snapshot.
type l2Entry struct {
	ident   Ident
	version uint64
	buf     *mem.Buf // encoded (maybe compressed) snapshot
	zlib    bool     // whether buf is compressed
	inLRU   l2Head   // in L2Cache.lru
}

// L2Options tune NewL2Cache.
type L2Options struct {
	Codec    SnapshotCodec // nil - MsgpackCodec
	Compress bool          // zlib-compress encoded snapshots
}

// L2Stats is a snapshot of level-2 cache statistics.
type L2Stats struct {
	Size  int   // entries
	Bytes int   // encoded bytes held
	Hits  int64
	Miss  int64
}

// NewL2Cache creates a new level-2 cache.
//
// The cache will use not more than ~ sizeMax bytes of RAM for encoded data.
func NewL2Cache(sizeMax int, opt *L2Options) *L2Cache {
	c := &L2Cache{
		table:   make(map[Ident]*l2Entry),
		sizeMax: sizeMax,
		codec:   MsgpackCodec{},
	}
	if opt != nil {
		if opt.Codec != nil {
			c.codec = opt.Codec
		}
		c.compress = opt.Compress
	}
	c.lru.Init()
	return c
}

// Lookup returns cached snapshot for ident, if present.
//
// The returned snapshot is freshly decoded and owned by the caller.
func (c *L2Cache) Lookup(ident Ident) (*Snapshot, bool) {
	c.mu.Lock()
	e := c.table[ident]
	if e == nil {
		c.nmiss++
		c.mu.Unlock()
		return nil, false
	}
	c.nhit++
	e.inLRU.MoveBefore(&c.lru.Head)
	data := e.buf.Data
	zlib := e.zlib
	c.mu.Unlock()

	if zlib {
		udata, err := xzlib.Decompress(data)
		if err != nil {
			// corrupt entry - drop it rather than keep serving garbage
			c.Evict(ident)
			return nil, false
		}
		data = udata
	}

	snap, err := c.codec.Decode(data)
	if err != nil {
		c.Evict(ident)
		return nil, false
	}
	return snap, true
}

// Contains reports whether the cache currently has an entry for ident.
func (c *L2Cache) Contains(ident Ident) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table[ident] != nil
}

// BulkPut stores snapshots of committed state.
//
// Existing entries for the same identities are replaced. Callers batch their
// puts (see PropL2BatchSize) to bound single-call payload size.
func (c *L2Cache) BulkPut(snapv []*Snapshot) error {
	for _, snap := range snapv {
		ident, err := ParseIdent(snap.Ident)
		if err != nil {
			return err
		}

		data, err := c.codec.Encode(snap)
		if err != nil {
			return err
		}
		zlib := false
		if c.compress {
			zdata := xzlib.Compress(data)
			if len(zdata) < len(data) {
				data, zlib = zdata, true
			}
		}

		buf := mem.BufAlloc(len(data))
		copy(buf.Data, data)

		c.mu.Lock()
		if old := c.table[ident]; old != nil {
			c.dropEntry(old)
		}
		e := &l2Entry{ident: ident, version: snap.Version, buf: buf, zlib: zlib}
		e.inLRU.Init()
		e.inLRU.MoveBefore(&c.lru.Head)
		c.table[ident] = e
		c.size += len(data)
		if c.size > c.sizeMax {
			c.gc()
		}
		c.mu.Unlock()
	}
	return nil
}

// Evict removes the entry for ident, if any.
func (c *L2Cache) Evict(ident Ident) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.table[ident]; e != nil {
		c.dropEntry(e)
	}
}

// EvictAll removes all entries.
func (c *L2Cache) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.table {
		c.dropEntry(e)
	}
}

// Stats returns current cache statistics.
func (c *L2Cache) Stats() L2Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return L2Stats{Size: len(c.table), Bytes: c.size, Hits: c.nhit, Miss: c.nmiss}
}

// dropEntry removes e from table/lru and releases its buffer.
//
// must be called with c.mu held.
func (c *L2Cache) dropEntry(e *l2Entry) {
	delete(c.table, e.ident)
	e.inLRU.Delete()
	c.size -= e.buf.Len()
	e.buf.XRelease()
	e.buf = nil
}

// gc evicts least-recently-used entries until the size bound is met.
//
// must be called with c.mu held.
func (c *L2Cache) gc() {
	for c.size > c.sizeMax {
		h := c.lru.Next()
		if h == &c.lru {
			panic("opm: l2: gc: empty .lru but .size > .sizeMax")
		}
		c.dropEntry(h.entryFromInLRU())
	}
}

// ---- LRU list plumbing ----

// list head that knows it is in l2Entry.inLRU
type l2Head struct {
	list.Head
}

func (h *l2Head) Next() *l2Head { return (*l2Head)(unsafe.Pointer(h.Head.Next())) }
func (h *l2Head) Prev() *l2Head { return (*l2Head)(unsafe.Pointer(h.Head.Prev())) }

// l2Entry: .inLRU -> .
func (h *l2Head) entryFromInLRU() (e *l2Entry) {
	ue := unsafe.Pointer(uintptr(unsafe.Pointer(h)) - unsafe.Offsetof(e.inLRU))
	return (*l2Entry)(ue)
}
