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
// persistent objects.

import (
	"context"
	"reflect"

	"lab.nexedi.com/kirr/go123/xerr"
)

// IPersistent is the interface that every in-RAM object representing a
// datastore object implements. It is implemented by embedding Persistent.
type IPersistent interface {
	// PBase returns the per-object state holder.
	PBase() *Persistent
}

// ObjType tells what role an object plays wrt its owner.
type ObjType byte

const (
	ObjPlain         ObjType = iota // independent persistent object
	ObjEmbedded                     // embedded into owning object
	ObjEmbeddedElem                 // element of embedded collection
	ObjEmbeddedKey                  // key of embedded map
	ObjEmbeddedValue                // value of embedded map
)

// Persistent is the per-object state holder: it owns exactly one
// application object instance and tracks its identity, lifecycle state,
// loaded/changed field bitmaps and transactional version.
//
// Persistent is embedded by value into application types:
//
//	type Person struct {
//		opm.Persistent
//
//		Name string
//		Boss *Person `opm:"ref"`
//	}
//
// One Persistent exists per managed object; within one session at most one
// managed object exists per identity.
type Persistent struct {
	class *Class // class of this object

	jar   *Session // session this object is managed by; nil while transient/detached
	ident Ident

	state   ObjectState
	objType ObjType
	version uint64 // datastore version the in-RAM data is based on

	loaded bitmap // fields whose in-RAM value is authoritative
	dirtyf bitmap // fields changed since last flush

	pin   int32   // pins in level-1 cache; >0 blocks eviction
	inLRU lruHead // link in level-1 cache LRU; protected by cache

	instance IPersistent // the application object this base is embedded into
}

// PBase implements IPersistent.
func (obj *Persistent) PBase() *Persistent { return obj }

func (obj *Persistent) PJar() *Session      { return obj.jar }
func (obj *Persistent) PIdent() Ident       { return obj.ident }
func (obj *Persistent) PClass() string      { return obj.class.Name }
func (obj *Persistent) PState() ObjectState { return obj.state }
func (obj *Persistent) PVersion() uint64    { return obj.version }
func (obj *Persistent) PObjType() ObjType   { return obj.objType }

// transition applies lifecycle event ev to the object.
func (obj *Persistent) transition(op string, ev lifecycleEvent) error {
	next, ok := nextState(obj.state, ev)
	if !ok {
		return userErrorf(op, "%s: cannot %s while %s", obj.ident, ev, obj.state)
	}
	obj.state = next
	return nil
}

// xval returns reflect value of the application struct.
func (obj *Persistent) xval() reflect.Value {
	return reflect.ValueOf(obj.instance).Elem()
}

// getField returns current in-RAM value of field f.
func (obj *Persistent) getField(f *Field) interface{} {
	return obj.xval().FieldByIndex(f.sf.Index).Interface()
}

// setField sets in-RAM value of field f.
func (obj *Persistent) setField(f *Field, v interface{}) {
	xf := obj.xval().FieldByIndex(f.sf.Index)
	if v == nil {
		xf.Set(reflect.Zero(xf.Type()))
	} else {
		xf.Set(reflect.ValueOf(v))
	}
}

// zeroField resets field f to its zero value.
func (obj *Persistent) zeroField(f *Field) {
	xf := obj.xval().FieldByIndex(f.sf.Index)
	xf.Set(reflect.Zero(xf.Type()))
}

// PActivate makes sure all fields of the object are loaded.
//
// For a hollow object the fields are fetched from the level-2 cache or the
// datastore. It is a no-op for objects whose data is already in RAM.
func (obj *Persistent) PActivate(ctx context.Context) (err error) {
	if obj.jar == nil {
		return userErrorf("activate", "%s: object is not managed", obj.ident)
	}
	return obj.jar.loadFields(ctx, obj, nil)
}

// PInvalidate requests in-RAM object data to be discarded and the object to
// become hollow.
//
// It must not be called on objects with unflushed changes.
func (obj *Persistent) PInvalidate() {
	if obj.state.IsDirty() {
		panic("opm: invalidate: object has unflushed changes")
	}

	obj.dropState()
	obj.state = Hollow
}

// PModify marks fields of the object as changed.
//
// With no fields given every loaded field is considered changed. The object
// is enrolled into the session's dirty set as a direct update; depending on
// session configuration this may trigger a synchronous flush, hence ctx.
func (obj *Persistent) PModify(ctx context.Context, fields ...string) error {
	if obj.jar == nil {
		return userErrorf("modify", "%s: object is not managed", obj.ident)
	}
	return obj.jar.markDirty(ctx, obj, true, fields...)
}

// dropState discards in-RAM field values and bookkeeping bitmaps.
func (obj *Persistent) dropState() {
	for _, f := range obj.class.Fields {
		if f.PK && obj.class.Kind == ApplicationId {
			continue // identity-bearing fields survive hollowing
		}
		obj.zeroField(f)
	}
	obj.loaded.reset()
	obj.dirtyf.reset()
}

// markFieldsDirty records fields as changed in the dirty-field bitmap.
//
// nil fields means "all loaded fields".
func (obj *Persistent) markFieldsDirty(fields []string) error {
	if len(fields) == 0 {
		for _, f := range obj.class.Fields {
			if obj.loaded.has(f.Pos) {
				obj.dirtyf.set(f.Pos)
			}
		}
		return nil
	}

	for _, name := range fields {
		f := obj.class.FieldByName(name)
		if f == nil {
			return userErrorf("modify", "%s: class %q has no field %q", obj.ident, obj.class.Name, name)
		}
		obj.loaded.set(f.Pos)
		obj.dirtyf.set(f.Pos)
	}
	return nil
}

// dirtyFieldNames returns names of fields changed since last flush.
func (obj *Persistent) dirtyFieldNames() []string {
	var namev []string
	for _, f := range obj.class.Fields {
		if obj.dirtyf.has(f.Pos) {
			namev = append(namev, f.Name)
		}
	}
	return namev
}

// validate verifies against the backend that the object still exists.
//
// On not-found the object is evicted from the session's level-1 cache and
// *NoObjectError is returned.
func (obj *Persistent) validate(ctx context.Context) (err error) {
	defer xerr.Contextf(&err, "%s: validate", obj.ident)

	res, err := obj.jar.backend.Locate(ctx, obj.ident)
	if err != nil {
		return err
	}
	if res == LocateMissing {
		obj.jar.cache.del(obj)
		obj.jar = nil
		return &NoObjectError{Ident: obj.ident}
	}
	return nil
}

// relationObjects returns persistent objects referenced by loaded relation
// fields of obj.
//
// Single references, slices, arrays and maps (both keys and values) are
// traversed; nil references are skipped.
func (obj *Persistent) relationObjects() []IPersistent {
	var refv []IPersistent
	add := func(xv reflect.Value) {
		if !xv.IsValid() {
			return
		}
		if xv.Kind() == reflect.Ptr && xv.IsNil() {
			return
		}
		if !xv.CanInterface() {
			return
		}
		if p, ok := xv.Interface().(IPersistent); ok && p != nil {
			refv = append(refv, p)
		}
	}

	for _, f := range obj.class.relFields {
		if !obj.loaded.has(f.Pos) {
			continue
		}
		xf := obj.xval().FieldByIndex(f.sf.Index)
		switch xf.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < xf.Len(); i++ {
				add(xf.Index(i))
			}
		case reflect.Map:
			iter := xf.MapRange()
			for iter.Next() {
				add(iter.Key())
				add(iter.Value())
			}
		default:
			add(xf)
		}
	}
	return refv
}

// nullifyRelations zeroes all loaded non-key relation fields and returns
// names of the fields that were changed.
func (obj *Persistent) nullifyRelations() []string {
	var changed []string
	for _, f := range obj.class.relFields {
		if f.PK || !obj.loaded.has(f.Pos) {
			continue
		}
		xf := obj.xval().FieldByIndex(f.sf.Index)
		if xf.IsZero() {
			continue
		}
		xf.Set(reflect.Zero(xf.Type()))
		changed = append(changed, f.Name)
	}
	return changed
}

// ---- loaded/dirty field bitmap ----

// bitmap is a fixed-capacity bit set indexed by Field.Pos.
type bitmap []uint64

func newBitmap(n int) bitmap {
	return make(bitmap, (n+63)/64)
}

func (b bitmap) set(i int)      { b[i/64] |= 1 << (uint(i) % 64) }
func (b bitmap) clear(i int)    { b[i/64] &^= 1 << (uint(i) % 64) }
func (b bitmap) has(i int) bool { return b[i/64]&(1<<(uint(i)%64)) != 0 }

func (b bitmap) reset() {
	for i := range b {
		b[i] = 0
	}
}

func (b bitmap) any() bool {
	for _, w := range b {
		if w != 0 {
			return true
		}
	}
	return false
}
