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
// snapshots: serializable representation of object field state.
//
// A snapshot carries loaded field values of one object plus its version.
// Relation fields are represented by identity text, not by object pointers,
// which makes snapshots self-contained: they can cross session boundaries
// (level-2 cache), be persisted (backends), or leave the process (opm cat).

import (
	"bytes"
	"fmt"
	"reflect"

	pickle "github.com/kisielk/og-rek"
	"github.com/shamaton/msgpack"
)

// Snapshot is an immutable copy of loaded field values of one object.
type Snapshot struct {
	Class   string
	Ident   string // Ident.String() form
	Version uint64
	Fields  map[string]interface{}
}

// SnapshotCodec encodes/decodes snapshots to raw bytes.
type SnapshotCodec interface {
	Name() string
	Encode(snap *Snapshot) ([]byte, error)
	Decode(data []byte) (*Snapshot, error)
}

// codecByName returns registered snapshot codec by name.
func codecByName(name string) (SnapshotCodec, error) {
	switch name {
	case "msgpack":
		return MsgpackCodec{}, nil
	case "pickle":
		return PickleCodec{}, nil
	default:
		return nil, fmt.Errorf("opm: unknown snapshot codec %q", name)
	}
}

// ---- field extraction / application ----

// snapshotOf extracts a snapshot of all loaded fields of obj.
func snapshotOf(obj *Persistent) (*Snapshot, error) {
	fields := make(map[string]interface{}, len(obj.class.Fields))
	for _, f := range obj.class.Fields {
		if !obj.loaded.has(f.Pos) {
			continue
		}
		v, err := extractField(obj, f)
		if err != nil {
			return nil, err
		}
		fields[f.Name] = v
	}

	return &Snapshot{
		Class:   obj.class.Name,
		Ident:   obj.ident.String(),
		Version: obj.version,
		Fields:  fields,
	}, nil
}

// extractField converts in-RAM value of field f into snapshot representation.
//
// Relation values become identity text; containers of relations become
// containers of identity text.
func extractField(obj *Persistent, f *Field) (interface{}, error) {
	xf := obj.xval().FieldByIndex(f.sf.Index)
	if !f.Relation {
		return xf.Interface(), nil
	}

	ref2str := func(xv reflect.Value) (string, error) {
		if xv.Kind() == reflect.Ptr && xv.IsNil() {
			return "", nil
		}
		p, ok := xv.Interface().(IPersistent)
		if !ok {
			return "", fmt.Errorf("%s: field %s: %s is not IPersistent", obj.ident, f.Name, xv.Type())
		}
		return p.PBase().ident.String(), nil
	}

	switch xf.Kind() {
	case reflect.Slice, reflect.Array:
		refv := make([]interface{}, xf.Len())
		for i := 0; i < xf.Len(); i++ {
			s, err := ref2str(xf.Index(i))
			if err != nil {
				return nil, err
			}
			refv[i] = s
		}
		return refv, nil

	case reflect.Map:
		refm := make(map[string]interface{}, xf.Len())
		iter := xf.MapRange()
		for iter.Next() {
			// relation maps are keyed by plain values; values are references
			key := fmt.Sprintf("%v", iter.Key().Interface())
			s, err := ref2str(iter.Value())
			if err != nil {
				return nil, err
			}
			refm[key] = s
		}
		return refm, nil

	default:
		return ref2str(xf)
	}
}

// ---- msgpack codec ----

// MsgpackCodec encodes snapshots with msgpack. This is the default codec.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(snap *Snapshot) ([]byte, error) {
	return msgpack.Encode(snap)
}

func (MsgpackCodec) Decode(data []byte) (*Snapshot, error) {
	snap := &Snapshot{}
	err := msgpack.Decode(data, snap)
	if err != nil {
		return nil, fmt.Errorf("opm: snapshot: msgpack decode: %s", err)
	}
	return snap, nil
}

// ---- pickle codec ----

// PickleCodec encodes snapshots as python pickles.
//
// The layout is a dict {class, ident, version, fields}; it is readable by
// python tooling and by `opm cat`.
type PickleCodec struct{}

func (PickleCodec) Name() string { return "pickle" }

func (PickleCodec) Encode(snap *Snapshot) ([]byte, error) {
	fields := make(map[interface{}]interface{}, len(snap.Fields))
	for k, v := range snap.Fields {
		fields[k] = pickleValue(v)
	}

	d := map[interface{}]interface{}{
		"class":   snap.Class,
		"ident":   snap.Ident,
		"version": int64(snap.Version),
		"fields":  fields,
	}

	buf := &bytes.Buffer{}
	err := pickle.NewEncoder(buf).Encode(d)
	if err != nil {
		return nil, fmt.Errorf("opm: snapshot: pickle encode: %s", err)
	}
	return buf.Bytes(), nil
}

// pickleValue converts v into a form og-rek can serialize.
func pickleValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []interface{}:
		t := make([]interface{}, len(x))
		for i, e := range x {
			t[i] = pickleValue(e)
		}
		return t
	case map[string]interface{}:
		m := make(map[interface{}]interface{}, len(x))
		for k, e := range x {
			m[k] = pickleValue(e)
		}
		return m
	case uint64:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return int64(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	default:
		return v
	}
}

func (PickleCodec) Decode(data []byte) (_ *Snapshot, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("opm: snapshot: pickle decode: %s", err)
		}
	}()

	xd, err := pickle.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, err
	}

	d, ok := xd.(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("want dict; got %T", xd)
	}

	snap := &Snapshot{Fields: make(map[string]interface{})}
	if snap.Class, ok = d["class"].(string); !ok {
		return nil, fmt.Errorf("class missing or not a string")
	}
	if snap.Ident, ok = d["ident"].(string); !ok {
		return nil, fmt.Errorf("ident missing or not a string")
	}
	ver, ok := d["version"].(int64)
	if !ok {
		return nil, fmt.Errorf("version missing or not an int")
	}
	snap.Version = uint64(ver)

	fields, ok := d["fields"].(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("fields missing or not a dict")
	}
	for k, v := range fields {
		name, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("field name %v not a string", k)
		}
		snap.Fields[name] = v
	}

	return snap, nil
}
