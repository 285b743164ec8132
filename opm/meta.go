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
// class metadata: registry of persistent classes and their member descriptors.
//
// A class is registered once, usually from init(), with RegisterClass. The
// registry maps class name <-> Go type and keeps per-member descriptors that
// drive field-level load/store, relationship traversal and primary-key
// derivation. Objects of registered classes are instantiated through the
// registry - there is no ad-hoc reflective instantiation elsewhere.

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Field describes one persistent member of a class.
type Field struct {
	Name     string // member name as stored in the datastore
	Pos      int    // position in Class.Fields; used in loaded/dirty bitmaps
	PK       bool   // member is part of the application-assigned primary key
	Relation bool   // member references other persistent object(s)

	sf reflect.StructField // location inside the Go struct
}

// Class describes one registered persistent class.
type Class struct {
	Name      string
	Kind      IdKind // how objects of this class are identified
	Cacheable bool   // whether level-2 cache may hold snapshots of this class
	Abstract  bool   // abstract classes cannot be instantiated

	Fields []*Field

	typ        reflect.Type // struct type embedding Persistent
	pkFields   []*Field
	relFields  []*Field
	base       *Class   // direct base class, if registered with Extends
	subclasses []*Class // direct subclasses
}

// Type returns the Go type registered for the class.
func (c *Class) Type() reflect.Type { return c.typ }

// FieldByName returns member descriptor for name, or nil.
func (c *Class) FieldByName(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// ClassOptions tune RegisterClass.
type ClassOptions struct {
	Kind      IdKind // identity kind; default DatastoreId
	Cacheable bool   // allow level-2 caching of this class
	Abstract  bool   // register for inheritance resolution only
	Extends   string // name of already-registered base class, if any
}

// registry of all persistent classes.
var (
	classMu    sync.RWMutex
	classTab   = make(map[string]*Class)       // name -> class
	typeTab    = make(map[reflect.Type]*Class) // type -> class
)

var ipersistentType = reflect.TypeOf((*IPersistent)(nil)).Elem()

// RegisterClass registers persistent class name to correspond to Go type typ.
//
// typ must be a struct embedding Persistent by value; *typ thus implements
// IPersistent. Persistent members are discovered from exported struct
// fields; a field can be annotated with an `opm:"..."` tag:
//
//	opm:"-"      - not persistent
//	opm:"pk"     - part of the application-assigned primary key
//	opm:"ref"    - references other persistent object(s)
//	opm:"pk,ref" - both
//
// Must be called from global init().
func RegisterClass(name string, typ reflect.Type, opt ClassOptions) *Class {
	if name == "" {
		panic("opm: register class: empty class name")
	}
	if typ.Kind() != reflect.Struct {
		panic(fmt.Sprintf("opm: register class: %q: %s is not a struct", name, typ))
	}
	if !reflect.PtrTo(typ).Implements(ipersistentType) {
		panic(fmt.Sprintf("opm: register class: %q: *%s does not implement IPersistent", name, typ))
	}
	if _, ok := typ.FieldByName("Persistent"); !ok && !opt.Abstract {
		panic(fmt.Sprintf("opm: register class: %q: %s does not embed Persistent", name, typ))
	}

	kind := opt.Kind
	if kind == 0 {
		kind = DatastoreId
	}

	c := &Class{
		Name:      name,
		Kind:      kind,
		Cacheable: opt.Cacheable,
		Abstract:  opt.Abstract,
		typ:       typ,
	}

	pos := 0
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		if sf.Anonymous || sf.PkgPath != "" {
			continue // embedded base / unexported
		}

		tag := sf.Tag.Get("opm")
		if tag == "-" {
			continue
		}

		f := &Field{Name: sf.Name, Pos: pos, sf: sf}
		for _, o := range strings.Split(tag, ",") {
			switch o {
			case "pk":
				f.PK = true
			case "ref":
				f.Relation = true
			case "":
				// no options
			default:
				panic(fmt.Sprintf("opm: register class: %q: field %s: invalid tag option %q", name, sf.Name, o))
			}
		}

		c.Fields = append(c.Fields, f)
		if f.PK {
			c.pkFields = append(c.pkFields, f)
		}
		if f.Relation {
			c.relFields = append(c.relFields, f)
		}
		pos++
	}

	if kind == ApplicationId && len(c.pkFields) == 0 && !opt.Abstract {
		panic(fmt.Sprintf("opm: register class: %q: application identity without pk fields", name))
	}

	classMu.Lock()
	defer classMu.Unlock()

	if _, already := classTab[name]; already {
		panic(fmt.Sprintf("opm: class %q was already registered", name))
	}

	if opt.Extends != "" {
		base, ok := classTab[opt.Extends]
		if !ok {
			panic(fmt.Sprintf("opm: register class: %q: base class %q is not registered", name, opt.Extends))
		}
		c.base = base
		base.subclasses = append(base.subclasses, c)
	}

	classTab[name] = c
	typeTab[typ] = c
	return c
}

// LookupClass returns registered class by name, or nil.
func LookupClass(name string) *Class {
	classMu.RLock()
	defer classMu.RUnlock()
	return classTab[name]
}

// ClassOf returns the class name of a persistent object.
//
// If the object's type was not registered, "" is returned.
func ClassOf(obj IPersistent) string {
	c := classOf(obj)
	if c == nil {
		return ""
	}
	return c.Name
}

func classOf(obj IPersistent) *Class {
	classMu.RLock()
	defer classMu.RUnlock()
	return typeTab[reflect.TypeOf(obj).Elem()]
}

// Subclasses returns all registered classes derived from c, transitively.
func (c *Class) Subclasses() []*Class {
	classMu.RLock()
	defer classMu.RUnlock()

	var all []*Class
	var walk func(*Class)
	walk = func(x *Class) {
		for _, sub := range x.subclasses {
			all = append(all, sub)
			walk(sub)
		}
	}
	walk(c)
	return all
}

// newInstance instantiates a fresh object of class c.
//
// The returned object is in Transient state and not yet owned by any session.
func (c *Class) newInstance() (IPersistent, error) {
	if c.Abstract {
		return nil, fmt.Errorf("class %q is abstract", c.Name)
	}

	xpobj := reflect.New(c.typ)
	obj := xpobj.Interface().(IPersistent)

	base := obj.PBase()
	base.class = c
	base.state = Transient
	base.instance = obj
	return obj, nil
}

// appIdentOf derives the application-assigned identity of obj from its
// primary-key fields.
func (c *Class) appIdentOf(obj IPersistent) Ident {
	xobj := reflect.ValueOf(obj).Elem()
	keyv := make([]interface{}, len(c.pkFields))
	for i, f := range c.pkFields {
		keyv[i] = xobj.FieldByIndex(f.sf.Index).Interface()
	}
	return NewAppIdent(c.Name, keyv...)
}

// resetClassTab drops all registered classes. Tests only.
func resetClassTab() {
	classMu.Lock()
	defer classMu.Unlock()
	classTab = make(map[string]*Class)
	typeTab = make(map[reflect.Type]*Class)
}
