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

// in-package test fixtures: test classes and a scripted backend.

import (
	"context"
	"fmt"
	"reflect"
	"testing"
)

var bg = context.Background()

// tObj is a plain persistent class with a single reference.
type tObj struct {
	Persistent

	Text string
	N    int
	Next *tObj  `opm:"ref"`
	Temp string `opm:"-"`
}

// tKeyed is a class with application-assigned identity.
type tKeyed struct {
	Persistent

	Code  string `opm:"pk"`
	Title string
}

// tList is a class with a mutable non-relation container field.
type tList struct {
	Persistent

	Items []interface{}
}

func init() {
	RegisterClass("tObj", reflect.TypeOf(tObj{}), ClassOptions{Cacheable: true})
	RegisterClass("tKeyed", reflect.TypeOf(tKeyed{}), ClassOptions{Kind: ApplicationId})
	RegisterClass("tList", reflect.TypeOf(tList{}), ClassOptions{})
}

// tBack is a scripted in-test backend.
//
// It records every operation in .log and can be told to fail particular
// identities, which is how flush error handling is exercised without a real
// datastore misbehaving on cue.
type tBack struct {
	recs    map[Ident]*Rec
	nextOid Oid
	log     []string

	insertErr map[Ident]error
	updateErr map[Ident]error
}

var _ Backend = (*tBack)(nil)
var _ OidAllocator = (*tBack)(nil)

func newTBack() *tBack {
	return &tBack{
		recs:      make(map[Ident]*Rec),
		insertErr: make(map[Ident]error),
		updateErr: make(map[Ident]error),
	}
}

func (b *tBack) logf(format string, argv ...interface{}) {
	b.log = append(b.log, fmt.Sprintf(format, argv...))
}

func (b *tBack) URL() string { return "test://" }

func (b *tBack) Insert(ctx context.Context, rec *Rec) error {
	b.logf("insert %s", rec.Ident)
	if err := b.insertErr[rec.Ident]; err != nil {
		return err
	}
	if _, ok := b.recs[rec.Ident]; ok {
		return &ConflictError{Ident: rec.Ident, Have: b.recs[rec.Ident].Version}
	}
	rec.Version = 1
	stored := *rec
	b.recs[rec.Ident] = &stored
	return nil
}

func (b *tBack) Update(ctx context.Context, rec *Rec, fields []string) error {
	b.logf("update %s %v", rec.Ident, fields)
	if err := b.updateErr[rec.Ident]; err != nil {
		return err
	}
	old, ok := b.recs[rec.Ident]
	if !ok {
		return &NoObjectError{Ident: rec.Ident}
	}
	if old.Version != rec.Version {
		return &ConflictError{Ident: rec.Ident, Have: old.Version, Want: rec.Version}
	}
	for _, name := range fields {
		old.Fields[name] = rec.Fields[name]
	}
	old.Version++
	rec.Version = old.Version
	return nil
}

func (b *tBack) Delete(ctx context.Context, ident Ident, version uint64) error {
	b.logf("delete %s", ident)
	old, ok := b.recs[ident]
	if !ok {
		return &NoObjectError{Ident: ident}
	}
	if old.Version != version {
		return &ConflictError{Ident: ident, Have: old.Version, Want: version}
	}
	delete(b.recs, ident)
	return nil
}

func (b *tBack) Fetch(ctx context.Context, ident Ident, fields []string) (*Rec, error) {
	b.logf("fetch %s", ident)
	rec, ok := b.recs[ident]
	if !ok {
		return nil, &NoObjectError{Ident: ident}
	}
	out := &Rec{Ident: ident, Class: rec.Class, Version: rec.Version, Fields: map[string]interface{}{}}
	if fields == nil {
		for name, v := range rec.Fields {
			out.Fields[name] = v
		}
	} else {
		for _, name := range fields {
			if v, ok := rec.Fields[name]; ok {
				out.Fields[name] = v
			}
		}
	}
	return out, nil
}

func (b *tBack) Locate(ctx context.Context, ident Ident) (LocateResult, error) {
	b.logf("locate %s", ident)
	if _, ok := b.recs[ident]; ok {
		return LocateFound, nil
	}
	return LocateMissing, nil
}

func (b *tBack) LocateMany(ctx context.Context, identv []Ident) ([]LocateResult, error) {
	resv := make([]LocateResult, len(identv))
	for i, ident := range identv {
		if _, ok := b.recs[ident]; ok {
			resv[i] = LocateFound
		}
	}
	return resv, nil
}

func (b *tBack) AllocateOid(ctx context.Context) (Oid, error) {
	b.nextOid++
	return b.nextOid, nil
}

func (b *tBack) BatchBegin(op BatchOp)     { b.logf("batch+ %s", op) }
func (b *tBack) BatchEnd(op BatchOp) error { b.logf("batch- %s", op); return nil }
func (b *tBack) Close() error              { return nil }

// tSession creates a session over a fresh scripted backend.
func tSession(t *testing.T, props map[string]interface{}) (*Session, *tBack) {
	t.Helper()
	back := newTBack()
	s, err := NewSessionWith(back, &SessionOptions{Properties: props})
	if err != nil {
		t.Fatal(err)
	}
	return s, back
}

// tSeed stores a tObj record directly in the backend and returns its identity.
func (b *tBack) seedObj(oid Oid, text string, n int, next string) Ident {
	ident := NewOidIdent("tObj", oid)
	b.recs[ident] = &Rec{
		Ident:   ident,
		Class:   "tObj",
		Version: 1,
		Fields:  map[string]interface{}{"Text": text, "N": n, "Next": next},
	}
	if oid > b.nextOid {
		b.nextOid = oid
	}
	return ident
}
