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

package opmtools

import (
	"bytes"
	"context"
	"testing"

	"github.com/kylelemons/godebug/diff"

	"lab.nexedi.com/kirr/opm/go/opm"
	"lab.nexedi.com/kirr/opm/go/opm/storage/memstore"
)

var bg = context.Background()

func seedBack(t *testing.T) *memstore.Backend {
	t.Helper()
	back := memstore.New()
	err := back.Insert(bg, &opm.Rec{
		Ident: opm.NewOidIdent("X", 1),
		Class: "X",
		Fields: map[string]interface{}{
			"b":    "world",
			"a":    "hello",
			"next": "X:d:0000000000000002",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return back
}

func TestCat(t *testing.T) {
	back := seedBack(t)

	buf := &bytes.Buffer{}
	err := Cat(bg, buf, back, opm.NewOidIdent("X", 1))
	if err != nil {
		t.Fatal(err)
	}

	// fields come out sorted by name
	want := "obj X:d:0000000000000001\n" +
		"class X\n" +
		"version 1\n" +
		"a = hello\n" +
		"b = world\n" +
		"next = X:d:0000000000000002\n" +
		"\n"
	if d := diff.Diff(want, buf.String()); d != "" {
		t.Errorf("cat output:\n%s", d)
	}

	// missing object
	err = Cat(bg, buf, back, opm.NewOidIdent("X", 99))
	if !opm.IsNoObject(err) {
		t.Errorf("cat of missing object: %v", err)
	}
}

func TestCatRaw(t *testing.T) {
	back := seedBack(t)

	for _, codec := range []opm.SnapshotCodec{opm.MsgpackCodec{}, opm.PickleCodec{}} {
		buf := &bytes.Buffer{}
		err := CatRaw(bg, buf, back, opm.NewOidIdent("X", 1), codec)
		if err != nil {
			t.Fatalf("%s: %s", codec.Name(), err)
		}

		snap, err := codec.Decode(buf.Bytes())
		if err != nil {
			t.Fatalf("%s: decode dumped data: %s", codec.Name(), err)
		}
		if snap.Class != "X" || snap.Ident != "X:d:0000000000000001" || snap.Version != 1 {
			t.Errorf("%s: header: %q %q %d", codec.Name(), snap.Class, snap.Ident, snap.Version)
		}
		if snap.Fields["a"] != "hello" {
			t.Errorf("%s: field a: %v", codec.Name(), snap.Fields["a"])
		}
	}
}

func TestInfo(t *testing.T) {
	back := memstore.New()

	buf := &bytes.Buffer{}
	err := Info(bg, buf, back, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := "name=mem://\n" +
		"find=true\n" +
		"alloc-oid=true\n" +
		"tx=true\n"
	if d := diff.Diff(want, buf.String()); d != "" {
		t.Errorf("info output:\n%s", d)
	}

	// single named parameter - value only
	buf.Reset()
	err = Info(bg, buf, back, []string{"find"})
	if err != nil {
		t.Fatal(err)
	}
	if buf.String() != "true\n" {
		t.Errorf("info find: %q", buf.String())
	}

	// unknown parameter
	err = Info(bg, buf, back, []string{"bogus"})
	if err == nil {
		t.Error("info with invalid parameter: no error")
	}
}
