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

package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/opm/go/opm"
)

var bg = context.Background()

func mkRec(oid opm.Oid, fields map[string]interface{}) *opm.Rec {
	return &opm.Rec{
		Ident:  opm.NewOidIdent("X", oid),
		Class:  "X",
		Fields: fields,
	}
}

func TestCRUD(t *testing.T) {
	b := New()
	ident := opm.NewOidIdent("X", 1)

	// insert assigns version 1
	rec := mkRec(1, map[string]interface{}{"a": "hello", "n": 3})
	require.NoError(t, b.Insert(bg, rec))
	require.Equal(t, uint64(1), rec.Version)
	require.Equal(t, 1, b.Len())

	// duplicate insert conflicts
	err := b.Insert(bg, mkRec(1, nil))
	require.True(t, opm.IsConflict(err), "err: %v", err)

	// fetch all fields
	got, err := b.Fetch(bg, ident, nil)
	require.NoError(t, err)
	require.Equal(t, "X", got.Class)
	require.Equal(t, uint64(1), got.Version)
	require.Equal(t, "hello", got.Fields["a"])
	require.Equal(t, 3, got.Fields["n"])

	// fetch a subset
	got, err = b.Fetch(bg, ident, []string{"a"})
	require.NoError(t, err)
	require.Equal(t, "hello", got.Fields["a"])
	_, ok := got.Fields["n"]
	require.False(t, ok, "unrequested field returned")

	// update merges named fields and bumps the version
	upd := &opm.Rec{Ident: ident, Version: 1, Fields: map[string]interface{}{"a": "world"}}
	require.NoError(t, b.Update(bg, upd, []string{"a"}))
	require.Equal(t, uint64(2), upd.Version)

	got, err = b.Fetch(bg, ident, nil)
	require.NoError(t, err)
	require.Equal(t, "world", got.Fields["a"])
	require.Equal(t, 3, got.Fields["n"])

	// stale update conflicts
	stale := &opm.Rec{Ident: ident, Version: 1, Fields: map[string]interface{}{"a": "zzz"}}
	err = b.Update(bg, stale, []string{"a"})
	require.True(t, opm.IsConflict(err), "err: %v", err)

	// stale delete conflicts too; current delete succeeds
	err = b.Delete(bg, ident, 1)
	require.True(t, opm.IsConflict(err), "err: %v", err)
	require.NoError(t, b.Delete(bg, ident, 2))
	require.Equal(t, 0, b.Len())

	// everything on a missing record is *NoObjectError
	_, err = b.Fetch(bg, ident, nil)
	require.True(t, opm.IsNoObject(err), "err: %v", err)
	err = b.Update(bg, upd, []string{"a"})
	require.True(t, opm.IsNoObject(err), "err: %v", err)
	err = b.Delete(bg, ident, 2)
	require.True(t, opm.IsNoObject(err), "err: %v", err)
}

func TestFindLocate(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert(bg, mkRec(1, map[string]interface{}{"a": "v"})))

	ident := opm.NewOidIdent("X", 1)
	missing := opm.NewOidIdent("X", 2)

	rec, err := b.Find(bg, ident)
	require.NoError(t, err)
	require.Equal(t, "v", rec.Fields["a"])

	_, err = b.Find(bg, missing)
	require.True(t, opm.IsNoObject(err), "err: %v", err)

	res, err := b.Locate(bg, ident)
	require.NoError(t, err)
	require.Equal(t, opm.LocateFound, res)
	res, err = b.Locate(bg, missing)
	require.NoError(t, err)
	require.Equal(t, opm.LocateMissing, res)

	resv, err := b.LocateMany(bg, []opm.Ident{missing, ident})
	require.NoError(t, err)
	require.Equal(t, []opm.LocateResult{opm.LocateMissing, opm.LocateFound}, resv)
}

func TestAllocateOid(t *testing.T) {
	b := New()
	for i := 1; i <= 3; i++ {
		oid, err := b.AllocateOid(bg)
		require.NoError(t, err)
		require.Equal(t, opm.Oid(i), oid)
	}
}

func TestTxOverlay(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert(bg, mkRec(1, map[string]interface{}{"a": "keep"})))
	require.NoError(t, b.Insert(bg, mkRec(2, map[string]interface{}{"a": "del"})))

	i1 := opm.NewOidIdent("X", 1)
	i2 := opm.NewOidIdent("X", 2)
	i3 := opm.NewOidIdent("X", 3)

	require.NoError(t, b.BeginTx(bg))
	require.Error(t, b.BeginTx(bg)) // nested

	// stage update, delete and insert
	upd := &opm.Rec{Ident: i1, Version: 1, Fields: map[string]interface{}{"a": "keep2"}}
	require.NoError(t, b.Update(bg, upd, []string{"a"}))
	require.NoError(t, b.Delete(bg, i2, 1))
	require.NoError(t, b.Insert(bg, mkRec(3, map[string]interface{}{"a": "new"})))

	// reads see the staged state ...
	rec, err := b.Fetch(bg, i1, nil)
	require.NoError(t, err)
	require.Equal(t, "keep2", rec.Fields["a"])
	_, err = b.Fetch(bg, i2, nil)
	require.True(t, opm.IsNoObject(err), "err: %v", err)

	// ... but nothing is durable before commit
	require.Equal(t, 2, b.Len())

	require.NoError(t, b.CommitTx(bg))
	require.Equal(t, 2, b.Len()) // -1 deleted +1 inserted

	rec, err = b.Fetch(bg, i1, nil)
	require.NoError(t, err)
	require.Equal(t, "keep2", rec.Fields["a"])
	require.Equal(t, uint64(2), rec.Version)
	_, err = b.Fetch(bg, i2, nil)
	require.True(t, opm.IsNoObject(err), "err: %v", err)
	rec, err = b.Fetch(bg, i3, nil)
	require.NoError(t, err)
	require.Equal(t, "new", rec.Fields["a"])

	require.Error(t, b.CommitTx(bg)) // no transaction anymore
}

func TestTxAbort(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert(bg, mkRec(1, map[string]interface{}{"a": "v"})))
	i1 := opm.NewOidIdent("X", 1)

	require.NoError(t, b.BeginTx(bg))
	require.NoError(t, b.Delete(bg, i1, 1))
	require.NoError(t, b.Insert(bg, mkRec(2, nil)))
	require.NoError(t, b.AbortTx(bg))

	rec, err := b.Fetch(bg, i1, nil)
	require.NoError(t, err)
	require.Equal(t, "v", rec.Fields["a"])
	require.Equal(t, 1, b.Len())

	// abort with no transaction open is a no-op
	require.NoError(t, b.AbortTx(bg))
}

func TestStats(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert(bg, mkRec(1, nil)))
	ident := opm.NewOidIdent("X", 1)

	b.Update(bg, &opm.Rec{Ident: ident, Version: 1, Fields: map[string]interface{}{}}, nil)
	b.Fetch(bg, ident, nil)
	b.Find(bg, ident)
	b.Locate(bg, ident)
	b.Delete(bg, ident, 2)

	st := b.Stats()
	want := Stats{Inserts: 1, Updates: 1, Deletes: 1, Fetches: 1, Finds: 1, Locates: 1}
	require.Equal(t, want, st)
}

func TestNoAliasing(t *testing.T) {
	b := New()
	fields := map[string]interface{}{
		"list": []interface{}{"a", "b"},
		"dict": map[string]interface{}{"k": "v"},
		"blob": []byte("xy"),
	}
	require.NoError(t, b.Insert(bg, mkRec(1, fields)))
	ident := opm.NewOidIdent("X", 1)

	// mutating the inserted containers must not reach the store
	fields["list"].([]interface{})[0] = "MUT"
	fields["dict"].(map[string]interface{})["k"] = "MUT"
	fields["blob"].([]byte)[0] = 'M'

	rec, err := b.Fetch(bg, ident, nil)
	require.NoError(t, err)
	require.Equal(t, "a", rec.Fields["list"].([]interface{})[0])
	require.Equal(t, "v", rec.Fields["dict"].(map[string]interface{})["k"])
	require.Equal(t, byte('x'), rec.Fields["blob"].([]byte)[0])

	// and neither must mutating a fetched record
	rec.Fields["list"].([]interface{})[1] = "MUT"
	rec2, err := b.Fetch(bg, ident, nil)
	require.NoError(t, err)
	require.Equal(t, "b", rec2.Fields["list"].([]interface{})[1])
}

func TestOpenURL(t *testing.T) {
	b1, err := opm.OpenBackend(bg, "mem://store-test")
	require.NoError(t, err)
	require.Equal(t, "mem://store-test", b1.URL())

	// same name - same store
	require.NoError(t, b1.(*Backend).Insert(bg, mkRec(1, nil)))
	b2, err := opm.OpenBackend(bg, "mem://store-test")
	require.NoError(t, err)
	require.Equal(t, 1, b2.(*Backend).Len())

	// empty name - private store
	b3, err := opm.OpenBackend(bg, "mem://")
	require.NoError(t, err)
	require.Equal(t, 0, b3.(*Backend).Len())
}
