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
// reachability at commit.
//
// Flush makes transient objects persistent when a flushed object references
// them (see flushPass). Those objects are provisional: if by commit time they
// are no longer reachable from any non-provisional persistent object - the
// reference was reassigned or cleared - they must not survive the
// transaction.
//
// The sweep runs in two batched phases over the orphans: first every orphan's
// own relations are nullified and the updates flushed, then the orphan
// records are deleted. Nullify-all-before-delete-all means deletion order
// cannot matter even when orphans reference each other. An orphan already
// gone from the datastore is skipped silently.

import (
	"context"
	"sort"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/opm/go/internal/task"
)

// runReachability deletes provisional objects that are not reachable from a
// non-provisional persistent object.
func (s *Session) runReachability(ctx context.Context) (err error) {
	if !s.opt.reachability {
		return nil
	}
	if len(s.provisional) == 0 {
		return nil
	}

	defer task.Running(&ctx, "reachability sweep")(&err)

	// roots: every managed persistent object that is neither provisional
	// nor deleted
	reached := make(map[Ident]bool)
	var queue []*Persistent
	s.cache.forEach(func(obj *Persistent) {
		if !obj.state.IsPersistent() || obj.state.IsDeleted() {
			return
		}
		if _, prov := s.provisional[obj.ident]; prov {
			return
		}
		reached[obj.ident] = true
		queue = append(queue, obj)
	})

	for i := 0; i < len(queue); i++ {
		for _, ref := range queue[i].relationObjects() {
			rbase := ref.PBase()
			if rbase.jar != s || reached[rbase.ident] {
				continue
			}
			reached[rbase.ident] = true
			queue = append(queue, rbase)
		}
	}

	var orphanv []*Persistent
	for ident, obj := range s.provisional {
		if !reached[ident] {
			orphanv = append(orphanv, obj)
		}
	}
	if len(orphanv) == 0 {
		return nil
	}
	sort.Slice(orphanv, func(i, j int) bool {
		return orphanv[i].ident.String() < orphanv[j].ident.String()
	})

	// phase 1: cut references between orphans, so that the deletes below
	// cannot trip referential constraints in the datastore
	for _, obj := range orphanv {
		changed := obj.nullifyRelations()
		if len(changed) == 0 {
			continue
		}
		if err := s.markDirty(ctx, obj, false, changed...); err != nil {
			return err
		}
	}
	if err := s.flushInternal(ctx); err != nil {
		return err
	}

	// phase 2: delete the orphans
	errv := xerr.Errorv{}
	s.backend.BatchBegin(BatchDelete)
	for _, obj := range orphanv {
		err := s.backend.Delete(ctx, obj.ident, obj.version)
		if err != nil && !IsNoObject(err) {
			errv.Appendif(err)
			continue
		}
		obj.state = PersistentNewDel
		obj.dirtyf.reset()
		delete(s.written, obj.ident)
		delete(s.provisional, obj.ident)
		s.deleted[obj.ident] = true
	}
	errv.Appendif(s.backend.BatchEnd(BatchDelete))
	return errv.Err()
}
