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
// Session - the object manager.

import (
	"context"
	"reflect"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/opm/go/internal/log"
	"lab.nexedi.com/kirr/opm/go/transaction"
)

// Session manages in-RAM representatives of datastore objects.
//
// Within one session there is at most one in-RAM object per identity: looking
// an object up twice, or reaching it twice over different reference paths,
// yields the same pointer. The session tracks which objects were changed and
// flushes the changes to its Backend - either on demand (Flush), or when the
// configuration asks for it, or at transaction commit.
//
// A session joins the transaction carried by ctx (see package transaction)
// on its first write; from then on the changes are committed or rolled back
// with that transaction. Without a transaction writes complete at flush.
//
// By default a session must be used from one goroutine only; set
// PropMultithreaded to serialize object-level operations internally.
type Session struct {
	backend Backend
	ownBack bool // whether Close closes the backend
	l2      *L2Cache

	opt *options

	mu sync.Mutex // used only when opt.multithreaded

	cache *l1Cache // level-1: identity -> live object

	// current transaction enlistment
	txn     transaction.Transaction
	txBegun bool // TxBackend.BeginTx was issued

	dirty         *opSet // changed directly by the user
	indirectDirty *opSet // changed as a side effect

	// per-transaction bookkeeping
	persisted   map[Ident]bool        // explicitly persisted
	deleted     map[Ident]bool        // deletion requested
	provisional map[Ident]*Persistent // persisted by reachability only
	written     map[Ident]*Persistent // inserted/updated in the datastore
	enlisted    map[Ident]bool        // identities that participated in the transaction
	txPinned    map[*Persistent]bool  // pinned in level-1 until transaction end

	op     opState
	closed bool
}

// SessionOptions tune NewSession.
type SessionOptions struct {
	// L2 is the shared snapshot cache to use; nil - no level-2 caching.
	L2 *L2Cache

	// Properties are initial session properties; see Prop* constants.
	Properties map[string]interface{}
}

// NewSession opens a backend by URL and creates a session on top of it.
//
// The returned session owns the backend: Close closes it.
func NewSession(ctx context.Context, backendURL string, opt *SessionOptions) (*Session, error) {
	backend, err := OpenBackend(ctx, backendURL)
	if err != nil {
		return nil, err
	}
	s, err := NewSessionWith(backend, opt)
	if err != nil {
		backend.Close()
		return nil, err
	}
	s.ownBack = true
	return s, nil
}

// NewSessionWith creates a session on top of an already-open backend.
//
// The backend stays open after the session is closed.
func NewSessionWith(backend Backend, opt *SessionOptions) (*Session, error) {
	s := &Session{
		backend: backend,
		opt:     defaultOptions(),
	}
	if opt != nil {
		s.l2 = opt.L2
		for name, value := range opt.Properties {
			if err := s.opt.set(name, value); err != nil {
				return nil, err
			}
		}
	}

	s.cache = newL1Cache(s.opt.l1SizeMax)
	s.clearTxState()
	return s, nil
}

// Backend returns the backend the session works on top of.
func (s *Session) Backend() Backend { return s.backend }

// L2 returns the shared snapshot cache the session uses, or nil.
func (s *Session) L2() *L2Cache { return s.l2 }

// L1Stats returns statistics of the session's level-1 cache.
func (s *Session) L1Stats() CacheStats { return s.cache.stats() }

// SetProperty changes one session property; see Prop* constants.
func (s *Session) SetProperty(name string, value interface{}) error {
	unlock := s.lockBulk()
	defer unlock()

	err := s.opt.set(name, value)
	if err != nil {
		return err
	}
	if name == PropL1SizeMax {
		s.cache.sizeMax = s.opt.l1SizeMax
		s.cache.gc()
	}
	return nil
}

// GetProperty returns current value of one session property.
func (s *Session) GetProperty(name string) (interface{}, error) {
	unlock := s.lockBulk()
	defer unlock()
	return s.opt.get(name)
}

// lockBulk serializes object-level operations when the session is configured
// for multithreaded use.
func (s *Session) lockBulk() func() {
	if !s.opt.multithreaded {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// opErr wraps err into OpError with backend/operation details.
func (s *Session) opErr(op string, args interface{}, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{URL: s.backend.URL(), Op: op, Args: args, Err: err}
}

// ---- lookup ----

// Get returns the object for ident.
//
// If the object is already managed the very same in-RAM object is returned -
// no datastore access happens. Otherwise existence is verified with the
// backend and a managed object is established: fully loaded if the backend
// can materialize records directly, hollow otherwise.
//
// For an abstract class Get resolves which concrete subclass the identity
// belongs to.
//
// Absence is reported as *NoObjectError.
func (s *Session) Get(ctx context.Context, ident Ident) (IPersistent, error) {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("get")
	if err != nil {
		return nil, s.opErr("get", ident, err)
	}
	defer release()

	obj, _, err := s.get(ctx, ident)
	if err != nil {
		return nil, s.opErr("get", ident, err)
	}
	return obj, nil
}

// GetAll is Get for several identities at once.
func (s *Session) GetAll(ctx context.Context, identv ...Ident) ([]IPersistent, error) {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("get")
	if err != nil {
		return nil, s.opErr("get", identv, err)
	}
	defer release()

	objv := make([]IPersistent, len(identv))
	for i, ident := range identv {
		obj, _, err := s.get(ctx, ident)
		if err != nil {
			return nil, s.opErr("get", ident, err)
		}
		objv[i] = obj
	}
	return objv, nil
}

// GetValidated is Get that additionally verifies the object still exists in
// the datastore.
//
// An object served from the level-1 cache may have been deleted behind the
// session's back; GetValidated re-checks with the backend unless existence
// was established by this very lookup. Transactional objects are
// authoritative and are never re-validated. On not-found the object is
// evicted and *NoObjectError is returned.
func (s *Session) GetValidated(ctx context.Context, ident Ident) (IPersistent, error) {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("get")
	if err != nil {
		return nil, s.opErr("get", ident, err)
	}
	defer release()

	obj, fresh, err := s.get(ctx, ident)
	if err != nil {
		return nil, s.opErr("get", ident, err)
	}
	base := obj.PBase()
	if !fresh && !base.state.IsTransactional() {
		if err := base.validate(ctx); err != nil {
			return nil, s.opErr("get", ident, err)
		}
	}
	return obj, nil
}

// get implements the lookup pipeline.
//
// fresh=true tells that object existence was verified with the backend during
// this very call, so an immediate re-validation would be redundant.
func (s *Session) get(ctx context.Context, ident Ident) (_ IPersistent, fresh bool, _ error) {
	if !ident.Valid() {
		return nil, false, userErrorf("get", "invalid identity %v", ident)
	}

	// level-1 first: this is what keeps 1 identity <-> 1 object
	if obj := s.cache.get(ident); obj != nil {
		if transaction.Running(ctx) != nil {
			s.makeTx(obj)
		}
		return obj.instance, false, nil
	}

	// only the level-1 table can know session-local objects
	if !ident.Durable() {
		return nil, false, &NoObjectError{Ident: ident}
	}

	class := LookupClass(ident.Class)
	if class == nil {
		return nil, false, userErrorf("get", "class %q is not registered", ident.Class)
	}

	if class.Abstract {
		resolved, err := s.resolveConcrete(ctx, class, ident)
		if err != nil {
			return nil, false, err
		}
		ident = resolved.ident
		class = resolved.class

		// resolution itself may have hit an already-managed object
		if obj := s.cache.get(ident); obj != nil {
			if transaction.Running(ctx) != nil {
				s.makeTx(obj)
			}
			return obj.instance, false, nil
		}
	}

	var base *Persistent
	if fr, ok := s.backend.(Finder); ok && !class.Abstract {
		// backend can materialize the record in one go
		rec, err := fr.Find(ctx, ident)
		if err != nil {
			return nil, false, err
		}
		base, err = s.newHollow(class, ident)
		if err != nil {
			return nil, false, err
		}
		// register the hollow object before applying fields: the record
		// may refer back to the identity being loaded, and such a
		// reference must resolve to this very object
		s.cache.set(base)
		err = s.applyRec(base, rec)
		if err != nil {
			s.cache.del(base)
			base.jar = nil
			return nil, false, err
		}
	} else {
		// existence probe + hollow object; data is loaded on activation
		res, err := s.backend.Locate(ctx, ident)
		if err != nil {
			return nil, false, err
		}
		if res == LocateMissing {
			return nil, false, &NoObjectError{Ident: ident}
		}
		base, err = s.newHollow(class, ident)
		if err != nil {
			return nil, false, err
		}
		s.cache.set(base)
	}

	if transaction.Running(ctx) != nil {
		s.makeTx(base)
	}
	return base.instance, true, nil
}

// classIdent pairs a concrete class with the identity resolved for it.
type classIdent struct {
	class *Class
	ident Ident
}

// resolveConcrete finds which concrete subclass of abstract class the
// identity key belongs to.
//
// Level-1 and level-2 caches are probed first; only if neither knows the key
// the backend is asked, with one batched locate over all candidates.
func (s *Session) resolveConcrete(ctx context.Context, abstract *Class, ident Ident) (classIdent, error) {
	var candidatev []classIdent
	for _, sub := range abstract.Subclasses() {
		if sub.Abstract {
			continue
		}
		candidatev = append(candidatev, classIdent{
			class: sub,
			ident: Ident{Class: sub.Name, Kind: ident.Kind, Key: ident.Key},
		})
	}
	if len(candidatev) == 0 {
		return classIdent{}, userErrorf("get", "abstract class %q has no concrete subclasses", abstract.Name)
	}

	for _, c := range candidatev {
		if s.cache.peek(c.ident) != nil {
			return c, nil
		}
	}
	if s.l2 != nil {
		for _, c := range candidatev {
			if s.l2.Contains(c.ident) {
				return c, nil
			}
		}
	}

	identv := make([]Ident, len(candidatev))
	for i, c := range candidatev {
		identv[i] = c.ident
	}
	resv, err := s.backend.LocateMany(ctx, identv)
	if err != nil {
		return classIdent{}, err
	}
	for i, res := range resv {
		if res == LocateFound {
			return candidatev[i], nil
		}
	}
	return classIdent{}, &NoObjectError{Ident: ident}
}

// newHollow creates a fresh managed hollow object of class under ident.
func (s *Session) newHollow(class *Class, ident Ident) (*Persistent, error) {
	xobj, err := class.newInstance()
	if err != nil {
		return nil, err
	}
	base, err := s.manage(xobj)
	if err != nil {
		return nil, err
	}
	base.ident = ident
	base.jar = s
	base.state = Hollow
	return base, nil
}

// manage makes sure base bookkeeping of xobj is initialized.
func (s *Session) manage(xobj IPersistent) (*Persistent, error) {
	base := xobj.PBase()
	if base.class == nil {
		class := classOf(xobj)
		if class == nil {
			return nil, userErrorf("manage", "%T: type is not registered", xobj)
		}
		base.class = class
		base.instance = xobj
	}
	if base.loaded == nil {
		n := len(base.class.Fields)
		base.loaded = newBitmap(n)
		base.dirtyf = newBitmap(n)
	}
	return base, nil
}

// ---- persist / delete ----

// Persist makes obj persistent.
//
// A transient object gets an identity - derived from primary-key fields,
// assigned by the backend, or synthesized, depending on its class - and is
// scheduled for insertion. Persist of an already-persistent object is a
// no-op; persist of a deleted object is rejected unless PropRepersistDeleted
// allows it.
func (s *Session) Persist(ctx context.Context, xobj IPersistent) error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("persist")
	if err != nil {
		return s.opErr("persist", nil, err)
	}
	defer release()

	return s.opErr("persist", nil, s.persist(ctx, xobj))
}

// PersistAll is Persist for several objects at once.
func (s *Session) PersistAll(ctx context.Context, objv ...IPersistent) error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("persist")
	if err != nil {
		return s.opErr("persist", nil, err)
	}
	defer release()

	for _, xobj := range objv {
		if err := s.persist(ctx, xobj); err != nil {
			return s.opErr("persist", nil, err)
		}
	}
	return nil
}

func (s *Session) persist(ctx context.Context, xobj IPersistent) error {
	base, err := s.manage(xobj)
	if err != nil {
		return err
	}
	if base.jar != nil && base.jar != s {
		return userErrorf("persist", "%s: object is managed by different session", base.ident)
	}

	if base.state.IsDeleted() {
		if !s.opt.repersistDeleted {
			return userErrorf("persist", "%s: object is deleted; set %s to allow re-persist", base.ident, PropRepersistDeleted)
		}
		switch base.state {
		case PersistentDel:
			base.state = PersistentDirty
		case PersistentNewDel:
			base.state = PersistentNew
		}
		delete(s.deleted, base.ident)
		s.persisted[base.ident] = true
		delete(s.provisional, base.ident)
		return s.markDirty(ctx, base, true)
	}

	if base.state.IsPersistent() {
		// already persistent - but an explicit persist promotes a
		// provisional object into a reachability root
		s.persisted[base.ident] = true
		delete(s.provisional, base.ident)
		return nil
	}

	ident, err := s.newIdentity(ctx, base)
	if err != nil {
		return err
	}
	if base.class.Kind == ApplicationId && s.cache.peek(ident) != nil {
		return userErrorf("persist", "%s: identity is already managed by another object", ident)
	}

	base.ident = ident
	base.jar = s
	if err := base.transition("persist", evPersist); err != nil {
		return err
	}
	for _, f := range base.class.Fields {
		base.loaded.set(f.Pos)
	}

	s.cache.set(base)
	s.persisted[base.ident] = true
	return s.markDirty(ctx, base, true)
}

// newIdentity assigns identity for a to-be-persistent object.
func (s *Session) newIdentity(ctx context.Context, base *Persistent) (Ident, error) {
	switch base.class.Kind {
	case ApplicationId:
		return base.class.appIdentOf(base.instance), nil

	case DatastoreId:
		alloc, ok := s.backend.(OidAllocator)
		if !ok {
			return Ident{}, &FatalError{Err: userErrorf("persist", "backend %s cannot allocate datastore identity", s.backend.URL())}
		}
		oid, err := alloc.AllocateOid(ctx)
		if err != nil {
			return Ident{}, err
		}
		return NewOidIdent(base.class.Name, oid), nil

	case NonDurableId:
		return NewNonDurableIdent(base.class.Name), nil
	}

	return Ident{}, userErrorf("persist", "class %q: invalid identity kind", base.class.Name)
}

// Delete requests deletion of obj.
//
// The object stays managed until transaction end; the datastore record is
// removed at the next flush. Deleting an object that was made persistent in
// the same transaction and never flushed does not touch the datastore at all.
func (s *Session) Delete(ctx context.Context, xobj IPersistent) error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("delete")
	if err != nil {
		return s.opErr("delete", nil, err)
	}
	defer release()

	return s.opErr("delete", nil, s.delete(ctx, xobj))
}

// DeleteAll is Delete for several objects at once.
func (s *Session) DeleteAll(ctx context.Context, objv ...IPersistent) error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("delete")
	if err != nil {
		return s.opErr("delete", nil, err)
	}
	defer release()

	for _, xobj := range objv {
		if err := s.delete(ctx, xobj); err != nil {
			return s.opErr("delete", nil, err)
		}
	}
	return nil
}

func (s *Session) delete(ctx context.Context, xobj IPersistent) error {
	base := xobj.PBase()
	if base.jar != s {
		return userErrorf("delete", "object is not managed by this session")
	}

	if txn := transaction.Running(ctx); txn != nil {
		if err := s.joinTxn(txn); err != nil {
			return err
		}
	}

	if err := base.transition("delete", evDelete); err != nil {
		return err
	}

	s.deleted[base.ident] = true
	delete(s.persisted, base.ident)

	s.pinTx(base)
	s.enlist(base)

	if base.state == PersistentNewDel {
		if _, wasWritten := s.written[base.ident]; !wasWritten {
			// never flushed - nothing for the datastore to do
			s.dirty.del(base)
			s.indirectDirty.del(base)
			base.dirtyf.reset()
			delete(s.provisional, base.ident)
			return nil
		}
	}

	s.indirectDirty.del(base)
	s.dirty.add(base)
	return s.maybeAutoFlush(ctx)
}

// ---- refresh / evict ----

// Refresh reloads obj from the datastore, discarding unflushed changes.
func (s *Session) Refresh(ctx context.Context, xobj IPersistent) error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("refresh")
	if err != nil {
		return s.opErr("refresh", nil, err)
	}
	defer release()

	return s.opErr("refresh", xobj.PBase().ident, s.refresh(ctx, xobj.PBase()))
}

// RefreshAll reloads every managed object whose state permits it.
func (s *Session) RefreshAll(ctx context.Context) error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("refresh")
	if err != nil {
		return s.opErr("refresh", nil, err)
	}
	defer release()

	var objv []*Persistent
	s.cache.forEach(func(obj *Persistent) {
		switch obj.state {
		case PersistentClean, PersistentDirty, PersistentNontx:
			objv = append(objv, obj)
		}
	})
	for _, obj := range objv {
		if err := s.refresh(ctx, obj); err != nil {
			return s.opErr("refresh", obj.ident, err)
		}
	}
	return nil
}

func (s *Session) refresh(ctx context.Context, base *Persistent) (err error) {
	defer xerr.Contextf(&err, "%s: refresh", base.ident)

	if base.jar != s {
		return userErrorf("refresh", "object is not managed by this session")
	}
	if !base.ident.Durable() {
		return userErrorf("refresh", "object has no datastore representation")
	}

	if err := base.transition("refresh", evRefresh); err != nil {
		return err
	}

	base.dropState()
	s.dirty.del(base)
	s.indirectDirty.del(base)

	// refresh always bypasses the level-2 cache: the point is current data
	rec, err := s.backend.Fetch(ctx, base.ident, nil)
	if err != nil {
		if IsNoObject(err) {
			s.cache.del(base)
			base.jar = nil
		}
		return err
	}
	base.state = Hollow
	if err := s.applyRec(base, rec); err != nil {
		return err
	}
	s.demoteNontx(base)
	return nil
}

// Evict drops in-RAM data of obj and disconnects it from the session.
func (s *Session) Evict(xobj IPersistent) error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("evict")
	if err != nil {
		return s.opErr("evict", nil, err)
	}
	defer release()

	base := xobj.PBase()
	if base.jar != s {
		return s.opErr("evict", base.ident, userErrorf("evict", "object is not managed by this session"))
	}
	if err := base.transition("evict", evEvict); err != nil {
		return s.opErr("evict", base.ident, err)
	}

	base.dropState()
	base.state = Hollow
	s.cache.del(base)
	base.jar = nil
	return nil
}

// EvictAll drops every managed object whose state permits eviction.
func (s *Session) EvictAll() error {
	unlock := s.lockBulk()
	defer unlock()

	release, err := s.enterOp("evict")
	if err != nil {
		return s.opErr("evict", nil, err)
	}
	defer release()

	var objv []*Persistent
	s.cache.forEach(func(obj *Persistent) {
		if obj.state.evictable() {
			objv = append(objv, obj)
		}
	})
	for _, obj := range objv {
		obj.dropState()
		obj.state = Hollow
		s.cache.del(obj)
		obj.jar = nil
	}
	return nil
}

// ManagedObjects returns all objects currently managed by the session.
func (s *Session) ManagedObjects() []IPersistent {
	unlock := s.lockBulk()
	defer unlock()

	var objv []IPersistent
	s.cache.forEach(func(obj *Persistent) {
		objv = append(objv, obj.instance)
	})
	return objv
}

// ---- loading ----

// loadFields makes sure the named fields of obj are loaded.
//
// fields=nil means all fields. Already-loaded fields are never overwritten -
// in-RAM changes stay authoritative.
func (s *Session) loadFields(ctx context.Context, obj *Persistent, fields []string) (err error) {
	defer xerr.Contextf(&err, "%s: load", obj.ident)

	if s.closed {
		return userErrorf("load", "session is closed")
	}
	if obj.jar != s {
		return userErrorf("load", "object is not managed by this session")
	}

	var missing []string
	if fields == nil {
		for _, f := range obj.class.Fields {
			if !obj.loaded.has(f.Pos) {
				missing = append(missing, f.Name)
			}
		}
	} else {
		for _, name := range fields {
			f := obj.class.FieldByName(name)
			if f == nil {
				return userErrorf("load", "class %q has no field %q", obj.class.Name, name)
			}
			if !obj.loaded.has(f.Pos) {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) == 0 {
		if obj.state == Hollow {
			// degenerate fieldless class
			if err := obj.transition("load", evLoad); err != nil {
				return err
			}
			s.demoteNontx(obj)
		}
		return nil
	}

	if !obj.ident.Durable() {
		return userErrorf("load", "object has no datastore representation")
	}

	// level-2: full snapshots of committed state
	if s.l2 != nil && s.opt.l2RetrieveMode == "use" && obj.class.Cacheable && fields == nil {
		if snap, ok := s.l2.Lookup(obj.ident); ok {
			if err := s.applySnapshot(obj, snap); err != nil {
				return err
			}
			s.demoteNontx(obj)
			if transaction.Running(ctx) != nil {
				s.makeTx(obj)
			}
			return nil
		}
	}

	rec, err := s.backend.Fetch(ctx, obj.ident, missing)
	if err != nil {
		if IsNoObject(err) {
			s.cache.del(obj)
			obj.jar = nil
		}
		return err
	}
	if err := s.applyRec(obj, rec); err != nil {
		return err
	}
	s.demoteNontx(obj)
	if transaction.Running(ctx) != nil {
		s.makeTx(obj)
	}
	return nil
}

// demoteNontx moves a freshly-loaded clean object out of transactional state
// when the session runs optimistic and no transaction is active.
func (s *Session) demoteNontx(obj *Persistent) {
	if s.txn == nil && s.opt.optimistic && obj.state == PersistentClean {
		obj.state = PersistentNontx
	}
}

// applyRec applies record data to not-yet-loaded fields of obj.
func (s *Session) applyRec(obj *Persistent, rec *Rec) error {
	if s.opt.serializeRead {
		// with serialize-read the in-RAM state must not alias mutable
		// values held by the backend
		fields, err := s.copyFields(rec.Fields)
		if err != nil {
			return err
		}
		rec = &Rec{Ident: rec.Ident, Class: rec.Class, Version: rec.Version, Fields: fields}
	}
	hadData := obj.loaded.any()
	for name, v := range rec.Fields {
		f := obj.class.FieldByName(name)
		if f == nil {
			continue // schema is ahead of the registered class; ignore
		}
		if obj.loaded.has(f.Pos) {
			continue
		}
		if err := s.applyField(obj, f, v); err != nil {
			return err
		}
		obj.loaded.set(f.Pos)
	}
	if !hadData {
		obj.version = rec.Version
	}
	return obj.transition("load", evLoad)
}

// applySnapshot applies a level-2 snapshot to not-yet-loaded fields of obj.
func (s *Session) applySnapshot(obj *Persistent, snap *Snapshot) error {
	hadData := obj.loaded.any()
	for name, v := range snap.Fields {
		f := obj.class.FieldByName(name)
		if f == nil {
			continue
		}
		if obj.loaded.has(f.Pos) {
			continue
		}
		if err := s.applyField(obj, f, v); err != nil {
			return err
		}
		obj.loaded.set(f.Pos)
	}
	if !hadData {
		obj.version = snap.Version
	}
	return obj.transition("load", evLoad)
}

// applyField sets in-RAM value of field f from its snapshot representation.
//
// This is the inverse of extractField: identity text becomes a managed
// object reference - hollow if the referenced object is not in RAM yet.
func (s *Session) applyField(obj *Persistent, f *Field, v interface{}) error {
	xf := obj.xval().FieldByIndex(f.sf.Index)

	if !f.Relation {
		return assignValue(xf, v)
	}

	str2ref := func(sv interface{}) (reflect.Value, error) {
		str, ok := sv.(string)
		if !ok {
			return reflect.Value{}, userErrorf("load", "%s: field %s: want identity text; got %T", obj.ident, f.Name, sv)
		}
		if str == "" {
			return reflect.Zero(reflect.TypeOf((*IPersistent)(nil)).Elem()), nil
		}
		ref, err := s.resolveRef(str)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(ref), nil
	}

	assignRef := func(dst reflect.Value, sv interface{}) error {
		rv, err := str2ref(sv)
		if err != nil {
			return err
		}
		if str, _ := sv.(string); str == "" {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		if !rv.Type().AssignableTo(dst.Type()) {
			return userErrorf("load", "%s: field %s: %s is not assignable to %s", obj.ident, f.Name, rv.Type(), dst.Type())
		}
		dst.Set(rv)
		return nil
	}

	switch xf.Kind() {
	case reflect.Slice:
		sl, ok := v.([]interface{})
		if !ok {
			return userErrorf("load", "%s: field %s: want list; got %T", obj.ident, f.Name, v)
		}
		out := reflect.MakeSlice(xf.Type(), len(sl), len(sl))
		for i, sv := range sl {
			if err := assignRef(out.Index(i), sv); err != nil {
				return err
			}
		}
		xf.Set(out)
		return nil

	case reflect.Map:
		m, ok := v.(map[string]interface{})
		if !ok {
			return userErrorf("load", "%s: field %s: want dict; got %T", obj.ident, f.Name, v)
		}
		if xf.Type().Key().Kind() != reflect.String {
			return userErrorf("load", "%s: field %s: only string-keyed relation maps are supported", obj.ident, f.Name)
		}
		out := reflect.MakeMapWithSize(xf.Type(), len(m))
		for k, sv := range m {
			ev := reflect.New(xf.Type().Elem()).Elem()
			if err := assignRef(ev, sv); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(xf.Type().Key()), ev)
		}
		xf.Set(out)
		return nil

	default:
		return assignRef(xf, v)
	}
}

// copyFields deep-copies field values by round-tripping them through the
// snapshot codec the session is configured with (PropSnapshotCodec).
func (s *Session) copyFields(fields map[string]interface{}) (map[string]interface{}, error) {
	codec, err := codecByName(s.opt.snapshotCodec)
	if err != nil {
		return nil, err
	}
	data, err := codec.Encode(&Snapshot{Fields: fields})
	if err != nil {
		return nil, err
	}
	snap, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	return snap.Fields, nil
}

// resolveRef returns the managed object for identity text, establishing a
// hollow object if none is in RAM yet. No datastore access happens.
func (s *Session) resolveRef(identStr string) (IPersistent, error) {
	ident, err := ParseIdent(identStr)
	if err != nil {
		return nil, err
	}

	if obj := s.cache.peek(ident); obj != nil {
		return obj.instance, nil
	}

	class := LookupClass(ident.Class)
	if class == nil {
		return nil, userErrorf("load", "reference to unregistered class %q", ident.Class)
	}
	base, err := s.newHollow(class, ident)
	if err != nil {
		return nil, err
	}
	s.cache.set(base)
	return base.instance, nil
}

// assignValue sets dst from snapshot value v, converting between numeric
// representations the codecs use and the declared field type.
func assignValue(dst reflect.Value, v interface{}) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type() == dst.Type() {
		dst.Set(rv)
		return nil
	}
	if rv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(rv.Convert(dst.Type()))
		return nil
	}
	return userErrorf("load", "cannot assign %T to %s", v, dst.Type())
}

// ---- transaction plumbing ----

// joinTxn binds the session to txn.
func (s *Session) joinTxn(txn transaction.Transaction) error {
	if s.txn == txn {
		return nil
	}
	if s.txn != nil {
		return userErrorf("join transaction", "session is already bound to another transaction")
	}
	s.txn = txn
	txn.Join(s)
	txn.RegisterSync(s)
	return nil
}

// makeTx moves obj into its transactional state, if its current state has one.
func (s *Session) makeTx(obj *Persistent) {
	if next, ok := nextState(obj.state, evMakeTx); ok {
		obj.state = next
	}
	s.enlist(obj)
}

// enlist records that obj participated in the current transaction.
func (s *Session) enlist(obj *Persistent) {
	s.enlisted[obj.ident] = true
}

// pinTx pins obj in the level-1 cache until transaction end.
func (s *Session) pinTx(obj *Persistent) {
	if s.txPinned[obj] {
		return
	}
	s.cache.pin(obj)
	s.txPinned[obj] = true
}

func (s *Session) unpinAll() {
	for obj := range s.txPinned {
		s.cache.unpin(obj)
	}
}

// clearTxState resets all per-transaction bookkeeping.
func (s *Session) clearTxState() {
	if s.txPinned != nil {
		s.unpinAll()
	}
	s.dirty = newOpSet()
	s.indirectDirty = newOpSet()
	s.persisted = make(map[Ident]bool)
	s.deleted = make(map[Ident]bool)
	s.provisional = make(map[Ident]*Persistent)
	s.written = make(map[Ident]*Persistent)
	s.enlisted = make(map[Ident]bool)
	s.txPinned = make(map[*Persistent]bool)
}

// ---- transaction.DataManager ----

// Abort implements transaction.DataManager.
func (s *Session) Abort(txn transaction.Transaction) {
	unlock := s.lockBulk()
	defer unlock()
	s.rollback(context.Background())
}

// TPCBegin implements transaction.DataManager.
func (s *Session) TPCBegin(txn transaction.Transaction) {}

// Commit implements transaction.DataManager.
//
// It flushes all pending changes and then runs the reachability sweep that
// deletes new objects which ended up unreachable.
func (s *Session) Commit(ctx context.Context, txn transaction.Transaction) error {
	unlock := s.lockBulk()
	defer unlock()

	err := s.flushInternal(ctx)
	if err != nil {
		return err
	}
	return s.runReachability(ctx)
}

// TPCVote implements transaction.DataManager.
//
// Conflicts were already detected per-write during flush; there is nothing
// left to verify.
func (s *Session) TPCVote(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

// TPCFinish implements transaction.DataManager.
func (s *Session) TPCFinish(ctx context.Context, txn transaction.Transaction) error {
	unlock := s.lockBulk()
	defer unlock()

	if s.txBegun {
		s.txBegun = false
		if txb, ok := s.backend.(TxBackend); ok {
			if err := txb.CommitTx(ctx); err != nil {
				// durable outcome unknown - nothing from this
				// transaction may stay in the shared cache
				if s.l2 != nil {
					for ident := range s.enlisted {
						s.l2.Evict(ident)
					}
				}
				s.invalidateTx()
				return err
			}
		}
	}

	s.commitL2(ctx)
	s.postCommit()
	return nil
}

// TPCAbort implements transaction.DataManager.
func (s *Session) TPCAbort(ctx context.Context, txn transaction.Transaction) {
	unlock := s.lockBulk()
	defer unlock()
	s.rollback(ctx)
}

// ---- transaction.Synchronizer ----

// BeforeCompletion implements transaction.Synchronizer.
func (s *Session) BeforeCompletion(ctx context.Context, txn transaction.Transaction) error {
	if s.closed {
		return userErrorf("commit", "session is closed")
	}
	return nil
}

// AfterCompletion implements transaction.Synchronizer.
func (s *Session) AfterCompletion(txn transaction.Transaction) {
	unlock := s.lockBulk()
	defer unlock()
	s.txn = nil
	s.txBegun = false
}

// commitL2 publishes committed state to the shared level-2 cache.
//
// The cache is partitioned three ways at the commit boundary: entries for
// identities that left the session while enlisted are evicted, entries for
// deleted objects are evicted, and snapshots of objects written by this
// transaction are bulk-put in batches.
func (s *Session) commitL2(ctx context.Context) {
	if s.l2 == nil {
		return
	}

	for ident := range s.enlisted {
		if s.cache.peek(ident) == nil {
			s.l2.Evict(ident)
		}
	}
	for ident := range s.deleted {
		s.l2.Evict(ident)
	}

	if s.opt.l2StoreMode != "use" {
		return
	}

	var snapv []*Snapshot
	put := func() {
		if len(snapv) == 0 {
			return
		}
		if err := s.l2.BulkPut(snapv); err != nil {
			log.Warningf(ctx, "l2: bulk put: %s", err)
		}
		snapv = snapv[:0]
	}

	for _, obj := range s.written {
		if !obj.class.Cacheable || obj.state.IsDeleted() {
			continue
		}
		snap, err := snapshotOf(obj)
		if err != nil {
			log.Warningf(ctx, "l2: snapshot %s: %s", obj.ident, err)
			continue
		}
		snapv = append(snapv, snap)
		if len(snapv) >= s.opt.l2BatchSize {
			put()
		}
	}
	put()
}

// postCommit applies commit transitions to all managed objects and resets
// per-transaction state.
func (s *Session) postCommit() {
	var dropv []*Persistent
	s.cache.forEach(func(obj *Persistent) {
		next, ok := nextState(obj.state, evCommit)
		if !ok {
			return
		}
		switch next {
		case Hollow:
			if s.opt.detachOnCommit {
				obj.state = Detached // data stays with the object
				dropv = append(dropv, obj)
				return
			}
			obj.dropState()
			obj.state = Hollow
		case Transient:
			obj.state = Transient
			dropv = append(dropv, obj)
		default:
			obj.state = next
		}
	})
	for _, obj := range dropv {
		s.cache.del(obj)
		obj.jar = nil
	}
	s.clearTxState()
}

// rollback undoes the transaction on the backend and in RAM.
func (s *Session) rollback(ctx context.Context) {
	if s.txBegun {
		s.txBegun = false
		if txb, ok := s.backend.(TxBackend); ok {
			if err := txb.AbortTx(ctx); err != nil {
				log.Errorf(ctx, "abort: %s: %s", s.backend.URL(), err)
			}
		}
	}
	s.invalidateTx()
}

// invalidateTx applies rollback transitions to all managed objects and resets
// per-transaction state. The backend is not touched.
func (s *Session) invalidateTx() {
	var dropv []*Persistent
	s.cache.forEach(func(obj *Persistent) {
		next, ok := nextState(obj.state, evRollback)
		if !ok {
			return
		}
		switch next {
		case Transient:
			obj.state = Transient
			dropv = append(dropv, obj)
		case Hollow:
			if s.opt.detachOnRollback {
				obj.state = Detached
				dropv = append(dropv, obj)
				return
			}
			obj.dropState()
			obj.state = Hollow
		default:
			obj.state = next
		}
	})
	for _, obj := range dropv {
		s.cache.del(obj)
		obj.jar = nil
	}
	s.clearTxState()
}

// ---- close ----

// Close disconnects all managed objects and releases the session.
//
// Unflushed changes are dropped. Close during an active transaction is an
// error - complete the transaction first.
func (s *Session) Close() error {
	unlock := s.lockBulk()
	defer unlock()

	if s.closed {
		return s.opErr("close", nil, userErrorf("close", "session is already closed"))
	}
	if s.txn != nil {
		return s.opErr("close", nil, userErrorf("close", "session is bound to a live transaction"))
	}

	if s.dirty.len()+s.indirectDirty.len() > 0 {
		log.Warningf(context.Background(), "close: %s: dropping %d unflushed change(s)",
			s.backend.URL(), s.dirty.len()+s.indirectDirty.len())
	}

	var objv []*Persistent
	s.cache.forEach(func(obj *Persistent) {
		objv = append(objv, obj)
	})
	for _, obj := range objv {
		if s.opt.detachOnClose {
			if _, ok := nextState(obj.state, evDetach); ok {
				obj.state = Detached
				continue // cache.clear disconnects it below
			}
		}
		obj.dropState()
		obj.state = Transient
	}
	s.cache.clear()
	s.clearTxState()
	s.closed = true

	if s.ownBack {
		return s.opErr("close", nil, s.backend.Close())
	}
	return nil
}
