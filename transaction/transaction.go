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

package transaction

import (
	"context"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"
)

// transaction implements Transaction.
type transaction struct {
	mu     sync.Mutex
	status Status
	datav  []DataManager
	syncv  []Synchronizer

	// metadata
	user        string
	description string
}

// ctxKey is the type private to transaction package, used as key in contexts.
type ctxKey struct{}

// getTxn returns transaction associated with provided context.
// nil is returned if there is no association.
func getTxn(ctx context.Context) *transaction {
	t := ctx.Value(ctxKey{})
	if t == nil {
		return nil
	}
	return t.(*transaction)
}

// currentTxn serves Current.
func currentTxn(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		panic("transaction: no current transaction")
	}
	return txn
}

// newTxn serves New.
func newTxn(ctx context.Context) (Transaction, context.Context) {
	if getTxn(ctx) != nil {
		panic("transaction: new: nested transactions not supported")
	}

	txn := &transaction{status: Active}
	txnCtx := context.WithValue(ctx, ctxKey{}, txn)
	return txn, txnCtx
}

// Status implements Transaction.
func (txn *transaction) Status() Status {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.status
}

// Commit implements Transaction.
func (txn *transaction) Commit(ctx context.Context) (err error) {
	defer xerr.Context(&err, "transaction: commit")

	datav, syncv := txn.begin("commit", Committing)

	// sync.BeforeCompletion
	//
	// Boundary notifications run serially in registration order: data
	// managers may depend on the relative order of their boundary work.
	errv := xerr.Errorv{}
	for _, sync := range syncv {
		errv.Appendif(sync.BeforeCompletion(ctx, txn))
	}

	voted := false
	began := false
	if errv.Err() == nil {
		// dm.TPCBegin + dm.Commit
		began = true
		for _, dm := range datav {
			dm.TPCBegin(txn)
		}
		for _, dm := range datav {
			errv.Appendif(dm.Commit(ctx, txn))
		}

		// dm.TPCVote
		if errv.Err() == nil {
			for _, dm := range datav {
				errv.Appendif(dm.TPCVote(ctx, txn))
			}
			voted = errv.Err() == nil
		}
	}

	if voted {
		// dm.TPCFinish - must not fail; if it does, consistency is gone
		// and all we can do is report it.
		for _, dm := range datav {
			errv.Appendif(dm.TPCFinish(ctx, txn))
		}
	} else if began {
		// something failed before or at vote - undo what was committed.
		for _, dm := range datav {
			dm.TPCAbort(ctx, txn)
		}
	}

	err1 := errv.Err()
	status := Committed
	if err1 != nil {
		status = CommitFailed
	}
	txn.finish(status)

	// sync.AfterCompletion
	for _, sync := range syncv {
		sync.AfterCompletion(txn)
	}

	return err1
}

// Abort implements Transaction.
func (txn *transaction) Abort() {
	datav, syncv := txn.begin("abort", Aborting)

	// sync.BeforeCompletion errors do not stop an abort - data managers
	// still must drop their changes.
	for _, sync := range syncv {
		_ = sync.BeforeCompletion(context.Background(), txn)
	}

	// dm.Abort
	for _, dm := range datav {
		dm.Abort(txn)
	}

	txn.finish(Aborted)

	// sync.AfterCompletion
	for _, sync := range syncv {
		sync.AfterCompletion(txn)
	}
}

// begin moves the transaction into completion state and detaches the
// registered manager/synchronizer lists from it.
func (txn *transaction) begin(who string, status Status) (datav []DataManager, syncv []Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting(who)
	txn.status = status

	datav = txn.datav
	txn.datav = nil
	syncv = txn.syncv
	txn.syncv = nil
	return datav, syncv
}

// finish records the final status of the transaction.
func (txn *transaction) finish(status Status) {
	txn.mu.Lock()
	txn.status = status
	txn.mu.Unlock()
}

// Join implements Transaction.
func (txn *transaction) Join(dm DataManager) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("join")

	for _, dm1 := range txn.datav {
		if dm1 == dm {
			return // already joined
		}
	}
	txn.datav = append(txn.datav, dm)
}

// RegisterSync implements Transaction.
func (txn *transaction) RegisterSync(sync Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("register sync")

	for _, sync1 := range txn.syncv {
		if sync1 == sync {
			return // already registered
		}
	}
	txn.syncv = append(txn.syncv, sync)
}

// checkNotYetCompleting asserts that transaction completion has not yet began.
//
// it panics if the assert fails.
// must be called with .mu held.
func (txn *transaction) checkNotYetCompleting(who string) {
	switch txn.status {
	case Active:
		// ok
	default:
		panic("transaction: " + who + ": transaction completion already began")
	}
}

// ---- meta ----

func (txn *transaction) User() string        { return txn.user }
func (txn *transaction) Description() string { return txn.description }
