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

// Package transaction provides transaction management via two-phase commit protocol.
//
// Overview
//
// Transactions are represented by the Transaction interface. A transaction
// is started with New, which creates a transaction object and remembers it
// in a child of the provided context:
//
//	txn, ctx := transaction.New(ctx)
//
// The transaction should be eventually completed by the user - either
// committed or aborted, e.g.
//
//	... // do something with data
//	err := txn.Commit(ctx)
//
// As transactions are associated with contexts, Current returns the
// associated transaction. That is how data managers deep inside a call
// chain join the transaction that is current for the operation.
//
// A transaction scope is managed completely by the program - there is no
// relation between transactions and goroutines; a transaction may be used
// from several goroutines simultaneously.
//
//
// Two-phase commit
//
// Every data backend that participates in a transaction must let the
// transaction know when the data it manages is modified, by joining the
// transaction:
//
//	func (b *MyBackend) ChangeID(ctx context.Context, newID int) {
//		b.id = newID
//
//		// data changed - join the transaction to participate in commit.
//		txn := transaction.Current(ctx)
//		txn.Join(b)
//	}
//
// On Commit the transaction manager runs the two-phase commit protocol over
// all joined DataManagers: Commit (save changes + detect conflicts), then
// TPCVote (last chance to say no), then TPCFinish (make changes permanent).
// If any manager fails to commit or vote, TPCAbort is called on all managers
// and the transaction completes with the aggregated error.
//
// Completion callbacks run serially in join/registration order: several
// layers rely on the relative order of their boundary work, so no
// concurrency is introduced at completion points.
//
//
// Synchronization
//
// An object, e.g. a backend, might want to be notified of transaction
// completion events - for example to check data dirtiness before completion
// starts, or to release resources after it finished.
// Transaction.RegisterSync provides the way to be notified of such
// synchronization points. See Synchronizer for details.
package transaction

import (
	"context"
)

// Status describes status of a transaction.
type Status int

const (
	Active       Status = iota // transaction is in progress
	Committing                 // transaction commit started
	Committed                  // transaction commit finished successfully
	CommitFailed               // transaction commit resulted in error
	Aborting                   // transaction abort started
	Aborted                    // transaction was aborted by user
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case CommitFailed:
		return "commit-failed"
	case Aborting:
		return "aborting"
	case Aborted:
		return "aborted"
	default:
		return "invalid"
	}
}

// Transaction represents a transaction.
//
// ... and should be completed by user via either Commit or Abort.
//
// Before completion, if there are changes to managed data, corresponding
// DataManager(s) must join the transaction to participate in the completion.
type Transaction interface {
	User() string        // user name associated with transaction
	Description() string // description of transaction

	// Status returns current status of the transaction.
	Status() Status

	// Commit finalizes the transaction.
	//
	// Commit completes the transaction by executing the two-phase commit
	// algorithm for all DataManagers associated with the transaction.
	Commit(ctx context.Context) error

	// Abort aborts the transaction.
	//
	// Abort completes the transaction by executing Abort on all
	// DataManagers associated with it.
	Abort()

	// ---- part for data managers & friends ----

	// Join associates a DataManager to the transaction.
	//
	// Only associated data managers will participate in the transaction
	// completion - commit or abort.
	//
	// Join must be called before transaction completion begins.
	Join(dm DataManager)

	// RegisterSync registers sync to be notified in this transaction boundary events.
	//
	// See Synchronizer for details.
	RegisterSync(sync Synchronizer)
}

// New creates new transaction.
//
// The transaction is associated with returned context; nested transactions
// are not supported.
func New(ctx context.Context) (txn Transaction, txnCtx context.Context) {
	return newTxn(ctx)
}

// Current returns current transaction.
//
// It panics if there is no transaction associated with provided context.
func Current(ctx context.Context) Transaction {
	return currentTxn(ctx)
}

// Running returns current transaction, or nil if ctx carries none.
func Running(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		return nil
	}
	return txn
}

// DataManager manages data and can transactionally persist it.
//
// If a DataManager is joined to a transaction via Transaction.Join, it will
// participate in that transaction completion - commit or abort. In other
// words a data manager has to join the corresponding transaction when it
// sees there are modifications to data it manages.
type DataManager interface {
	// Abort should abort all modifications to managed data.
	//
	// Abort is called by Transaction outside of two-phase commit, and only
	// if abort was caused by user requesting transaction abort. If
	// two-phase commit was started and transaction needs to be aborted due
	// to two-phase commit logic, TPCAbort will be called.
	Abort(txn Transaction)

	// TPCBegin should begin commit of a transaction, starting the two-phase commit.
	TPCBegin(txn Transaction)

	// Commit should commit modifications to managed data.
	//
	// It should save changes to be made persistent if the transaction
	// commits (if TPCFinish is called later). If TPCAbort is called
	// later, changes must not persist.
	//
	// This should include conflict detection and handling. If no conflicts
	// or errors occur, the data manager should be prepared to make the
	// changes persist when TPCFinish is called.
	Commit(ctx context.Context, txn Transaction) error

	// TPCVote should verify that a data manager can commit the transaction.
	//
	// This is the last chance for a data manager to vote 'no'. A data
	// manager votes 'no' by returning an error.
	TPCVote(ctx context.Context, txn Transaction) error

	// TPCFinish should indicate confirmation that the transaction is done.
	//
	// It should make all changes to data modified by this transaction persist.
	//
	// This should never fail. If it returns an error, the database is not
	// expected to maintain consistency; it's a serious error.
	TPCFinish(ctx context.Context, txn Transaction) error

	// TPCAbort should abort a transaction.
	//
	// This is called by a transaction manager to end a two-phase commit on
	// the data manager. It should abandon all changes to data modified by
	// this transaction.
	//
	// This should never fail.
	TPCAbort(ctx context.Context, txn Transaction)
}

// Synchronizer is the interface to participate in transaction-boundary notifications.
type Synchronizer interface {
	// BeforeCompletion is called before corresponding transaction is going to be completed.
	//
	// The transaction manager calls BeforeCompletion before txn is going
	// to be completed - either committed or aborted.
	BeforeCompletion(ctx context.Context, txn Transaction) error

	// AfterCompletion is called after corresponding transaction was completed.
	//
	// The transaction manager calls AfterCompletion after txn is completed
	// - either committed or aborted.
	AfterCompletion(txn Transaction)
}
