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
	"errors"
	"reflect"
	"testing"
)

func TestBasic(t *testing.T) {
	ctx := context.Background()

	// Current(ø) -> panic
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("Current(ø) -> not paniced")
			}

			if want := "transaction: no current transaction"; r != want {
				t.Fatalf("Current(ø) -> %q;  want %q", r, want)
			}
		}()

		Current(ctx)
	}()

	if txn := Running(ctx); txn != nil {
		t.Fatalf("Running(ø) -> %#v;  want nil", txn)
	}

	txn, ctx := New(ctx)
	if txn_ := Current(ctx); txn_ != txn {
		t.Fatalf("New inconsistent with Current: txn = %#v;  txn_ = %#v", txn, txn_)
	}
	if txn_ := Running(ctx); txn_ != txn {
		t.Fatalf("New inconsistent with Running: txn = %#v;  txn_ = %#v", txn, txn_)
	}
	if st := txn.Status(); st != Active {
		t.Fatalf("new transaction status: %v;  want %v", st, Active)
	}

	// subtransactions not allowed
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("New(!ø) -> not paniced")
			}

			if want := "transaction: new: nested transactions not supported"; r != want {
				t.Fatalf("New(!ø) -> %q;  want %q", r, want)
			}
		}()

		_, _ = New(ctx)
	}()
}

// tLog records the order of completion callbacks invoked on tDM / tSync.
type tLog struct {
	eventv []string
}

func (l *tLog) append(event string) {
	l.eventv = append(l.eventv, event)
}

// tDM is a DataManager that records its calls and can be told to fail at
// Commit or TPCVote.
type tDM struct {
	log  *tLog
	name string

	commitErr error
	voteErr   error
}

func (dm *tDM) Abort(txn Transaction)        { dm.log.append(dm.name + ".abort") }
func (dm *tDM) TPCBegin(txn Transaction)     { dm.log.append(dm.name + ".tpcbegin") }
func (dm *tDM) Commit(ctx context.Context, txn Transaction) error {
	dm.log.append(dm.name + ".commit")
	return dm.commitErr
}
func (dm *tDM) TPCVote(ctx context.Context, txn Transaction) error {
	dm.log.append(dm.name + ".tpcvote")
	return dm.voteErr
}
func (dm *tDM) TPCFinish(ctx context.Context, txn Transaction) error {
	dm.log.append(dm.name + ".tpcfinish")
	return nil
}
func (dm *tDM) TPCAbort(ctx context.Context, txn Transaction) {
	dm.log.append(dm.name + ".tpcabort")
}

// tSync is a Synchronizer that records its calls.
type tSync struct {
	log  *tLog
	name string

	beforeErr error
}

func (s *tSync) BeforeCompletion(ctx context.Context, txn Transaction) error {
	s.log.append(s.name + ".before")
	return s.beforeErr
}
func (s *tSync) AfterCompletion(txn Transaction) {
	s.log.append(s.name + ".after")
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	txn, ctx := New(ctx)

	log := &tLog{}
	dm1 := &tDM{log: log, name: "dm1"}
	dm2 := &tDM{log: log, name: "dm2"}
	sync := &tSync{log: log, name: "sync"}

	txn.Join(dm1)
	txn.Join(dm2)
	txn.Join(dm1) // dup - must be ignored
	txn.RegisterSync(sync)
	txn.RegisterSync(sync) // dup - must be ignored

	err := txn.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %s", err)
	}
	if st := txn.Status(); st != Committed {
		t.Fatalf("status after commit: %v;  want %v", st, Committed)
	}

	want := []string{
		"sync.before",
		"dm1.tpcbegin", "dm2.tpcbegin",
		"dm1.commit", "dm2.commit",
		"dm1.tpcvote", "dm2.tpcvote",
		"dm1.tpcfinish", "dm2.tpcfinish",
		"sync.after",
	}
	if !reflect.DeepEqual(log.eventv, want) {
		t.Fatalf("commit sequence:\nhave: %v\nwant: %v", log.eventv, want)
	}

	// second completion -> panic
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("Commit after Commit -> not paniced")
			}
		}()
		_ = txn.Commit(ctx)
	}()
}

func TestCommitVoteFail(t *testing.T) {
	ctx := context.Background()
	txn, ctx := New(ctx)

	log := &tLog{}
	errNo := errors.New("no")
	dm1 := &tDM{log: log, name: "dm1"}
	dm2 := &tDM{log: log, name: "dm2", voteErr: errNo}
	sync := &tSync{log: log, name: "sync"}

	txn.Join(dm1)
	txn.Join(dm2)
	txn.RegisterSync(sync)

	err := txn.Commit(ctx)
	if err == nil {
		t.Fatal("commit with failing vote -> no error")
	}
	if st := txn.Status(); st != CommitFailed {
		t.Fatalf("status after failed commit: %v;  want %v", st, CommitFailed)
	}

	want := []string{
		"sync.before",
		"dm1.tpcbegin", "dm2.tpcbegin",
		"dm1.commit", "dm2.commit",
		"dm1.tpcvote", "dm2.tpcvote",
		"dm1.tpcabort", "dm2.tpcabort",
		"sync.after",
	}
	if !reflect.DeepEqual(log.eventv, want) {
		t.Fatalf("vote-fail sequence:\nhave: %v\nwant: %v", log.eventv, want)
	}
}

func TestCommitDMFail(t *testing.T) {
	ctx := context.Background()
	txn, ctx := New(ctx)

	log := &tLog{}
	errNo := errors.New("cannot save")
	dm1 := &tDM{log: log, name: "dm1", commitErr: errNo}
	dm2 := &tDM{log: log, name: "dm2"}

	txn.Join(dm1)
	txn.Join(dm2)

	err := txn.Commit(ctx)
	if err == nil {
		t.Fatal("commit with failing dm.Commit -> no error")
	}

	// after a Commit error voting must be skipped and everything tpc-aborted
	want := []string{
		"dm1.tpcbegin", "dm2.tpcbegin",
		"dm1.commit", "dm2.commit",
		"dm1.tpcabort", "dm2.tpcabort",
	}
	if !reflect.DeepEqual(log.eventv, want) {
		t.Fatalf("commit-fail sequence:\nhave: %v\nwant: %v", log.eventv, want)
	}
}

func TestCommitBeforeCompletionFail(t *testing.T) {
	ctx := context.Background()
	txn, ctx := New(ctx)

	log := &tLog{}
	errNo := errors.New("not ready")
	dm := &tDM{log: log, name: "dm"}
	sync := &tSync{log: log, name: "sync", beforeErr: errNo}

	txn.Join(dm)
	txn.RegisterSync(sync)

	err := txn.Commit(ctx)
	if err == nil {
		t.Fatal("commit with failing BeforeCompletion -> no error")
	}

	// two-phase commit must not have started at all
	want := []string{"sync.before", "sync.after"}
	if !reflect.DeepEqual(log.eventv, want) {
		t.Fatalf("before-fail sequence:\nhave: %v\nwant: %v", log.eventv, want)
	}
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	txn, _ := New(ctx)

	log := &tLog{}
	dm := &tDM{log: log, name: "dm"}
	sync := &tSync{log: log, name: "sync", beforeErr: errors.New("ignored")}

	txn.Join(dm)
	txn.RegisterSync(sync)

	txn.Abort()
	if st := txn.Status(); st != Aborted {
		t.Fatalf("status after abort: %v;  want %v", st, Aborted)
	}

	// BeforeCompletion error must not stop the abort
	want := []string{"sync.before", "dm.abort", "sync.after"}
	if !reflect.DeepEqual(log.eventv, want) {
		t.Fatalf("abort sequence:\nhave: %v\nwant: %v", log.eventv, want)
	}

	// Join after completion -> panic
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("Join after Abort -> not paniced")
			}
		}()
		txn.Join(dm)
	}()
}
