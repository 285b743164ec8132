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
// errors that can happen while working with persistent objects

import (
	"errors"
	"fmt"
)

// OpError is the error returned by session and backend operations.
type OpError struct {
	URL  string      // backend the operation was on
	Op   string      // operation that failed
	Args interface{} // operation arguments, if any
	Err  error       // actual error that occurred during the operation
}

func (e *OpError) Error() string {
	s := e.URL + ": " + e.Op
	if e.Args != nil {
		s += fmt.Sprintf(" %s", e.Args)
	}
	s += ": " + e.Err.Error()
	return s
}

func (e *OpError) Cause() error  { return e.Err }
func (e *OpError) Unwrap() error { return e.Err }

// UserError is the error returned when a session is misused - e.g. an
// operation is invoked on a closed session, or an object is in a lifecycle
// state that does not permit the operation.
type UserError struct {
	Op     string
	Reason string
}

func (e *UserError) Error() string {
	return "opm: " + e.Op + ": " + e.Reason
}

func userErrorf(op, format string, argv ...interface{}) *UserError {
	return &UserError{Op: op, Reason: fmt.Sprintf(format, argv...)}
}

// NoObjectError is the error which tells that the datastore has no object
// with requested identity.
type NoObjectError struct {
	Ident Ident
}

func (e *NoObjectError) Error() string {
	return fmt.Sprintf("%s: no such object", e.Ident)
}

// IsNoObject reports whether err is due to "no such object in the
// datastore", not e.g. some IO error.
func IsNoObject(err error) bool {
	var e *NoObjectError
	return errors.As(err, &e)
}

// ConflictError is the error which tells that an optimistic write found the
// datastore version of an object to be different from the version the
// session was based on.
type ConflictError struct {
	Ident Ident
	Have  uint64 // version in the datastore
	Want  uint64 // version the write was based on
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflict: version in datastore %d; want %d", e.Ident, e.Have, e.Want)
}

// IsConflict reports whether err is, or aggregates, optimistic conflict(s).
func IsConflict(err error) bool {
	var e1 *ConflictError
	var ev *ConflictErrorv
	return errors.As(err, &e1) || errors.As(err, &ev)
}

// ConflictErrorv is the aggregate of all optimistic conflicts detected by
// one flush. Flush never stops at the first conflicting object - it
// processes the whole dirty set and reports every conflict at once.
type ConflictErrorv struct {
	Errv []*ConflictError
}

func (e *ConflictErrorv) Error() string {
	if len(e.Errv) == 1 {
		return e.Errv[0].Error()
	}
	s := fmt.Sprintf("%d conflicts:", len(e.Errv))
	for _, e1 := range e.Errv {
		s += "\n\t- " + e1.Error()
	}
	return s
}

// FatalError is the error which tells that the session hit a configuration
// or environment problem that makes continued operation meaningless.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string  { return "opm: fatal: " + e.Err.Error() }
func (e *FatalError) Cause() error   { return e.Err }
func (e *FatalError) Unwrap() error  { return e.Err }
