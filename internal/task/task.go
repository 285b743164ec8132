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

// Package task tracks the operational task stack via contexts.
package task

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"lab.nexedi.com/kirr/go123/xerr"
)

// Task is one entry of the operational task stack.
type Task struct {
	Parent *Task
	Name   string
}

type taskKey struct{}

// Current returns the task ctx currently runs, or nil.
func Current(ctx context.Context) *Task {
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// String returns the whole operational stack, outermost task first.
//
// A task "c" running under "b" running under "a" prints as "a: b: c".
// nil Task prints as "".
func (t *Task) String() string {
	if t == nil {
		return ""
	}
	prefix := t.Parent.String()
	if prefix != "" {
		prefix += ": "
	}
	return prefix + t.Name
}

// Running pushes a new task onto the stack carried by *ctxp and logs the
// start. The returned function is to be deferred: it logs the outcome and
// prefixes an error return with the task name.
//
// Use like this:
//
//	defer task.Running(&ctx, "flush")(&err)
func Running(ctxp *context.Context, name string) func(*error) {
	ctx := context.WithValue(*ctxp, taskKey{}, &Task{Parent: Current(*ctxp), Name: name})
	*ctxp = ctx

	glog.InfoDepth(1, prefixed(ctx, "start"))

	return func(errp *error) {
		if *errp != nil {
			glog.WarningDepth(1, prefixed(ctx, fmt.Sprintf("## %s", *errp)))
		} else {
			glog.InfoDepth(1, prefixed(ctx, "done"))
		}
		xerr.Context(errp, name)
	}
}

// Runningf is Running with formatting support.
func Runningf(ctxp *context.Context, format string, argv ...interface{}) func(*error) {
	return Running(ctxp, fmt.Sprintf(format, argv...))
}

// prefixed prepends the operational stack of ctx to msg.
func prefixed(ctx context.Context, msg string) string {
	stack := Current(ctx).String()
	if stack == "" {
		return msg
	}
	return stack + ": " + msg
}
