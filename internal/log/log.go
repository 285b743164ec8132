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

// Package log provides logging with severity levels, prefixed with the
// operational task stack of the calling context.
package log

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"lab.nexedi.com/kirr/opm/go/internal/task"
)

// withTask prepends the operational stack of ctx to the log arguments.
func withTask(ctx context.Context, argv ...interface{}) []interface{} {
	stack := task.Current(ctx).String()
	if stack == "" {
		return argv
	}
	if len(argv) != 0 {
		stack += ": "
	}
	return append([]interface{}{stack}, argv...)
}

func Info(ctx context.Context, argv ...interface{}) {
	glog.InfoDepth(1, withTask(ctx, argv...)...)
}

func Warning(ctx context.Context, argv ...interface{}) {
	glog.WarningDepth(1, withTask(ctx, argv...)...)
}

func Error(ctx context.Context, argv ...interface{}) {
	glog.ErrorDepth(1, withTask(ctx, argv...)...)
}

func Infof(ctx context.Context, format string, argv ...interface{}) {
	glog.InfoDepth(1, withTask(ctx, fmt.Sprintf(format, argv...))...)
}

func Warningf(ctx context.Context, format string, argv ...interface{}) {
	glog.WarningDepth(1, withTask(ctx, fmt.Sprintf(format, argv...))...)
}

func Errorf(ctx context.Context, format string, argv ...interface{}) {
	glog.ErrorDepth(1, withTask(ctx, fmt.Sprintf(format, argv...))...)
}

// Flush writes buffered log records out; to be called before exit.
func Flush() { glog.Flush() }
