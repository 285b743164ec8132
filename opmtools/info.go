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

// Opminfo - print general information about an opm datastore

package opmtools

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/opm/go/opm"
)

// paramFunc is a function to retrieve 1 backend parameter
type paramFunc func(ctx context.Context, back opm.Backend) (string, error)

var infov = []struct {
	name     string
	getParam paramFunc
}{
	{"name", func(ctx context.Context, back opm.Backend) (string, error) {
		return back.URL(), nil
	}},
	{"find", func(ctx context.Context, back opm.Backend) (string, error) {
		_, ok := back.(opm.Finder)
		return fmt.Sprintf("%v", ok), nil
	}},
	{"alloc-oid", func(ctx context.Context, back opm.Backend) (string, error) {
		_, ok := back.(opm.OidAllocator)
		return fmt.Sprintf("%v", ok), nil
	}},
	{"tx", func(ctx context.Context, back opm.Backend) (string, error) {
		_, ok := back.(opm.TxBackend)
		return fmt.Sprintf("%v", ok), nil
	}},
}

// {} parameter_name -> get_parameter(back)
var infoDict = map[string]paramFunc{}

func init() {
	for _, info := range infov {
		infoDict[info.name] = info.getParam
	}
}

// Info prints general information about an opm backend
func Info(ctx context.Context, w io.Writer, back opm.Backend, parameterv []string) error {
	wantnames := false
	if len(parameterv) == 0 {
		for _, info := range infov {
			parameterv = append(parameterv, info.name)
		}
		wantnames = true
	}

	for _, parameter := range parameterv {
		getParam, ok := infoDict[parameter]
		if !ok {
			return fmt.Errorf("invalid parameter: %s", parameter)
		}

		out := ""
		if wantnames {
			out += parameter + "="
		}
		value, err := getParam(ctx, back)
		if err != nil {
			return fmt.Errorf("getting %s: %v", parameter, err)
		}
		out += value
		fmt.Fprintf(w, "%s\n", out)
	}

	return nil
}

// ----------------------------------------

const infoSummary = "print general information about an opm datastore"

func infoUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: opm info [OPTIONS] <datastore> [parameter ...]
Print general information about an opm datastore.

<datastore> is an URL (see 'opm help ourl') of an opm datastore.

By default info prints information about all datastore parameters. If one or
more parameter names are given as arguments, info prints the value of each
named parameter on its own line.

Options:

    -h  --help      show this help
`)
}

func infoMain(argv []string) {
	flags := flag.FlagSet{Usage: func() { infoUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 1 {
		flags.Usage()
		prog.Exit(2)
	}
	backURL := argv[0]

	ctx := context.Background()

	back, err := opm.OpenBackend(ctx, backURL)
	if err != nil {
		prog.Fatal(err)
	}
	defer back.Close()

	err = Info(ctx, os.Stdout, back, argv[1:])
	if err != nil {
		prog.Fatal(err)
	}
}
