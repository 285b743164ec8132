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

// Opmcat - dump content of datastore objects

package opmtools

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/opm/go/opm"
)

// Cat dumps content of one datastore object in text form.
func Cat(ctx context.Context, w io.Writer, back opm.Backend, ident opm.Ident) error {
	rec, err := back.Fetch(ctx, ident, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "obj %s\n", rec.Ident)
	fmt.Fprintf(w, "class %s\n", rec.Class)
	fmt.Fprintf(w, "version %d\n", rec.Version)

	namev := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		namev = append(namev, name)
	}
	sort.Strings(namev)
	for _, name := range namev {
		fmt.Fprintf(w, "%s = %v\n", name, rec.Fields[name])
	}
	fmt.Fprintf(w, "\n")
	return nil
}

// CatRaw dumps one datastore object encoded with codec, without any headers.
func CatRaw(ctx context.Context, w io.Writer, back opm.Backend, ident opm.Ident, codec opm.SnapshotCodec) error {
	rec, err := back.Fetch(ctx, ident, nil)
	if err != nil {
		return err
	}

	data, err := codec.Encode(&opm.Snapshot{
		Class:   rec.Class,
		Ident:   rec.Ident.String(),
		Version: rec.Version,
		Fields:  rec.Fields,
	})
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}

// ----------------------------------------

const catSummary = "dump content of datastore objects"

func catUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: opm cat [OPTIONS] <datastore> ident...
Dump content of opm datastore objects.

<datastore> is an URL (see 'opm help ourl') of an opm datastore.
ident is canonical identity text of an object: <class>:<kind>:<key>.

Options:

	-h --help       this help text.
	-raw		dump object encoded with a snapshot codec, without headers.
			Only one object allowed.
	-codec name	codec for -raw: msgpack (default) or pickle.
`)
}

func catMain(argv []string) {
	raw := false
	codecName := "msgpack"

	flags := flag.FlagSet{Usage: func() { catUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.BoolVar(&raw, "raw", raw, "dump object data without any headers. Only one object allowed.")
	flags.StringVar(&codecName, "codec", codecName, "snapshot codec for -raw")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) < 2 {
		flags.Usage()
		prog.Exit(2)
	}
	backURL := argv[0]

	identv := []opm.Ident{}
	for _, arg := range argv[1:] {
		ident, err := opm.ParseIdent(arg)
		if err != nil {
			prog.Fatal(err)
		}
		identv = append(identv, ident)
	}

	if raw && len(identv) > 1 {
		prog.Fatal("only 1 object allowed with -raw")
	}

	var codec opm.SnapshotCodec
	switch codecName {
	case "msgpack":
		codec = opm.MsgpackCodec{}
	case "pickle":
		codec = opm.PickleCodec{}
	default:
		prog.Fatal(fmt.Errorf("unknown codec %q", codecName))
	}

	ctx := context.Background()

	back, err := opm.OpenBackend(ctx, backURL)
	if err != nil {
		prog.Fatal(err)
	}
	defer back.Close()

	for _, ident := range identv {
		if raw {
			err = CatRaw(ctx, os.Stdout, back, ident, codec)
		} else {
			err = Cat(ctx, os.Stdout, back, ident)
		}
		if err != nil {
			prog.Fatal(err)
		}
	}
}
