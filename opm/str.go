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
// formatting and parsing for basic opm types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"lab.nexedi.com/kirr/go123/xfmt"
)

// String converts oid to string.
//
// Default oid string representation is 16-character hex string, e.g.:
//
//	0000000000000001
//
// See also: ParseOid.
func (oid Oid) String() string {
	return string(oid.XFmtString(nil))
}

func (oid Oid) XFmtString(b []byte) []byte {
	return xfmt.AppendHex016(b, uint64(oid))
}

// parseHex64 decodes 16-character-wide hex-encoded string into uint64
func parseHex64(subj, s string) (uint64, error) {
	var b [8]byte
	if len(s) != 16 {
		return 0, fmt.Errorf("%s %q invalid", subj, s)
	}
	_, err := hex.Decode(b[:], []byte(s))
	if err != nil {
		return 0, fmt.Errorf("%s %q invalid", subj, s)
	}

	return binary.BigEndian.Uint64(b[:]), nil
}

// ParseOid parses oid from string.
//
// See also: Oid.String .
func ParseOid(s string) (Oid, error) {
	x, err := parseHex64("oid", s)
	return Oid(x), err
}

// String converts ident to string.
//
// Default ident string representation is:
//
//	- class name
//	- ":"
//	- kind character (d - datastore, a - application, s - nondurable)
//	- ":"
//	- key text
//
// e.g.
//
//	app.Person:d:0000000000000001	- datastore-assigned oid 1 of class app.Person
//
// See also: ParseIdent.
func (ident Ident) String() string {
	return ident.Class + ":" + string(ident.Kind) + ":" + ident.Key
}

// ParseIdent parses ident from string.
//
// See also: Ident.String .
func ParseIdent(s string) (Ident, error) {
	partv := strings.SplitN(s, ":", 3)
	if len(partv) != 3 || len(partv[1]) != 1 {
		return Ident{}, fmt.Errorf("ident %q invalid", s)
	}

	ident := Ident{Class: partv[0], Kind: IdKind(partv[1][0]), Key: partv[2]}
	if !ident.Valid() {
		return Ident{}, fmt.Errorf("ident %q invalid", s)
	}

	if ident.Kind == DatastoreId {
		_, err := ParseOid(ident.Key)
		if err != nil {
			return Ident{}, fmt.Errorf("ident %q invalid: %s", s, err)
		}
	}

	return ident, nil
}
