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

package opmtools
// help topics

import "lab.nexedi.com/kirr/go123/prog"

const helpOURL = `An opm datastore is specified by URL. Current resolution is:

	mem://<name>		in-RAM datastore; same non-empty name means
				same shared store within the process
	sqlite://<path>		datastore in SQLite database file

A URL without scheme is treated as mem://.
`

const helpIdent = `Object identity is specified as text with three :-separated parts

	- class name
	- identity kind ('d' - datastore-assigned, 'a' - application-assigned,
	  's' - session-only)
	- identity key

for example

	Person:d:0000000000000001	- Person with datastore-assigned oid 1
	Country:a:fr			- Country with primary key "fr"
`

var helpTopics = prog.HelpRegistry{
	{Name: "ourl",  Summary: "specifying datastore URL", Text: helpOURL},
	{Name: "ident", Summary: "specifying object identity", Text: helpIdent},
}
