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

package sqlitestore
// read connections.
//
// Writes all go through one dedicated connection (see Backend.wconn); reads
// outside a datastore transaction may run concurrently and are served by a
// pool of read-only-by-convention connections opened on demand. A connection
// returned after the pool is closed is closed, not leaked.

import (
	"errors"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"

	sqlite3 "github.com/gwenn/gosqlite"
)

// readPool hands out SQLite connections for reads.
type readPool struct {
	open func() (*sqlite3.Conn, error)

	mu     sync.Mutex
	freev  []*sqlite3.Conn // idle connections, reused most-recently-put first
	closed bool
}

func newReadPool(open func() (*sqlite3.Conn, error)) *readPool {
	return &readPool{open: open}
}

var errPoolClosed = errors.New("sqlite: read pool is closed")

// get returns a connection together with the put to release it with.
//
// The connection must not be used after put.
func (p *readPool) get() (_ *sqlite3.Conn, put func(), _ error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, errPoolClosed
	}
	var conn *sqlite3.Conn
	if n := len(p.freev); n > 0 {
		n--
		conn = p.freev[n]
		p.freev[n] = nil
		p.freev = p.freev[:n]
	}
	p.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = p.open()
		if err != nil {
			return nil, nil, err
		}
	}
	return conn, func() { p.put(conn) }, nil
}

// put takes a connection back for reuse.
func (p *readPool) put(conn *sqlite3.Conn) {
	p.mu.Lock()
	if !p.closed {
		p.freev = append(p.freev, conn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	conn.Close() // raced with close - the pool no longer owns cleanup
}

// close closes idle connections and stops handing out new ones.
//
// Connections currently lent out are closed by their put.
func (p *readPool) close() error {
	p.mu.Lock()
	freev := p.freev
	p.freev = nil
	p.closed = true
	p.mu.Unlock()

	var errv xerr.Errorv
	for _, conn := range freev {
		errv.Appendif(conn.Close())
	}
	return errv.Err()
}
