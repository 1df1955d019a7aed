// Package fd implements the file-descriptor table (part of component
// C8) described in spec §3: a small dense mapping from non-negative
// integers to descriptor entries, with fixed stdio slots at 0/1/2.
//
// Adapted from biscuit/src/fd/fd.go's Fd_t (an Fops interface plus
// permission bits): this kernel has no filesystem, so Fops shrinks to
// the read/write/close surface a UDP socket or a pipe actually needs,
// and Copyfd's Reopen-based duplication becomes dup3's direct table
// assignment.
package fd

import (
	"rvkernel/internal/errno"
	"rvkernel/internal/limits"
)

// OpenFileLimit bounds open descriptor entries across every process;
// Install/Dup3 take a credit and Close/CloseAll return it. Boot rebinds
// this to the system-wide limit set.
var OpenFileLimit = limits.NewCounter(4096)

// Flags mirrors the subset of open(2)/fcntl(2) flags the kernel
// recognizes on a descriptor (spec §3: "at minimum O_NONBLOCK").
type Flags int

const (
	NonBlock Flags = 1 << iota
	CloExec
)

// File is the operations surface every descriptor entry implements.
// Stdio and UDP sockets are the kinds implemented; there is no pipe
// File.
type File interface {
	Read(buf []byte) (int, errno.Errno)
	Write(buf []byte) (int, errno.Errno)
	Close() errno.Errno
	// Readable reports whether a read would currently return data
	// without blocking (used by ppoll's POLLIN composition).
	Readable() bool
}

// Entry is one occupied slot in a Table.
type Entry struct {
	File  File
	Flags Flags
}

// Table is a process's file-descriptor table.
type Table struct {
	entries map[int]*Entry
	next    int
}

// NewTable builds an empty table; callers install the three stdio
// entries immediately afterward via InstallStdio.
func NewTable() *Table {
	return &Table{entries: make(map[int]*Entry)}
}

// InstallStdio places f at fd 0, 1, and 2 (stdin/stdout/stderr share one
// underlying File implementation backed by the UART byte queue and
// output sink, matching the teacher's single Stdio_t pattern). The
// three slots still consume open-file credits so CloseAll's give-back
// balances.
func (t *Table) InstallStdio(f File) {
	OpenFileLimit.Taken(3)
	for i := 0; i < 3; i++ {
		t.entries[i] = &Entry{File: f}
	}
	if t.next < 3 {
		t.next = 3
	}
}

// Get returns the entry at fd, or ok=false if it is not open.
func (t *Table) Get(fdnum int) (*Entry, bool) {
	e, ok := t.entries[fdnum]
	return e, ok
}

// Install assigns the lowest unused non-negative integer to f and
// returns it, or -1 when the system-wide open-file ceiling is reached.
func (t *Table) Install(f File, flags Flags) int {
	if !OpenFileLimit.Take() {
		return -1
	}
	n := 0
	for {
		if _, used := t.entries[n]; !used {
			break
		}
		n++
	}
	t.entries[n] = &Entry{File: f, Flags: flags}
	if n == t.next {
		t.next = n + 1
	}
	return n
}

// Dup3 assigns oldfd's underlying entry to newfd, closing whatever was
// previously there (dup3(2) semantics).
func (t *Table) Dup3(oldfd, newfd int) errno.Errno {
	src, ok := t.entries[oldfd]
	if !ok {
		return errno.EBADF
	}
	if old, existed := t.entries[newfd]; existed {
		old.File.Close()
	} else if !OpenFileLimit.Take() {
		return errno.ENOMEM
	}
	cp := *src
	t.entries[newfd] = &cp
	return errno.Success
}

// Close removes fd from the table. Closing an already-closed fd is
// EBADF (spec §3: close is idempotent "only in that" sense).
func (t *Table) Close(fdnum int) errno.Errno {
	e, ok := t.entries[fdnum]
	if !ok {
		return errno.EBADF
	}
	delete(t.entries, fdnum)
	OpenFileLimit.Give()
	return e.File.Close()
}

// CloseAll closes every open entry, used when a process's last thread
// exits.
func (t *Table) CloseAll() {
	for n, e := range t.entries {
		e.File.Close()
		delete(t.entries, n)
		OpenFileLimit.Give()
	}
}
