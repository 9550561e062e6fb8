// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package proc

import "fmt"

// An Address is a location in the target process's address space.
type Address uint64

// Add returns a+x.
func (a Address) Add(x int64) Address {
	return a + Address(x)
}

// Sub returns a-b.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// A Range is the half-open address interval [Start, End).
type Range struct {
	Start Address
	End   Address
}

// Size returns int64(End-Start).
func (r Range) Size() int64 {
	return r.End.Sub(r.Start)
}

// Contains reports whether a falls inside r.
func (r Range) Contains(a Address) bool {
	return r.Start <= a && a < r.End
}

// touches reports whether r and o overlap or abut, i.e. whether their
// union is a single range.
func (r Range) touches(o Range) bool {
	return r.Start <= o.End && r.End >= o.Start
}

// A Perm represents the permissions of a mapping, as shown in the
// permission column of /proc/<pid>/maps.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
	Shared
	Private
)

// ParsePerm decodes a maps permission column such as "rw-p".
func ParsePerm(s string) Perm {
	var p Perm
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'r':
			p |= Read
		case 'w':
			p |= Write
		case 'x':
			p |= Exec
		case 's':
			p |= Shared
		case 'p':
			p |= Private
		}
	}
	return p
}

func (p Perm) String() string {
	b := []byte("----")
	if p&Read != 0 {
		b[0] = 'r'
	}
	if p&Write != 0 {
		b[1] = 'w'
	}
	if p&Exec != 0 {
		b[2] = 'x'
	}
	switch {
	case p&Shared != 0:
		b[3] = 's'
	case p&Private != 0:
		b[3] = 'p'
	}
	return string(b)
}
