// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cstruct describes C structures as ordered field sequences and
// decodes raw memory dumps into typed field accesses. A Def is the
// layout; binding it to bytes read from a target produces an Instance,
// which answers offset, address and value queries by field name.
//
// Sizes are those of a 64-bit little-endian target with an 8-byte
// machine word.
package cstruct

import (
	"strconv"
	"strings"

	"github.com/pwndiag/heapinspect/internal/arch"
	"github.com/pwndiag/heapinspect/internal/proc"
)

// A FieldType is the on-memory representation of one field element.
type FieldType int

const (
	Int16 FieldType = iota // 2 bytes
	Int32                  // 4 bytes
	Ptr                    // 8 bytes
	Size                   // 8 bytes
)

// Size returns the element size in bytes.
func (t FieldType) Size() int {
	switch t {
	case Int16:
		return 2
	case Int32:
		return 4
	}
	return 8
}

// A Field is one member of a struct definition. Count > 1 declares an
// array member; element i lives i element sizes past the field's own
// offset.
type Field struct {
	Type  FieldType
	Name  string
	Count int
}

// A Def is an ordered field sequence describing one C struct layout.
// Field names are unique within a Def.
type Def struct {
	Name   string
	Fields []Field
}

// Size returns the total on-memory size of the struct.
func (d *Def) Size() int {
	n := 0
	for _, f := range d.Fields {
		n += f.Type.Size() * f.Count
	}
	return n
}

// field returns the definition of the named field.
func (d *Def) field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// OffsetOf returns the offset of expr from the start of the struct.
// expr is a field name, optionally indexed as "name[i]"; a bare name
// addresses element 0. Unknown names and out-of-range indexes report
// ok=false.
func (d *Def) OffsetOf(expr string) (int, bool) {
	name, index, ok := parseExpr(expr)
	if !ok {
		return 0, false
	}
	off := 0
	for _, f := range d.Fields {
		if f.Name == name {
			if index >= f.Count {
				return 0, false
			}
			return off + index*f.Type.Size(), true
		}
		off += f.Type.Size() * f.Count
	}
	return 0, false
}

// NewInstance binds a memory dump read at addr to the definition. A
// dump shorter than the struct is zero-padded, never truncated.
func (d *Def) NewInstance(mem []byte, addr proc.Address) *Instance {
	if n := d.Size(); len(mem) < n {
		padded := make([]byte, n)
		copy(padded, mem)
		mem = padded
	}
	return &Instance{def: d, mem: mem, addr: addr}
}

// An Instance is a struct definition bound to one memory dump and the
// address the dump was read from. The dump is owned outright; it is
// never aliased with another instance.
type Instance struct {
	def  *Def
	mem  []byte
	addr proc.Address
}

// Def returns the layout this instance decodes against.
func (in *Instance) Def() *Def {
	return in.def
}

// Addr returns the address the dump was read from.
func (in *Instance) Addr() proc.Address {
	return in.addr
}

// AddrOf returns the absolute address of expr, i.e. the instance base
// plus the field offset.
func (in *Instance) AddrOf(expr string) (proc.Address, bool) {
	off, ok := in.def.OffsetOf(expr)
	if !ok {
		return 0, false
	}
	return in.addr.Add(int64(off)), true
}

// Ptr decodes a pointer- or size-typed field element.
func (in *Instance) Ptr(expr string) (uint64, bool) {
	f, b, ok := in.bytesOf(expr)
	if !ok || (f.Type != Ptr && f.Type != Size) {
		return 0, false
	}
	return arch.AMD64.Uint64(b)
}

// PtrArray decodes every element of a pointer- or size-typed array
// field. name must be bare (no index).
func (in *Instance) PtrArray(name string) ([]uint64, bool) {
	f, ok := in.def.field(name)
	if !ok || (f.Type != Ptr && f.Type != Size) {
		return nil, false
	}
	vals := make([]uint64, 0, f.Count)
	for i := 0; i < f.Count; i++ {
		v, ok := in.Ptr(name + "[" + strconv.Itoa(i) + "]")
		if !ok {
			return nil, false
		}
		vals = append(vals, v)
	}
	return vals, true
}

// Int32v decodes an int32-typed field element.
func (in *Instance) Int32v(expr string) (uint32, bool) {
	f, b, ok := in.bytesOf(expr)
	if !ok || f.Type != Int32 {
		return 0, false
	}
	return arch.AMD64.Uint32(b)
}

// Int16v decodes an int16-typed field element.
func (in *Instance) Int16v(expr string) (uint16, bool) {
	f, b, ok := in.bytesOf(expr)
	if !ok || f.Type != Int16 {
		return 0, false
	}
	return arch.AMD64.Uint16(b)
}

// bytesOf resolves expr to its field definition and the element's byte
// slice within the dump.
func (in *Instance) bytesOf(expr string) (Field, []byte, bool) {
	name, _, ok := parseExpr(expr)
	if !ok {
		return Field{}, nil, false
	}
	f, ok := in.def.field(name)
	if !ok {
		return Field{}, nil, false
	}
	off, ok := in.def.OffsetOf(expr)
	if !ok {
		return Field{}, nil, false
	}
	end := off + f.Type.Size()
	if end > len(in.mem) {
		return Field{}, nil, false
	}
	return f, in.mem[off:end], true
}

// parseExpr splits "name" or "name[i]" into the field name and element
// index, 0 when no index is given.
func parseExpr(expr string) (name string, index int, ok bool) {
	open := strings.IndexByte(expr, '[')
	if open < 0 {
		return expr, 0, true
	}
	if !strings.HasSuffix(expr, "]") {
		return "", 0, false
	}
	idx, err := strconv.Atoi(expr[open+1 : len(expr)-1])
	if err != nil || idx < 0 {
		return "", 0, false
	}
	return expr[:open], idx, true
}
