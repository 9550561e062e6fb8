// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cstruct_test

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pwndiag/heapinspect/internal/cstruct"
	"github.com/pwndiag/heapinspect/internal/proc"
)

// sampleDef exercises every field type and both scalar and array
// members:
//
//	a  int32[2]  offset 0
//	b  int16[3]  offset 8
//	p  ptr[2]    offset 14
//	s  size[1]   offset 30
func sampleDef() *cstruct.Def {
	return &cstruct.Def{
		Name: "sample",
		Fields: []cstruct.Field{
			{Type: cstruct.Int32, Name: "a", Count: 2},
			{Type: cstruct.Int16, Name: "b", Count: 3},
			{Type: cstruct.Ptr, Name: "p", Count: 2},
			{Type: cstruct.Size, Name: "s", Count: 1},
		},
	}
}

func TestDefSize(t *testing.T) {
	if got := sampleDef().Size(); got != 38 {
		t.Errorf("Size = %d, want 38", got)
	}
}

func TestOffsetOf(t *testing.T) {
	d := sampleDef()
	tests := []struct {
		expr string
		want int
	}{
		{"a", 0},
		{"a[1]", 4},
		{"b", 8},
		{"b[2]", 12},
		{"p", 14},
		{"p[1]", 22},
		{"s", 30},
		{"s[0]", 30},
	}
	for _, tt := range tests {
		got, ok := d.OffsetOf(tt.expr)
		if !ok {
			t.Errorf("OffsetOf(%q) not found", tt.expr)
			continue
		}
		if got != tt.want {
			t.Errorf("OffsetOf(%q) = %d, want %d", tt.expr, got, tt.want)
		}
	}
}

func TestOffsetOfRejects(t *testing.T) {
	d := sampleDef()
	for _, expr := range []string{"q", "a[2]", "p[99]", "a[", "a[]", "a[x]", "a[-1]"} {
		if off, ok := d.OffsetOf(expr); ok {
			t.Errorf("OffsetOf(%q) = %d, want not found", expr, off)
		}
	}
}

// TestOffsetsStayInside pins the invariant that every addressable element
// ends within the struct.
func TestOffsetsStayInside(t *testing.T) {
	d := sampleDef()
	size := d.Size()
	for _, f := range d.Fields {
		for i := 0; i < f.Count; i++ {
			expr := f.Name
			if i > 0 {
				expr = f.Name + "[" + string(rune('0'+i)) + "]"
			}
			off, ok := d.OffsetOf(expr)
			if !ok {
				t.Fatalf("OffsetOf(%q) not found", expr)
			}
			if off+f.Type.Size() > size {
				t.Errorf("element %q ends at %d, past struct size %d", expr, off+f.Type.Size(), size)
			}
		}
	}
}

func TestInstanceAccessors(t *testing.T) {
	d := sampleDef()
	mem := make([]byte, d.Size())
	binary.LittleEndian.PutUint32(mem[0:], 0x11223344)
	binary.LittleEndian.PutUint32(mem[4:], 0x55667788)
	binary.LittleEndian.PutUint16(mem[12:], 0xbeef)
	binary.LittleEndian.PutUint64(mem[14:], 0xdeadbeefcafebabe)
	binary.LittleEndian.PutUint64(mem[22:], 0x4141414142424242)
	binary.LittleEndian.PutUint64(mem[30:], 0x1000)

	base := proc.Address(0x7f0000001000)
	in := d.NewInstance(mem, base)

	if got := in.Addr(); got != base {
		t.Errorf("Addr = %v, want %v", got, base)
	}
	if got, ok := in.AddrOf("p[1]"); !ok || got != base.Add(22) {
		t.Errorf("AddrOf(p[1]) = %v, %v", got, ok)
	}
	if v, ok := in.Int32v("a[1]"); !ok || v != 0x55667788 {
		t.Errorf("Int32v(a[1]) = %#x, %v", v, ok)
	}
	if v, ok := in.Int16v("b[2]"); !ok || v != 0xbeef {
		t.Errorf("Int16v(b[2]) = %#x, %v", v, ok)
	}
	if v, ok := in.Ptr("p"); !ok || v != 0xdeadbeefcafebabe {
		t.Errorf("Ptr(p) = %#x, %v", v, ok)
	}
	if v, ok := in.Ptr("s"); !ok || v != 0x1000 {
		t.Errorf("Ptr(s) = %#x, %v", v, ok)
	}
	want := []uint64{0xdeadbeefcafebabe, 0x4141414142424242}
	got, ok := in.PtrArray("p")
	if !ok {
		t.Fatal("PtrArray(p) failed")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PtrArray(p) mismatch (-want +got):\n%s", diff)
	}
}

func TestInstanceTypeMismatch(t *testing.T) {
	d := sampleDef()
	in := d.NewInstance(make([]byte, d.Size()), 0)

	if _, ok := in.Ptr("a"); ok {
		t.Error("Ptr decoded an int32 field")
	}
	if _, ok := in.Int32v("p"); ok {
		t.Error("Int32v decoded a ptr field")
	}
	if _, ok := in.Int16v("s"); ok {
		t.Error("Int16v decoded a size field")
	}
	if _, ok := in.PtrArray("b"); ok {
		t.Error("PtrArray decoded an int16 field")
	}
	if _, ok := in.Ptr("nope"); ok {
		t.Error("Ptr decoded an unknown field")
	}
}

func TestInstancePadding(t *testing.T) {
	d := sampleDef()
	// Bind a dump covering only the first field; everything past it
	// must decode as zero rather than failing.
	short := []byte{0x01, 0x00, 0x00, 0x00}
	in := d.NewInstance(short, 0x1000)

	if v, ok := in.Int32v("a"); !ok || v != 1 {
		t.Errorf("Int32v(a) = %#x, %v", v, ok)
	}
	if v, ok := in.Ptr("p[1]"); !ok || v != 0 {
		t.Errorf("Ptr(p[1]) = %#x, %v, want 0 from padding", v, ok)
	}
	if v, ok := in.Ptr("s"); !ok || v != 0 {
		t.Errorf("Ptr(s) = %#x, %v, want 0 from padding", v, ok)
	}
}

func TestLittleEndianRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 0x7f, 0x8000000000000000, 0xffffffffffffffff, 0x0123456789abcdef} {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		if got := binary.LittleEndian.Uint64(buf[:]); got != v {
			t.Errorf("u64 round trip: %#x -> %#x", v, got)
		}
	}
	for _, v := range []uint32{0, 0xdeadbeef, 0xffffffff} {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], v)
		if got := binary.LittleEndian.Uint32(buf[:]); got != v {
			t.Errorf("u32 round trip: %#x -> %#x", v, got)
		}
	}
	for _, v := range []uint16{0, 0x1234, 0xffff} {
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], v)
		if got := binary.LittleEndian.Uint16(buf[:]); got != v {
			t.Errorf("u16 round trip: %#x -> %#x", v, got)
		}
	}
}
