// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"strconv"

	"github.com/pwndiag/heapinspect/internal/cstruct"
	"github.com/pwndiag/heapinspect/internal/proc"
)

// A MallocState is a decoded main-arena dump.
type MallocState struct {
	inst *cstruct.Instance
}

func newMallocState(def *cstruct.Def, mem []byte, addr proc.Address) *MallocState {
	return &MallocState{inst: def.NewInstance(mem, addr)}
}

// Addr returns the arena's address in the target.
func (s *MallocState) Addr() proc.Address {
	return s.inst.Addr()
}

// AddrOf returns the absolute address of an arena field element, e.g.
// "bins[4]".
func (s *MallocState) AddrOf(expr string) (proc.Address, bool) {
	return s.inst.AddrOf(expr)
}

// Fastbins returns the ten fastbin head pointers.
func (s *MallocState) Fastbins() ([]uint64, bool) {
	return s.inst.PtrArray("fastbinsY")
}

// Top returns the top-chunk pointer, 0 when undecodable.
func (s *MallocState) Top() uint64 {
	v, _ := s.inst.Ptr("top")
	return v
}

// SystemMem returns the arena's system_mem counter, 0 when undecodable.
func (s *MallocState) SystemMem() uint64 {
	v, _ := s.inst.Ptr("system_mem")
	return v
}

// A MallocChunk is a decoded chunk dump. Accessors fall back to 0 when
// the underlying field cannot be decoded, so torn or truncated reads
// walk like terminators instead of failing.
type MallocChunk struct {
	inst *cstruct.Instance
}

func newMallocChunk(def *cstruct.Def, mem []byte, addr proc.Address) *MallocChunk {
	return &MallocChunk{inst: def.NewInstance(mem, addr)}
}

// Addr returns the chunk's base address (the prev_size word).
func (c *MallocChunk) Addr() proc.Address {
	return c.inst.Addr()
}

// Fd returns the forward link of a free chunk.
func (c *MallocChunk) Fd() uint64 {
	v, _ := c.inst.Ptr("fd")
	return v
}

// Bk returns the backward link of a free chunk.
func (c *MallocChunk) Bk() uint64 {
	v, _ := c.inst.Ptr("bk")
	return v
}

// Size returns the raw size word, flag bits included.
func (c *MallocChunk) Size() uint64 {
	v, _ := c.inst.Ptr("size")
	return v
}

// PrevSize returns the prev_size word.
func (c *MallocChunk) PrevSize() uint64 {
	v, _ := c.inst.Ptr("prev_size")
	return v
}

// A Tcache is a decoded tcache_perthread_struct dump.
type Tcache struct {
	inst *cstruct.Instance
}

// Addr returns the address the tcache header was read from.
func (t *Tcache) Addr() proc.Address {
	return t.inst.Addr()
}

// Entries returns the 64 size-class head pointers. Entries point at a
// freed chunk's user data, two words past the chunk header.
func (t *Tcache) Entries() ([]uint64, bool) {
	return t.inst.PtrArray("entries")
}

// Counts returns the 64 per-class chunk counters.
func (t *Tcache) Counts() ([]uint16, bool) {
	counts := make([]uint16, 0, 64)
	for i := 0; i < 64; i++ {
		v, ok := t.inst.Int16v("counts[" + strconv.Itoa(i) + "]")
		if !ok {
			return nil, false
		}
		counts = append(counts, v)
	}
	return counts, true
}
