// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"github.com/pwndiag/heapinspect/internal/arch"
	"github.com/pwndiag/heapinspect/internal/proc"
)

// A Record is a self-contained snapshot of a single inspection. It owns
// every value it holds; later queries on the inspector do not disturb
// it. Walkers that found nothing leave empty collections or nil views —
// a partially readable target still produces a record.
type Record struct {
	Pid          uint64
	Arch         arch.Arch
	LibcVersion  string
	TcacheEnable bool
	LibcPath     string
	ExePath      string
	WordSize     int

	MainArena *MallocState
	Tcache    *Tcache

	HeapChunks   []*MallocChunk
	Fastbins     map[int][]*MallocChunk
	Unsortedbins []*MallocChunk
	Smallbins    map[int][]*MallocChunk
	Largebins    map[int][]*MallocChunk
	TcacheChunks map[int][]*MallocChunk

	LibcBase proc.Address
	HeapBase proc.Address
	Bases    map[string][]proc.Address
	Ranges   map[string][]proc.Range
}

// Record invokes each walker once, in fixed order, and freezes the
// results.
func (in *Inspector) Record() *Record {
	return &Record{
		Pid:          in.Pid(),
		Arch:         in.Arch(),
		LibcVersion:  in.LibcVersion(),
		TcacheEnable: in.TcacheEnabled(),
		LibcPath:     in.LibcPath(),
		ExePath:      in.ExePath(),
		WordSize:     in.WordSize(),
		MainArena:    in.MainArena(),
		Tcache:       in.Tcache(),
		HeapChunks:   in.HeapChunks(),
		Fastbins:     in.Fastbins(),
		Unsortedbins: in.Unsortedbins(),
		Smallbins:    in.Smallbins(),
		Largebins:    in.Largebins(),
		TcacheChunks: in.TcacheChunks(),
		LibcBase:     in.LibcBase(),
		HeapBase:     in.HeapBase(),
		Bases:        in.Bases(),
		Ranges:       in.Ranges(),
	}
}
