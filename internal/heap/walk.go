// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pwndiag/heapinspect/internal/arch"
	"github.com/pwndiag/heapinspect/internal/proc"
)

// Node read sizes for the doubly-linked bin walks: small and unsorted
// chunks need the header plus fd/bk, large chunks additionally carry
// fd_nextsize/bk_nextsize.
const (
	smallBinNode = 0x20
	largeBinNode = 0x30
)

// sizeMask strips the low three flag bits of a chunk size word.
const sizeMask = ^uint64(0b111)

// ArenaMem reads the raw bytes of the main arena.
func (in *Inspector) ArenaMem() ([]byte, error) {
	addr := in.LibcBase().Add(int64(in.cfg.MainArenaOffset))
	return in.pr.Read(addr, in.mallocState.Size())
}

// MainArena decodes the main arena, or nil when its memory cannot be
// read.
func (in *Inspector) MainArena() *MallocState {
	addr := in.LibcBase().Add(int64(in.cfg.MainArenaOffset))
	mem, err := in.pr.Read(addr, in.mallocState.Size())
	if err != nil {
		return nil
	}
	return newMallocState(in.mallocState, mem, addr)
}

// Tcache locates and decodes the per-thread cache header at the start
// of the heap, or nil when tcache is disabled or unreadable. The tcache
// chunk may sit behind a 16-byte alignment pad; the second size-word of
// the heap distinguishes the two placements.
func (in *Inspector) Tcache() *Tcache {
	if !in.cfg.TcacheEnable {
		return nil
	}
	heapBase := in.HeapBase()
	probe, err := in.pr.Read(heapBase.Add(wordSize), wordSize)
	if err != nil {
		return nil
	}
	addr := heapBase.Add(2 * wordSize)
	if v, _ := arch.AMD64.Uint64(probe); v == 0 {
		addr = heapBase.Add(4 * wordSize)
	}
	mem, err := in.pr.Read(addr, in.tcache.Size())
	if err != nil {
		return nil
	}
	return &Tcache{inst: in.tcache.NewInstance(mem, addr)}
}

// HeapMem reads the first [heap] range in full.
func (in *Inspector) HeapMem() ([]byte, error) {
	rs := in.pr.Ranges()["heap"]
	if len(rs) == 0 {
		return nil, errors.New("no [heap] mapping")
	}
	return in.pr.Read(rs[0].Start, int(rs[0].Size()))
}

// HeapChunks walks the contiguous run of chunks in the first [heap]
// mapping. An inconsistent size word (zero, undersized, or past the end
// of the region) ends the walk: with the target still running, a torn
// read is expected, not an error.
func (in *Inspector) HeapChunks() []*MallocChunk {
	mem, err := in.HeapMem()
	if err != nil {
		return nil
	}
	if len(mem) < 2*wordSize {
		return nil
	}
	heapBase := in.HeapBase()

	cur := 0
	if first, _ := arch.AMD64.Uint64(mem[wordSize:]); first&sizeMask == 0 {
		// Empty header pad before the first real chunk.
		cur += 2 * wordSize
	}

	var chunks []*MallocChunk
	for cur+2*wordSize <= len(mem) {
		raw, _ := arch.AMD64.Uint64(mem[cur+wordSize:])
		size := raw & sizeMask
		if size == 0 || size < 2*wordSize || size > uint64(len(mem)-cur) {
			break
		}
		end := cur + int(size)
		// Each chunk view owns its bytes; nothing aliases the region
		// buffer once the walk returns.
		chunks = append(chunks, newMallocChunk(in.mallocChunk, slices.Clone(mem[cur:end]), heapBase.Add(int64(cur))))
		next := end &^ 0xF
		if next <= cur {
			break
		}
		cur = next
	}
	return chunks
}

// Fastbins returns the chunks on each non-empty fastbin, keyed by bin
// index. Fastbin links are chunk base addresses, so no adjustment is
// applied while chasing fd.
func (in *Inspector) Fastbins() map[int][]*MallocChunk {
	result := make(map[int][]*MallocChunk)
	arena := in.MainArena()
	if arena == nil {
		return result
	}
	heads, ok := arena.Fastbins()
	if !ok {
		return result
	}
	for i, head := range heads {
		if lst := in.collectFd(head, 0); len(lst) > 0 {
			result[i] = lst
		}
	}
	return result
}

// FastbinChains returns the address chain of each non-empty fastbin,
// with cycle detection.
func (in *Inspector) FastbinChains() map[int]Chain {
	result := make(map[int]Chain)
	arena := in.MainArena()
	if arena == nil {
		return result
	}
	heads, ok := arena.Fastbins()
	if !ok {
		return result
	}
	for i, head := range heads {
		if chain := in.chaseFd(head, 0); len(chain.Addrs) > 0 {
			result[i] = chain
		}
	}
	return result
}

// TcacheChunks returns the chunks on each non-empty tcache size class.
// Entries point at user data, two words past the chunk base.
func (in *Inspector) TcacheChunks() map[int][]*MallocChunk {
	result := make(map[int][]*MallocChunk)
	if !in.cfg.TcacheEnable {
		return result
	}
	t := in.Tcache()
	if t == nil {
		return result
	}
	entries, ok := t.Entries()
	if !ok {
		return result
	}
	for i, entry := range entries {
		if lst := in.collectFd(entry, 2*wordSize); len(lst) > 0 {
			result[i] = lst
		}
	}
	return result
}

// TcacheChains returns the address chain of each non-empty tcache size
// class, with cycle detection.
func (in *Inspector) TcacheChains() map[int]Chain {
	result := make(map[int]Chain)
	if !in.cfg.TcacheEnable {
		return result
	}
	t := in.Tcache()
	if t == nil {
		return result
	}
	entries, ok := t.Entries()
	if !ok {
		return result
	}
	for i, entry := range entries {
		if chain := in.chaseFd(entry, 2*wordSize); len(chain.Addrs) > 0 {
			result[i] = chain
		}
	}
	return result
}

// collectFd follows a single-linked fd list from head, materializing a
// chunk per node. adjust is subtracted from each link to translate it
// to the chunk base (2 words for tcache entries, 0 for fastbins). The
// traversed list only bounds the walk: a revisited link is recorded
// once more and then the walk stops, silently.
func (in *Inspector) collectFd(head, adjust uint64) []*MallocChunk {
	ptr := head
	var lst []*MallocChunk
	var traversed []uint64
	for ptr != 0 {
		base := ptr - adjust
		if adjust > ptr {
			base = 0
		}
		mem, err := in.pr.Read(proc.Address(base), 4*wordSize)
		if err != nil {
			break
		}
		c := newMallocChunk(in.mallocChunk, mem, proc.Address(base))
		next := c.Fd()
		lst = append(lst, c)
		if slices.Contains(traversed, ptr) {
			break
		}
		traversed = append(traversed, ptr)
		ptr = next
	}
	return lst
}

// chaseFd follows the same list as collectFd but records only chunk
// base addresses, and reports a revisited link as a first-class cycle
// without recording it again.
func (in *Inspector) chaseFd(head, adjust uint64) Chain {
	var chain Chain
	seen := make(map[uint64]bool)
	ptr := head
	for ptr != 0 {
		if seen[ptr] {
			chain.Cycle = true
			break
		}
		seen[ptr] = true
		base := ptr - adjust
		if adjust > ptr {
			base = 0
		}
		mem, err := in.pr.Read(proc.Address(base), 4*wordSize)
		if err != nil {
			break
		}
		c := newMallocChunk(in.mallocChunk, mem, proc.Address(base))
		chain.Addrs = append(chain.Addrs, c.Addr())
		ptr = c.Fd()
	}
	return chain
}

// Bins walks the doubly-linked bins in [start, end), reading nodeSize
// bytes per node. The arena's bins array holds fd/bk pointer pairs; the
// pair for bin k behaves as a degenerate chunk whose fd and bk words sit
// where a real chunk's would, so the head's chunk address is two words
// before addrof(bins[2k]). The walk chases bk until it returns to the
// head; the head sentinel itself is not collected.
func (in *Inspector) Bins(start, end, nodeSize int) map[int][]*MallocChunk {
	result := make(map[int][]*MallocChunk)
	arena := in.MainArena()
	if arena == nil {
		return result
	}
	for k := start; k < end; k++ {
		headAddr, ok := arena.AddrOf(fmt.Sprintf("bins[%d]", 2*k))
		if !ok {
			continue
		}
		headAddr = headAddr.Add(-2 * wordSize)
		mem, err := in.pr.Read(headAddr, nodeSize)
		if err != nil {
			continue
		}
		cur := newMallocChunk(in.mallocChunk, mem, headAddr)
		var lst []*MallocChunk
		var traversed []uint64
		for cur.Bk() != uint64(headAddr) {
			next := cur.Bk()
			mem, err := in.pr.Read(proc.Address(next), nodeSize)
			if err != nil {
				break
			}
			cur = newMallocChunk(in.mallocChunk, mem, proc.Address(next))
			bk := cur.Bk()
			lst = append(lst, cur)
			if slices.Contains(traversed, bk) {
				break
			}
			traversed = append(traversed, bk)
		}
		if len(lst) > 0 {
			result[k] = lst
		}
	}
	return result
}

// BinChains is the chain-walking counterpart of Bins.
func (in *Inspector) BinChains(start, end, nodeSize int) map[int]Chain {
	result := make(map[int]Chain)
	arena := in.MainArena()
	if arena == nil {
		return result
	}
	for k := start; k < end; k++ {
		headAddr, ok := arena.AddrOf(fmt.Sprintf("bins[%d]", 2*k))
		if !ok {
			continue
		}
		headAddr = headAddr.Add(-2 * wordSize)
		mem, err := in.pr.Read(headAddr, nodeSize)
		if err != nil {
			continue
		}
		cur := newMallocChunk(in.mallocChunk, mem, headAddr)
		var chain Chain
		seen := make(map[uint64]bool)
		for cur.Bk() != uint64(headAddr) {
			next := cur.Bk()
			if seen[next] {
				chain.Cycle = true
				break
			}
			seen[next] = true
			mem, err := in.pr.Read(proc.Address(next), nodeSize)
			if err != nil {
				break
			}
			cur = newMallocChunk(in.mallocChunk, mem, proc.Address(next))
			chain.Addrs = append(chain.Addrs, cur.Addr())
		}
		if len(chain.Addrs) > 0 {
			result[k] = chain
		}
	}
	return result
}

// Unsortedbins returns the chunks queued on the unsorted bin (bin 0),
// possibly empty.
func (in *Inspector) Unsortedbins() []*MallocChunk {
	return in.Bins(0, 1, smallBinNode)[0]
}

// UnsortedbinChain returns the unsorted bin's address chain. An empty
// walk records no chain at all.
func (in *Inspector) UnsortedbinChain() (Chain, bool) {
	chain, ok := in.BinChains(0, 1, smallBinNode)[0]
	return chain, ok
}

// Smallbins returns the chunks of every non-empty small bin. Bin 1 is
// reserved by the small-bin indexing scheme and skipped.
func (in *Inspector) Smallbins() map[int][]*MallocChunk {
	return in.Bins(2, 64, smallBinNode)
}

// SmallbinChains returns every non-empty small-bin address chain.
func (in *Inspector) SmallbinChains() map[int]Chain {
	return in.BinChains(2, 64, smallBinNode)
}

// Largebins returns the chunks of every non-empty large bin. Large-bin
// nodes are read with their nextsize links.
func (in *Inspector) Largebins() map[int][]*MallocChunk {
	return in.Bins(64, 127, largeBinNode)
}

// LargebinChains returns every non-empty large-bin address chain.
func (in *Inspector) LargebinChains() map[int]Chain {
	return in.BinChains(64, 127, largeBinNode)
}
