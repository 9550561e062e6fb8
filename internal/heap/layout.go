// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import "github.com/pwndiag/heapinspect/internal/cstruct"

// Layout factories are keyed by libc version so a future glibc release
// can swap field sets without touching the walkers. Every version
// currently resolves to the same 64-bit layouts.

func mallocStateLayout(libcVersion string) *cstruct.Def {
	return &cstruct.Def{
		Name: "malloc_state",
		Fields: []cstruct.Field{
			{Type: cstruct.Int32, Name: "mutex", Count: 1},
			{Type: cstruct.Int32, Name: "flags", Count: 1},
			{Type: cstruct.Int32, Name: "have_fastchunks", Count: 1},
			{Type: cstruct.Int32, Name: "align", Count: 1},
			{Type: cstruct.Ptr, Name: "fastbinsY", Count: 10},
			{Type: cstruct.Ptr, Name: "top", Count: 1},
			{Type: cstruct.Ptr, Name: "last_remainder", Count: 1},
			{Type: cstruct.Ptr, Name: "bins", Count: 254},
			{Type: cstruct.Int32, Name: "binmap", Count: 4},
			{Type: cstruct.Ptr, Name: "next", Count: 1},
			{Type: cstruct.Ptr, Name: "next_free", Count: 1},
			{Type: cstruct.Size, Name: "attached_threads", Count: 1},
			{Type: cstruct.Size, Name: "system_mem", Count: 1},
			{Type: cstruct.Size, Name: "max_system_mem", Count: 1},
		},
	}
}

func mallocChunkLayout(libcVersion string) *cstruct.Def {
	return &cstruct.Def{
		Name: "malloc_chunk",
		Fields: []cstruct.Field{
			{Type: cstruct.Size, Name: "prev_size", Count: 1},
			{Type: cstruct.Size, Name: "size", Count: 1},
			{Type: cstruct.Ptr, Name: "fd", Count: 1},
			{Type: cstruct.Ptr, Name: "bk", Count: 1},
			{Type: cstruct.Ptr, Name: "fd_nextsize", Count: 1},
			{Type: cstruct.Ptr, Name: "bk_nextsize", Count: 1},
		},
	}
}

func tcacheLayout(libcVersion string) *cstruct.Def {
	return &cstruct.Def{
		Name: "tcache_perthread_struct",
		Fields: []cstruct.Field{
			{Type: cstruct.Int16, Name: "counts", Count: 64},
			{Type: cstruct.Ptr, Name: "entries", Count: 64},
		},
	}
}
