// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heap reconstructs the ptmalloc allocator state of a live
// process: the main arena, the contiguous run of heap chunks, the
// fastbin and unsorted/small/large bin free-lists, and the per-thread
// cache. Everything is read-only and best-effort; the target keeps
// running underneath every query, so walkers stop gracefully on
// whatever inconsistency they observe rather than failing.
package heap

import (
	"errors"
	"fmt"
	"os"

	"github.com/pwndiag/heapinspect/internal/arch"
	"github.com/pwndiag/heapinspect/internal/cstruct"
	"github.com/pwndiag/heapinspect/internal/proc"
)

// wordSize is the machine word of the only supported target.
const wordSize = 8

// ErrUnsupportedArch reports a target this inspector cannot decode.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// Well-known library locations tried when the target's maps do not name
// them. First existing path wins.
var (
	libcCandidates = []string{
		"/usr/lib/libc.so.6",
		"/lib/x86_64-linux-gnu/libc.so.6",
		"/lib64/libc.so.6",
	}
	ldCandidates = []string{
		"/usr/lib64/ld-linux-x86-64.so.2",
		"/lib64/ld-linux-x86-64.so.2",
		"/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2",
	}
)

// Config parameterizes one inspector.
type Config struct {
	// MainArenaOffset is the offset of main_arena inside the loaded
	// libc image, commonly discovered from libc symbols.
	MainArenaOffset uint64
	// TcacheEnable must be true for glibc >= 2.26 targets; when false,
	// every tcache query reports nothing.
	TcacheEnable bool
	// LibcVersion is an opaque display tag. It is retained on the
	// record but does not switch struct layouts yet.
	LibcVersion string
}

// A Chain is the ordered list of chunk base addresses observed while
// walking one free-list. Cycle reports that the walk stopped because an
// address was about to repeat — tcache poisoning and similar primitives
// deliberately produce such lists.
type Chain struct {
	Addrs []proc.Address
	Cycle bool
}

// process is the slice of the introspector the walker needs. *proc.Proc
// implements it; tests substitute a canned image.
type process interface {
	Arch() arch.Arch
	Ranges() map[string][]proc.Range
	Bases() map[string][]proc.Address
	Read(a proc.Address, n int) ([]byte, error)
	LibcPath() (string, bool)
	LdPath() (string, bool)
	ExePath() string
}

// An Inspector decodes the allocator state of one target process. It is
// a value for single-threaded use; concurrent queries race on nothing
// in the inspector itself but observe the target at different moments.
type Inspector struct {
	pid         uint64
	pr          process
	arch        arch.Arch
	cfg         Config
	libcVersion string

	// Bases resolved at construction; 0 when the category was absent,
	// in which case queries re-resolve lazily to tolerate maps changing
	// between calls.
	libcBase proc.Address
	heapBase proc.Address

	libcPath string
	ldPath   string
	exePath  string

	mallocState *cstruct.Def
	mallocChunk *cstruct.Def
	tcache      *cstruct.Def
}

// New builds an inspector for one running process. The target is never
// modified, and nothing is cached between queries except the resolved
// bases and paths.
func New(pid uint64, cfg Config) (*Inspector, error) {
	pr, err := proc.New(pid)
	if err != nil {
		return nil, err
	}
	return newInspector(pid, pr, cfg)
}

func newInspector(pid uint64, pr process, cfg Config) (*Inspector, error) {
	if a := pr.Arch(); a != arch.X8664 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, a)
	}
	version := cfg.LibcVersion
	if version == "" {
		version = "unknown"
	}

	in := &Inspector{
		pid:         pid,
		pr:          pr,
		arch:        arch.X8664,
		cfg:         cfg,
		libcVersion: version,
		exePath:     pr.ExePath(),
		mallocState: mallocStateLayout(version),
		mallocChunk: mallocChunkLayout(version),
		tcache:      tcacheLayout(version),
	}

	bases := pr.Bases()
	in.libcBase = firstBase(bases, "libc")
	in.heapBase = firstBase(bases, "heap")
	in.libcPath = resolvePath(pr.LibcPath, libcCandidates)
	in.ldPath = resolvePath(pr.LdPath, ldCandidates)
	return in, nil
}

func (in *Inspector) Pid() uint64 {
	return in.pid
}

func (in *Inspector) Arch() arch.Arch {
	return in.arch
}

// WordSize returns the target's machine word size in bytes.
func (in *Inspector) WordSize() int {
	return wordSize
}

// LibcVersion returns the display tag, "unknown" when none was given.
func (in *Inspector) LibcVersion() string {
	return in.libcVersion
}

// TcacheEnabled reports whether tcache walks are configured on.
func (in *Inspector) TcacheEnabled() bool {
	return in.cfg.TcacheEnable
}

// LibcPath returns the libc image path, empty when neither detection
// nor the candidate list produced one.
func (in *Inspector) LibcPath() string {
	return in.libcPath
}

// LdPath returns the dynamic loader path, empty when unresolved.
func (in *Inspector) LdPath() string {
	return in.ldPath
}

// ExePath returns the procfs path of the target executable.
func (in *Inspector) ExePath() string {
	return in.exePath
}

// Ranges returns the target's current merged map ranges per category.
func (in *Inspector) Ranges() map[string][]proc.Range {
	return in.pr.Ranges()
}

// Bases returns the target's current region start addresses per
// category.
func (in *Inspector) Bases() map[string][]proc.Address {
	return in.pr.Bases()
}

// LibcBase returns the libc load address, 0 when libc is unmapped.
func (in *Inspector) LibcBase() proc.Address {
	if in.libcBase != 0 {
		return in.libcBase
	}
	return firstBase(in.pr.Bases(), "libc")
}

// HeapBase returns the [heap] region start, 0 when the target has no
// heap yet.
func (in *Inspector) HeapBase() proc.Address {
	if in.heapBase != 0 {
		return in.heapBase
	}
	return firstBase(in.pr.Bases(), "heap")
}

func firstBase(bases map[string][]proc.Address, key string) proc.Address {
	if v := bases[key]; len(v) > 0 {
		return v[0]
	}
	return 0
}

// resolvePath prefers the introspector's detection and falls back to
// the first candidate present on the local filesystem.
func resolvePath(detect func() (string, bool), candidates []string) string {
	if path, ok := detect(); ok {
		return path
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
