// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package proc reads another process's address space through procfs.
//
// A Proc represents one target pid. It holds no descriptors between
// calls: every query re-reads /proc/<pid>/maps or /proc/<pid>/mem, so
// results reflect the target as it runs. Reading another process's
// memory needs the same privilege a debugger does; a missing capability
// surfaces as a failed read, never as a panic.
package proc

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pwndiag/heapinspect/internal/arch"
)

// A Mapping is one row of the target's address-space map.
type Mapping struct {
	Range Range
	Perm  Perm
	// Name is the map name column: a filesystem path, a bracketed
	// sentinel such as [heap] or [stack], or "mapped" for anonymous
	// mappings.
	Name string
}

// mapLine matches one row of /proc/<pid>/maps, skipping the offset,
// device and inode columns.
var mapLine = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+) ([rwxps-]+)(?: \S+){3} *(.*)$`)

var (
	libcRE = regexp.MustCompile(`^[^\x00]*libc(?:-[\d.]+)?\.so(?:\.6)?$`)
	ldRE   = regexp.MustCompile(`^[^\x00]*ld(?:-[\d.]+)?\.so(?:\.2)?$`)
)

// A Proc reads the address space of one running process.
type Proc struct {
	pid    uint64
	root   string
	procfs bool // root is the real /proc, so pid-based syscalls apply
	arch   arch.Arch
}

// New builds a Proc for pid backed by the real /proc, probing the
// target's architecture from its executable image.
func New(pid uint64) (*Proc, error) {
	return NewWithRoot(pid, "/proc")
}

// NewWithRoot is New with the procfs mount point overridden. Anything
// other than /proc (fixture trees, chroots) disables the pid-addressed
// syscall fast path and reads the mem file directly.
func NewWithRoot(pid uint64, root string) (*Proc, error) {
	p := &Proc{pid: pid, root: root, procfs: root == "/proc"}
	a, err := arch.Probe(p.ExePath())
	if err != nil {
		return nil, err
	}
	p.arch = a
	return p, nil
}

func (p *Proc) Pid() uint64 {
	return p.pid
}

// Arch returns the target's architecture as probed at construction.
func (p *Proc) Arch() arch.Arch {
	return p.arch
}

// ExePath returns the procfs path of the target's executable image.
func (p *Proc) ExePath() string {
	return p.path("exe")
}

func (p *Proc) path(name string) string {
	return filepath.Join(p.root, strconv.FormatUint(p.pid, 10), name)
}

// Vmmap reads the target's full address-space map, in file order.
// Rows the map-line pattern cannot account for ([vsyscall]-class edge
// rows at worst) are skipped.
func (p *Proc) Vmmap() ([]Mapping, error) {
	data, err := os.ReadFile(p.path("maps"))
	if err != nil {
		return nil, err
	}
	var maps []Mapping
	for _, line := range strings.Split(string(data), "\n") {
		m := mapLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(m[2], 16, 64)
		if err != nil {
			continue
		}
		name := m[4]
		if name == "" {
			name = "mapped"
		}
		maps = append(maps, Mapping{
			Range: Range{Start: Address(start), End: Address(end)},
			Perm:  ParsePerm(m[3]),
			Name:  name,
		})
	}
	return maps, nil
}

// classify reduces a map name to its category key. The function is
// total: names that are none of the known sentinels and not a libc
// image fall through to the path basename.
func classify(name string) string {
	switch {
	case name == "mapped":
		return "mapped"
	case name == "[heap]":
		return "heap"
	case name == "[stack]":
		return "stack"
	case libcRE.MatchString(name):
		return "libc"
	}
	return filepath.Base(name)
}

// Ranges returns the merged address ranges of every map category. The
// mapped, libc, heap and stack keys are always present, empty or not;
// other keys appear on first use. Ranges of one category that touch or
// overlap are coalesced into their union.
func (p *Proc) Ranges() map[string][]Range {
	ranges := map[string][]Range{
		"mapped": {},
		"libc":   {},
		"heap":   {},
		"stack":  {},
	}
	maps, err := p.Vmmap()
	if err != nil {
		return ranges
	}
	for _, m := range maps {
		key := classify(m.Name)
		ranges[key] = mergeRange(ranges[key], m.Range)
	}
	return ranges
}

// mergeRange folds r into rs, replacing every range that touches or
// overlaps it with the single union entry.
func mergeRange(rs []Range, r Range) []Range {
	out := rs[:0]
	for _, o := range rs {
		if r.touches(o) {
			if o.Start < r.Start {
				r.Start = o.Start
			}
			if o.End > r.End {
				r.End = o.End
			}
		} else {
			out = append(out, o)
		}
	}
	return append(out, r)
}

// Bases returns each category's region start addresses in maps order,
// without deduplication.
func (p *Proc) Bases() map[string][]Address {
	bases := map[string][]Address{
		"mapped": {},
		"libc":   {},
		"heap":   {},
		"stack":  {},
	}
	maps, err := p.Vmmap()
	if err != nil {
		return bases
	}
	for _, m := range maps {
		key := classify(m.Name)
		bases[key] = append(bases[key], m.Range.Start)
	}
	return bases
}

// Whereis returns the category of the first map containing a.
func (p *Proc) Whereis(a Address) (string, bool) {
	maps, err := p.Vmmap()
	if err != nil {
		return "", false
	}
	for _, m := range maps {
		if m.Range.Contains(a) {
			return classify(m.Name), true
		}
	}
	return "", false
}

// Read returns exactly n bytes of the target's memory at a. Unmapped
// pages and permission denials are expected failure modes and come back
// as errors. Against the real /proc, process_vm_readv is tried first;
// any failure falls back to a positioned read of /proc/<pid>/mem, which
// also covers targets that deny the syscall. No descriptor outlives the
// call.
func (p *Proc) Read(a Address, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("read %d bytes at %v: negative size", n, a)
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if p.procfs {
		local := unix.Iovec{Base: &buf[0]}
		local.SetLen(n)
		remote := unix.RemoteIovec{Base: uintptr(a), Len: n}
		nr, err := unix.ProcessVMReadv(int(p.pid), []unix.Iovec{local}, []unix.RemoteIovec{remote}, 0)
		if err == nil && nr == n {
			return buf, nil
		}
	}
	f, err := os.Open(p.path("mem"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.ReadAt(buf, int64(a)); err != nil {
		return nil, fmt.Errorf("read %d bytes at %v: %w", n, a, err)
	}
	return buf, nil
}

// A Match is one hit of a byte-pattern search: the absolute address and
// the matched bytes, hex encoded.
type Match struct {
	Addr Address
	Hex  string
}

// Search scans the memory of r for pattern. The whole range is read in
// one call; an unreadable range yields no matches. See needleBytes for
// how the pattern is interpreted.
func (p *Proc) Search(r Range, pattern string) []Match {
	needle := needleBytes(pattern)
	if len(needle) == 0 || int64(len(needle)) > r.Size() {
		return nil
	}
	data, err := p.Read(r.Start, int(r.Size()))
	if err != nil {
		return nil
	}
	var matches []Match
	for i := 0; i+len(needle) <= len(data); i++ {
		if bytes.Equal(data[i:i+len(needle)], needle) {
			matches = append(matches, Match{
				Addr: r.Start.Add(int64(i)),
				Hex:  hex.EncodeToString(needle),
			})
		}
	}
	return matches
}

// needleBytes turns a search pattern into the byte sequence to scan
// for. A "0x"-prefixed pattern is a hex integer literal and matches its
// little-endian representation (an odd digit count gets a leading 0);
// an all-decimal pattern matches the minimal little-endian encoding of
// its value, at least one byte; anything else matches its raw bytes.
func needleBytes(pattern string) []byte {
	if strings.HasPrefix(pattern, "0x") {
		digits := pattern[2:]
		if len(digits)%2 != 0 {
			digits = "0" + digits
		}
		b, err := hex.DecodeString(digits)
		if err != nil {
			return nil
		}
		for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
		return b
	}
	if isDecimal(pattern) {
		v, err := strconv.ParseUint(pattern, 10, 64)
		if err != nil {
			return nil
		}
		b := []byte{byte(v)}
		for v >>= 8; v != 0; v >>= 8 {
			b = append(b, byte(v))
		}
		return b
	}
	return []byte(pattern)
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// SearchLibc scans the readable mappings of the detected libc image.
func (p *Proc) SearchLibc(pattern string) []Match {
	path, ok := p.LibcPath()
	if !ok {
		return nil
	}
	return p.searchMaps(path, pattern)
}

// SearchStack scans every readable [stack] mapping.
func (p *Proc) SearchStack(pattern string) []Match {
	return p.searchMaps("[stack]", pattern)
}

// SearchHeap scans every readable [heap] mapping.
func (p *Proc) SearchHeap(pattern string) []Match {
	return p.searchMaps("[heap]", pattern)
}

func (p *Proc) searchMaps(name, pattern string) []Match {
	maps, err := p.Vmmap()
	if err != nil {
		return nil
	}
	var matches []Match
	for _, m := range maps {
		if m.Name != name || m.Perm&Read == 0 {
			continue
		}
		matches = append(matches, p.Search(m.Range, pattern)...)
	}
	return matches
}

// LibcPath returns the first map name recognized as a libc image.
func (p *Proc) LibcPath() (string, bool) {
	return p.findLib(libcRE)
}

// LdPath returns the first map name recognized as the dynamic loader.
func (p *Proc) LdPath() (string, bool) {
	return p.findLib(ldRE)
}

func (p *Proc) findLib(re *regexp.Regexp) (string, bool) {
	maps, err := p.Vmmap()
	if err != nil {
		return "", false
	}
	for _, m := range maps {
		if re.MatchString(m.Name) {
			return m.Name, true
		}
	}
	return "", false
}
