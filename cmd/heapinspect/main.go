// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The heapinspect tool explores the glibc allocator state of a live
// Linux process: arena, contiguous heap chunks, fastbins, the unsorted,
// small and large bins, and the per-thread cache. It only ever reads
// the target, through /proc, with debugger-level privilege.
//
// Run "heapinspect help" for the command list.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pwndiag/heapinspect/internal/config"
	"github.com/pwndiag/heapinspect/internal/heap"
	"github.com/pwndiag/heapinspect/internal/proc"
)

var (
	flagPid      uint64
	flagOffset   string
	flagTcache   bool
	flagLibcVer  string
	flagProfile  string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "heapinspect",
		Short:         "inspect the glibc heap of a live process",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(flagLogLevel)
		},
	}
	pf := root.PersistentFlags()
	pf.Uint64Var(&flagPid, "pid", 0, "target process id")
	pf.StringVar(&flagOffset, "arena-offset", "", "offset of main_arena inside libc (hex or decimal)")
	pf.BoolVar(&flagTcache, "tcache", false, "target libc keeps a per-thread cache (glibc >= 2.26)")
	pf.StringVar(&flagLibcVer, "libc-version", "", "libc version display tag")
	pf.StringVar(&flagProfile, "profile", "", "YAML profile with pid and libc parameters")
	pf.StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(
		mapsCmd(),
		recordCmd(),
		chunksCmd(),
		binsCmd(),
		fastbinsCmd(),
		tcacheCmd(),
		searchCmd(),
		shellCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "heapinspect: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// targetPid resolves the pid from the flag or the profile file.
func targetPid() (uint64, error) {
	if flagPid != 0 {
		return flagPid, nil
	}
	if flagProfile != "" {
		prof, err := config.Load(flagProfile)
		if err != nil {
			return 0, err
		}
		return prof.Pid, nil
	}
	return 0, errors.New("a target pid is required (--pid or --profile)")
}

// newInspector builds the inspector from the profile file, with
// explicit flags overriding profile values. The tcache setting is the
// OR of flag and profile: --tcache can turn it on but not off.
func newInspector() (*heap.Inspector, error) {
	pid := flagPid
	cfg := heap.Config{TcacheEnable: flagTcache, LibcVersion: flagLibcVer}
	if flagProfile != "" {
		prof, err := config.Load(flagProfile)
		if err != nil {
			return nil, err
		}
		off, err := prof.ArenaOffset()
		if err != nil {
			return nil, err
		}
		cfg.MainArenaOffset = off
		cfg.TcacheEnable = cfg.TcacheEnable || prof.TcacheEnable
		if cfg.LibcVersion == "" {
			cfg.LibcVersion = prof.LibcVersion
		}
		if pid == 0 {
			pid = prof.Pid
		}
	}
	if flagOffset != "" {
		off, err := strconv.ParseUint(flagOffset, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("arena-offset %q: %w", flagOffset, err)
		}
		cfg.MainArenaOffset = off
	}
	if pid == 0 {
		return nil, errors.New("a target pid is required (--pid or --profile)")
	}
	return heap.New(pid, cfg)
}

func mapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maps",
		Short: "print the address-space map and merged category ranges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := targetPid()
			if err != nil {
				return err
			}
			p, err := proc.New(pid)
			if err != nil {
				return err
			}
			return printMaps(p)
		},
	}
}

func recordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record",
		Short: "take a full snapshot and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := newInspector()
			if err != nil {
				return err
			}
			printRecord(in)
			return nil
		},
	}
}

func chunksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chunks",
		Short: "walk and print the contiguous heap chunks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := newInspector()
			if err != nil {
				return err
			}
			printChunks(in)
			return nil
		},
	}
}

func binsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bins",
		Short: "print the unsorted, small and large bin free-lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := newInspector()
			if err != nil {
				return err
			}
			printBins(in)
			return nil
		},
	}
}

func fastbinsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fastbins",
		Short: "print the fastbin free-lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := newInspector()
			if err != nil {
				return err
			}
			printFastbins(in)
			return nil
		},
	}
}

func tcacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tcache",
		Short: "print the per-thread cache free-lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := newInspector()
			if err != nil {
				return err
			}
			printTcache(in)
			return nil
		},
	}
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search {libc|heap|stack} pattern",
		Short: "scan a region category for a byte pattern",
		Long: `Scan the libc image, the heap, or the stack for a pattern.
A 0x-prefixed pattern is matched as a little-endian hex integer, an
all-decimal pattern as the minimal little-endian encoding of its value,
anything else as raw bytes.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := targetPid()
			if err != nil {
				return err
			}
			p, err := proc.New(pid)
			if err != nil {
				return err
			}
			return printSearch(p, args[0], args[1])
		},
	}
}

func printMaps(p *proc.Proc) error {
	maps, err := p.Vmmap()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "start\tend\tperm\tname\n")
	for _, m := range maps {
		fmt.Fprintf(w, "%v\t%v\t%s\t%s\n", m.Range.Start, m.Range.End, m.Perm, m.Name)
	}
	w.Flush()

	ranges := p.Ranges()
	keys := make([]string, 0, len(ranges))
	for k := range ranges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	for _, k := range keys {
		var parts []string
		for _, r := range ranges[k] {
			parts = append(parts, fmt.Sprintf("%v-%v", r.Start, r.End))
		}
		fmt.Fprintf(w, "%s\t%s\n", k, strings.Join(parts, " "))
	}
	return w.Flush()
}

func printRecord(in *heap.Inspector) {
	rec := in.Record()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "pid\t%d\n", rec.Pid)
	fmt.Fprintf(w, "arch\t%s\n", rec.Arch)
	fmt.Fprintf(w, "libc\t%s (version %s)\n", rec.LibcPath, rec.LibcVersion)
	fmt.Fprintf(w, "exe\t%s\n", rec.ExePath)
	fmt.Fprintf(w, "libc base\t%v\n", rec.LibcBase)
	fmt.Fprintf(w, "heap base\t%v\n", rec.HeapBase)
	if rec.MainArena != nil {
		fmt.Fprintf(w, "arena\t%v (top %#x, system_mem %#x)\n",
			rec.MainArena.Addr(), rec.MainArena.Top(), rec.MainArena.SystemMem())
	} else {
		fmt.Fprintf(w, "arena\tunreadable\n")
	}
	fmt.Fprintf(w, "heap chunks\t%d\n", len(rec.HeapChunks))
	fmt.Fprintf(w, "fastbins\t%d non-empty\n", len(rec.Fastbins))
	fmt.Fprintf(w, "unsorted\t%d chunks\n", len(rec.Unsortedbins))
	fmt.Fprintf(w, "smallbins\t%d non-empty\n", len(rec.Smallbins))
	fmt.Fprintf(w, "largebins\t%d non-empty\n", len(rec.Largebins))
	if rec.TcacheEnable {
		fmt.Fprintf(w, "tcache\t%d non-empty classes\n", len(rec.TcacheChunks))
	} else {
		fmt.Fprintf(w, "tcache\tdisabled\n")
	}
	w.Flush()
}

func printChunks(in *heap.Inspector) {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "addr\tprev_size\tsize\tfd\tbk\n")
	for _, c := range in.HeapChunks() {
		fmt.Fprintf(w, "%v\t%#x\t%#x\t%#x\t%#x\n", c.Addr(), c.PrevSize(), c.Size(), c.Fd(), c.Bk())
	}
	w.Flush()
}

func printBins(in *heap.Inspector) {
	if chain, ok := in.UnsortedbinChain(); ok {
		fmt.Printf("unsorted: %s\n", formatChain(chain))
	} else {
		fmt.Println("unsorted: empty")
	}
	printChainMap("smallbin", in.SmallbinChains())
	printChainMap("largebin", in.LargebinChains())
}

func printFastbins(in *heap.Inspector) {
	printChainMap("fastbin", in.FastbinChains())
}

func printTcache(in *heap.Inspector) {
	if !in.TcacheEnabled() {
		fmt.Println("tcache: disabled")
		return
	}
	t := in.Tcache()
	if t == nil {
		fmt.Println("tcache: unreadable")
		return
	}
	fmt.Printf("tcache header at %v\n", t.Addr())
	printChainMap("tcache", in.TcacheChains())
}

func printChainMap(label string, chains map[int]heap.Chain) {
	idxs := make([]int, 0, len(chains))
	for i := range chains {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		fmt.Printf("%s[%d]: %s\n", label, i, formatChain(chains[i]))
	}
	if len(idxs) == 0 {
		fmt.Printf("%s: all empty\n", label)
	}
}

func formatChain(chain heap.Chain) string {
	parts := make([]string, 0, len(chain.Addrs)+1)
	for _, a := range chain.Addrs {
		parts = append(parts, a.String())
	}
	s := strings.Join(parts, " -> ")
	if chain.Cycle {
		s += " (cycle)"
	}
	return s
}

func printSearch(p *proc.Proc, where, pattern string) error {
	var matches []proc.Match
	switch where {
	case "libc":
		matches = p.SearchLibc(pattern)
	case "heap":
		matches = p.SearchHeap(pattern)
	case "stack":
		matches = p.SearchStack(pattern)
	default:
		return fmt.Errorf("unknown search region %q (want libc, heap or stack)", where)
	}
	for _, m := range matches {
		fmt.Printf("%v %s\n", m.Addr, m.Hex)
	}
	if len(matches) == 0 {
		slog.Debug("no matches", "region", where, "pattern", pattern)
	}
	return nil
}
