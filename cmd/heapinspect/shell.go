// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/pwndiag/heapinspect/internal/heap"
	"github.com/pwndiag/heapinspect/internal/proc"
)

const shellHelp = `commands:
  maps                      address-space map and merged ranges
  record                    full snapshot summary
  chunks                    contiguous heap chunks
  bins                      unsorted/small/large bin chains
  fastbins                  fastbin chains
  tcache                    per-thread cache chains
  search <region> <pat>     scan libc, heap or stack for a pattern
  read <addr> <n>           hex-dump n bytes of target memory
  help                      this text
  quit                      leave the shell`

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "interactively explore the target's heap",
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
			in, err := newInspector()
			if err != nil {
				return err
			}
			return runShell(p, in)
		},
	}
}

func runShell(p *proc.Proc, in *heap.Inspector) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("heapinspect:%d> ", p.Pid()),
		HistoryFile:     filepath.Join(os.TempDir(), "heapinspect_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return nil
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Println(shellHelp)
		case "maps":
			if err := printMaps(p); err != nil {
				fmt.Println(err)
			}
		case "record":
			printRecord(in)
		case "chunks":
			printChunks(in)
		case "bins":
			printBins(in)
		case "fastbins":
			printFastbins(in)
		case "tcache":
			printTcache(in)
		case "search":
			if len(args) != 3 {
				fmt.Println("usage: search {libc|heap|stack} pattern")
				continue
			}
			if err := printSearch(p, args[1], args[2]); err != nil {
				fmt.Println(err)
			}
		case "read":
			if len(args) != 3 {
				fmt.Println("usage: read <addr> <n>")
				continue
			}
			shellRead(p, args[1], args[2])
		default:
			fmt.Printf("unknown command %q (try help)\n", args[0])
		}
	}
}

func shellRead(p *proc.Proc, addrArg, sizeArg string) {
	addr, err := strconv.ParseUint(addrArg, 0, 64)
	if err != nil {
		fmt.Printf("bad address %q\n", addrArg)
		return
	}
	n, err := strconv.Atoi(sizeArg)
	if err != nil || n <= 0 {
		fmt.Printf("bad size %q\n", sizeArg)
		return
	}
	data, err := p.Read(proc.Address(addr), n)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Print(hex.Dump(data))
}
