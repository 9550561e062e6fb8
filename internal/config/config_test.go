// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/pwndiag/heapinspect/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "profile-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
pid: 8912
main_arena_offset: "0x3b2ac0"
tcache: true
libc_version: "2.27"
`

func TestLoad_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	p, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.Pid != 8912 {
		t.Errorf("Pid = %d, want 8912", p.Pid)
	}
	if p.MainArenaOffset != "0x3b2ac0" {
		t.Errorf("MainArenaOffset = %q", p.MainArenaOffset)
	}
	if !p.TcacheEnable {
		t.Error("TcacheEnable = false, want true")
	}
	if p.LibcVersion != "2.27" {
		t.Errorf("LibcVersion = %q, want 2.27", p.LibcVersion)
	}

	off, err := p.ArenaOffset()
	if err != nil {
		t.Fatalf("ArenaOffset: %v", err)
	}
	if off != 0x3b2ac0 {
		t.Errorf("ArenaOffset = %#x, want 0x3b2ac0", off)
	}
}

func TestLoad_DecimalOffset(t *testing.T) {
	path := writeTemp(t, "pid: 1\nmain_arena_offset: \"3877568\"\n")
	p, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	off, err := p.ArenaOffset()
	if err != nil {
		t.Fatalf("ArenaOffset: %v", err)
	}
	if off != 3877568 {
		t.Errorf("ArenaOffset = %d, want 3877568", off)
	}
	if p.TcacheEnable {
		t.Error("TcacheEnable defaulted to true")
	}
	if p.LibcVersion != "" {
		t.Errorf("LibcVersion = %q, want empty", p.LibcVersion)
	}
}

func TestLoad_MissingPid(t *testing.T) {
	path := writeTemp(t, "main_arena_offset: \"0x10\"\n")
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "pid") {
		t.Fatalf("err = %v, want pid validation error", err)
	}
}

func TestLoad_MissingOffset(t *testing.T) {
	path := writeTemp(t, "pid: 12\n")
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "main_arena_offset") {
		t.Fatalf("err = %v, want offset validation error", err)
	}
}

func TestLoad_BadOffset(t *testing.T) {
	path := writeTemp(t, "pid: 12\nmain_arena_offset: \"0xzz\"\n")
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "main_arena_offset") {
		t.Fatalf("err = %v, want parse error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/profile.yaml"); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeTemp(t, "pid: [not a scalar\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("Load of malformed YAML succeeded")
	}
}
