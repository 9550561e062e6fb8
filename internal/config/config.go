// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides YAML inspection-profile loading and
// validation for the heapinspect CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Profile describes one target to inspect. A profile file keeps the
// per-libc parameters next to the pid so repeat inspections do not need
// the offset retyped.
type Profile struct {
	// Pid is the target process id. Required.
	Pid uint64 `yaml:"pid"`

	// MainArenaOffset is the offset of main_arena inside the target's
	// libc image, as a 0x-prefixed hex or decimal string (e.g.
	// "0x3b2ac0"). Required.
	MainArenaOffset string `yaml:"main_arena_offset"`

	// TcacheEnable marks the target libc as tcache-aware (glibc >=
	// 2.26). Defaults to false.
	TcacheEnable bool `yaml:"tcache"`

	// LibcVersion is an optional display tag (e.g. "2.39").
	LibcVersion string `yaml:"libc_version"`
}

// Load reads and validates a profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return &p, nil
}

func (p *Profile) validate() error {
	if p.Pid == 0 {
		return errors.New("pid must be set")
	}
	if p.MainArenaOffset == "" {
		return errors.New("main_arena_offset must be set")
	}
	_, err := p.ArenaOffset()
	return err
}

// ArenaOffset parses MainArenaOffset, accepting 0x-prefixed hex or
// plain decimal.
func (p *Profile) ArenaOffset() (uint64, error) {
	v, err := strconv.ParseUint(p.MainArenaOffset, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("main_arena_offset %q: %w", p.MainArenaOffset, err)
	}
	return v, nil
}
