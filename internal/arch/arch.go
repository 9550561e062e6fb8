// Copyright 2025 The heapinspect Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch contains architecture-specific definitions and the ELF
// class probe used to classify a target executable.
package arch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// Arch identifies a target instruction-set architecture.
type Arch string

const (
	X86   Arch = "x86"
	X8664 Arch = "x86_64"
)

// elfClassOffset is the position of the EI_CLASS byte in the ELF
// identification header.
const elfClassOffset = 4

// ErrBadClass reports an EI_CLASS value that names no known ELF class.
var ErrBadClass = errors.New("bad EI_CLASS value")

// Probe reads the ELF class byte of the executable at path and
// classifies it as 32- or 64-bit. The file is not parsed beyond that one
// byte: the target may be mid-exec or otherwise only partially readable,
// and the class is the only field anything downstream depends on.
func Probe(path string) (Arch, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var cls [1]byte
	if _, err := f.ReadAt(cls[:], elfClassOffset); err != nil {
		return "", fmt.Errorf("read ELF class of %s: %w", path, err)
	}
	switch cls[0] {
	case 1:
		return X86, nil
	case 2:
		return X8664, nil
	}
	return "", fmt.Errorf("%s: %w %#x", path, ErrBadClass, cls[0])
}

// Architecture defines the architecture-specific details for a given
// machine.
type Architecture struct {
	// PointerSize is the size of a pointer, in bytes.
	PointerSize int
	// ByteOrder is the byte order for ints and pointers.
	ByteOrder binary.ByteOrder
}

// Uint16 decodes a 16-bit value from the front of buf.
func (a *Architecture) Uint16(buf []byte) (uint16, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return a.ByteOrder.Uint16(buf[:2]), true
}

// Uint32 decodes a 32-bit value from the front of buf.
func (a *Architecture) Uint32(buf []byte) (uint32, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return a.ByteOrder.Uint32(buf[:4]), true
}

// Uint64 decodes a 64-bit value from the front of buf.
func (a *Architecture) Uint64(buf []byte) (uint64, bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return a.ByteOrder.Uint64(buf[:8]), true
}

var AMD64 = Architecture{
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
}
