// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint decides whether a unit needs to rebuild. Each
// unit's fingerprint summarizes every input to its compilation; a unit
// whose stored fingerprint matches the freshly computed one is fresh
// and its compiler invocation is skipped entirely.
package fingerprint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// LocalKind discriminates per-invocation variance sources.
type LocalKind string

const (
	// KindPrecalculated is a content hash known before compiling, used
	// for immutable registry and git sources.
	KindPrecalculated LocalKind = "precalculated"

	// KindMtime compares file timestamps. With a zero reference the
	// path names a translated dep-info file whose listed sources are
	// checked against its own timestamp; with a reference it is a
	// single watched path from a build script's rerun-if-changed.
	KindMtime LocalKind = "mtime"

	// KindEnv is an environment variable a build script asked to watch.
	KindEnv LocalKind = "env"
)

// LocalInput is one source of per-invocation variance.
type LocalInput struct {
	Kind LocalKind `json:"kind"`

	// Path for mtime entries, relative to the package root when
	// possible.
	Path string `json:"path,omitempty"`

	// Hash for precalculated entries.
	Hash string `json:"hash,omitempty"`

	// Mtime is the recorded reference timestamp in unix nanoseconds.
	// Zero means not yet recorded (or dep-info style).
	Mtime int64 `json:"mtime,omitempty"`

	// Env is the watched variable name.
	Env string `json:"env,omitempty"`

	// Value is the observed value; nil records that the variable was
	// unset.
	Value *string `json:"value,omitempty"`
}

// Precalculated builds a content-hash input.
func Precalculated(hash string) LocalInput {
	return LocalInput{Kind: KindPrecalculated, Hash: hash}
}

// MtimeInput builds a watched-path input.
func MtimeInput(path string, ref int64) LocalInput {
	return LocalInput{Kind: KindMtime, Path: path, Mtime: ref}
}

// EnvInput builds a watched-environment input.
func EnvInput(name string, value *string) LocalInput {
	return LocalInput{Kind: KindEnv, Env: name, Value: value}
}

// DepFingerprint ties a dependency unit's fingerprint hash into its
// dependent's.
type DepFingerprint struct {
	PkgId      string `json:"pkg_id"`
	ExternName string `json:"extern_name"`
	Hash       uint64 `json:"hash,string"`
}

// Fingerprint is the full structured input summary for one unit.
//
// # Thread Safety
//
// Owned by the coordinator. Hash memoization is not synchronized.
type Fingerprint struct {
	// Compiler is the hash of the compiler's identity and version
	// output. Zero marks a never-initialized fingerprint and must not
	// be persisted.
	Compiler uint64 `json:"compiler,string"`

	// CompilerPath is the hash of the compiler's filesystem path.
	CompilerPath uint64 `json:"compiler_path,string"`

	// Target is the triple the unit compiles for.
	Target string `json:"target"`

	// Profile is the profile's identity key.
	Profile string `json:"profile"`

	Edition string `json:"edition,omitempty"`

	// Features is the canonical sorted comma-joined feature list.
	Features string `json:"features"`

	// Flags are extra compiler flags beyond the profile's.
	Flags []string `json:"flags,omitempty"`

	// Deps are the dependency fingerprints in resolver order.
	Deps []DepFingerprint `json:"deps"`

	// Local are this unit's own variance inputs.
	Local []LocalInput `json:"local"`

	memo uint64
}

// Hash returns the fingerprint's 64-bit hash, memoized. Mtime reference
// values are deliberately excluded so that refreshing timestamps after
// a build does not change the hex.
func (f *Fingerprint) Hash() uint64 {
	if f.memo != 0 {
		return f.memo
	}
	h := fnv.New64a()
	var buf [8]byte

	u64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	str := func(s string) {
		u64(uint64(len(s)))
		h.Write([]byte(s))
	}

	u64(f.Compiler)
	u64(f.CompilerPath)
	str(f.Target)
	str(f.Profile)
	str(f.Edition)
	str(f.Features)
	u64(uint64(len(f.Flags)))
	for _, fl := range f.Flags {
		str(fl)
	}
	u64(uint64(len(f.Deps)))
	for _, d := range f.Deps {
		str(d.PkgId)
		str(d.ExternName)
		u64(d.Hash)
	}
	u64(uint64(len(f.Local)))
	for _, l := range f.Local {
		str(string(l.Kind))
		str(l.Path)
		str(l.Hash)
		str(l.Env)
		if l.Value != nil {
			str(*l.Value)
		} else {
			str("\x00unset")
		}
	}

	f.memo = h.Sum64()
	if f.memo == 0 {
		f.memo = 1
	}
	return f.memo
}

// Hex is the short-file form of the hash.
func (f *Fingerprint) Hex() string {
	return fmt.Sprintf("%016x", f.Hash())
}

// Marshal serializes the structured fingerprint.
func (f *Fingerprint) Marshal() ([]byte, error) {
	return json.MarshalIndent(f, "", "  ")
}

// Unmarshal parses a stored structured fingerprint.
func Unmarshal(data []byte) (*Fingerprint, error) {
	var f Fingerprint
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fingerprint: %w", err)
	}
	return &f, nil
}
