// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fingerprint

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestParseMakeDepInfo(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "single line",
			in:   "target/debug/deps/libdemo.rlib: src/lib.rs src/util.rs\n",
			want: []string{"src/lib.rs", "src/util.rs"},
		},
		{
			name: "continuations",
			in:   "out: src/lib.rs \\\n  src/a.rs \\\n  src/b.rs\n\nsrc/lib.rs:\nsrc/a.rs:\n",
			want: []string{"src/lib.rs", "src/a.rs", "src/b.rs"},
		},
		{
			name: "escaped space",
			in:   "out: src/has\\ space.rs src/b.rs\n",
			want: []string{"src/has space.rs", "src/b.rs"},
		},
		{
			name: "comment skipped",
			in:   "# generated\nout: src/lib.rs\n",
			want: []string{"src/lib.rs"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseMakeDepInfo([]byte(tc.in))
			if err != nil {
				t.Fatalf("ParseMakeDepInfo: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := ParseMakeDepInfo([]byte("no rule here\n")); !errors.Is(err, ErrBadDepInfo) {
		t.Errorf("err = %v, want ErrBadDepInfo", err)
	}
	if _, err := ParseMakeDepInfo(nil); !errors.Is(err, ErrBadDepInfo) {
		t.Errorf("empty input err = %v, want ErrBadDepInfo", err)
	}
}

func TestTranslateAnchorsPaths(t *testing.T) {
	d := Translate([]string{
		"/pkg/root/src/lib.rs",
		"src/gen.rs",
		"/usr/share/外部/data.bin",
	}, "/pkg/root")

	want := []DepInfoPath{
		{Kind: PathPackage, Path: "src/lib.rs"},
		{Kind: PathPackage, Path: "src/gen.rs"},
		{Kind: PathAbsolute, Path: "/usr/share/外部/data.bin"},
	}
	if !reflect.DeepEqual(d.Files, want) {
		t.Errorf("got %v, want %v", d.Files, want)
	}

	abs := d.Absolute("/pkg/root")
	if abs[0] != "/pkg/root/src/lib.rs" || abs[2] != "/usr/share/外部/data.bin" {
		t.Errorf("Absolute = %v", abs)
	}
}

func TestDepInfoRoundTrip(t *testing.T) {
	d := Translate([]string{"/r/src/lib.rs", "/r/src/a.rs", "/etc/host.cfg"}, "/r")

	enc := d.Encode()
	got, err := DecodeDepInfo(enc)
	if err != nil {
		t.Fatalf("DecodeDepInfo: %v", err)
	}
	if !reflect.DeepEqual(got, d) {
		t.Errorf("round trip changed value: %v != %v", got, d)
	}
	if !bytes.Equal(got.Encode(), enc) {
		t.Error("re-encoding a decoded value must be byte-identical")
	}
}

func TestDecodeDepInfoRejectsGarbage(t *testing.T) {
	good := Translate([]string{"/r/a.rs"}, "/r").Encode()
	cases := map[string][]byte{
		"empty":       nil,
		"bad magic":   []byte("NOPE\x01\x00\x00\x00\x00"),
		"bad version": append([]byte("QDEP\x09"), good[5:]...),
		"truncated":   good[:len(good)-2],
		"trailing":    append(append([]byte{}, good...), 0xff),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeDepInfo(data); !errors.Is(err, ErrBadDepInfo) {
				t.Errorf("err = %v, want ErrBadDepInfo", err)
			}
		})
	}
}
