// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package linux

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSizes(t *testing.T) {
	for _, tc := range []struct {
		m    Marshallable
		want int
	}{
		{&FUSEHeaderIn{}, FUSEHeaderInSize},
		{&FUSEHeaderOut{}, FUSEHeaderOutSize},
		{&FUSEAttr{}, FUSEAttrSize},
		{&FUSEEntryOut{}, FUSEEntryOutSize},
		{&FUSEAttrOut{}, FUSEAttrOutSize},
		{&FUSEGetxtimesOut{}, FUSEGetxtimesOutSize},
		{&FUSEOpenIn{}, FUSEOpenInSize},
		{&FUSEOpenOut{}, FUSEOpenOutSize},
		{&FUSEReadIn{}, FUSEReadInSize},
		{&FUSEWriteIn{}, FUSEWriteInSize},
		{&FUSEWriteOut{}, FUSEWriteOutSize},
		{&FUSEReleaseIn{}, FUSEReleaseInSize},
		{&FUSEFlushIn{}, FUSEFlushInSize},
		{&FUSEFsyncIn{}, FUSEFsyncInSize},
		{&FUSEAccessIn{}, FUSEAccessInSize},
		{&FUSEForgetIn{}, FUSEForgetInSize},
		{&FUSEInterruptIn{}, FUSEInterruptInSize},
		{&FUSERenameIn{}, FUSERenameInSize},
		{&FUSELinkIn{}, FUSELinkInSize},
		{&FUSEMknodIn{}, FUSEMknodInSize},
		{&FUSEMkdirIn{}, FUSEMkdirInSize},
		{&FUSEInitIn{}, FUSEInitInSize},
		{&FUSEInitOut{}, FUSEInitOutSize},
		{&FUSEStatfsOut{}, FUSEStatfsOutSize},
		{&FUSEGetxattrIn{}, FUSEGetxattrInSize},
		{&FUSEGetxattrOut{}, FUSEGetxattrOutSize},
		{&FUSEExchangeIn{}, FUSEExchangeInSize},
		{&FUSEDirentMeta{}, FUSE_NAME_OFFSET},
	} {
		if got := tc.m.SizeBytes(); got != tc.want {
			t.Errorf("%T.SizeBytes() = %d, want %d", tc.m, got, tc.want)
		}
	}
}

func TestHeaderLayout(t *testing.T) {
	h := FUSEHeaderIn{
		Len:    0x28,
		Opcode: FUSE_GETATTR,
		Unique: 0x0102030405060708,
		NodeID: 9,
		UID:    10,
		GID:    11,
		PID:    12,
	}
	buf := make([]byte, FUSEHeaderInSize)
	h.MarshalBytes(buf)
	want := []byte{
		0x28, 0, 0, 0,
		3, 0, 0, 0,
		8, 7, 6, 5, 4, 3, 2, 1,
		9, 0, 0, 0, 0, 0, 0, 0,
		10, 0, 0, 0,
		11, 0, 0, 0,
		12, 0, 0, 0,
		0, 0, 0, 0,
	}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Errorf("unexpected encoding (-want +got):\n%s", diff)
	}

	var got FUSEHeaderIn
	got.UnmarshalBytes(buf)
	if got != h {
		t.Errorf("decoded %+v, want %+v", got, h)
	}
}

func TestEntryOutAttrOffset(t *testing.T) {
	out := FUSEEntryOut{NodeID: 5, Attr: FUSEAttr{Mode: S_IFDIR | 0755, Nlink: 2, Flags: 7}}
	buf := make([]byte, FUSEEntryOutSize)
	out.MarshalBytes(buf)
	// Mode follows seven 64-bit and four 32-bit fields of the attributes,
	// which start after 40 bytes of entry fields.
	if got := ByteOrder.Uint32(buf[40+7*8+4*4:]); got != S_IFDIR|0755 {
		t.Errorf("mode at wrong offset: %o", got)
	}
	var back FUSEEntryOut
	back.UnmarshalBytes(buf)
	if back != out {
		t.Errorf("decoded %+v, want %+v", back, out)
	}
}

func TestHeaderOutNegativeError(t *testing.T) {
	h := FUSEHeaderOut{Len: 16, Error: -5, Unique: 3}
	buf := make([]byte, FUSEHeaderOutSize)
	h.MarshalBytes(buf)
	var got FUSEHeaderOut
	got.UnmarshalBytes(buf)
	if got.Error != -5 {
		t.Errorf("Error = %d, want -5", got.Error)
	}
}

func TestDirentSize(t *testing.T) {
	for _, tc := range []struct{ namelen, want int }{
		{1, 32},
		{8, 32},
		{9, 40},
		{255, 280},
	} {
		if got := FUSEDirentSize(tc.namelen); got != tc.want {
			t.Errorf("FUSEDirentSize(%d) = %d, want %d", tc.namelen, got, tc.want)
		}
	}
}

func TestAppendFUSEDirent(t *testing.T) {
	buf := AppendFUSEDirent(nil, 42, 1, DT_REG, "hello")
	if len(buf) != FUSEDirentSize(5) {
		t.Fatalf("len = %d, want %d", len(buf), FUSEDirentSize(5))
	}
	var meta FUSEDirentMeta
	meta.UnmarshalBytes(buf)
	if meta.Ino != 42 || meta.Off != 1 || meta.NameLen != 5 || meta.Type != DT_REG {
		t.Errorf("meta = %+v", meta)
	}
	if got := string(buf[FUSE_NAME_OFFSET : FUSE_NAME_OFFSET+5]); got != "hello" {
		t.Errorf("name = %q", got)
	}
}

func TestOpcodeString(t *testing.T) {
	if got := FUSE_GETXTIMES.String(); got != "FUSE_GETXTIMES" {
		t.Errorf("String() = %q", got)
	}
	if got := FUSEOpcode(99).String(); got != "FUSEOpcode(99)" {
		t.Errorf("String() = %q", got)
	}
}
