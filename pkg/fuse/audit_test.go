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

package fuse

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// auditTicket returns a ticket whose request has the given opcode and body.
func auditTicket(t *testing.T, s *Session, op linux.FUSEOpcode, body []byte) *Ticket {
	t.Helper()
	tk := s.allocTicket()
	t.Cleanup(tk.destroy)
	tk.msg.Resize(linux.FUSEHeaderInSize + len(body))
	hdr := linux.FUSEHeaderIn{Len: uint32(linux.FUSEHeaderInSize + len(body)), Opcode: op}
	hdr.MarshalBytes(tk.msg.Bytes())
	copy(tk.msg.Bytes()[linux.FUSEHeaderInSize:], body)
	return tk
}

func readInBody(size uint32) []byte {
	in := linux.FUSEReadIn{Size: size}
	b := make([]byte, linux.FUSEReadInSize)
	in.MarshalBytes(b)
	return b
}

func getxattrInBody(size uint32) []byte {
	in := linux.FUSEGetxattrIn{Size: size}
	b := make([]byte, linux.FUSEGetxattrInSize)
	in.MarshalBytes(b)
	return b
}

func TestAuditExactSizes(t *testing.T) {
	s := newTestSession(t, testOptions())
	s.abiMajor, s.abiMinor = 7, 8
	for op, rule := range bodyRules {
		var want int
		switch rule.kind {
		case sizeExact:
			want = rule.size
		case sizeNone:
			want = 0
		default:
			continue
		}
		t.Run(op.String(), func(t *testing.T) {
			tk := auditTicket(t, s, op, nil)
			if err := s.auditBody(tk, want); err != nil {
				t.Errorf("auditBody(%d) = %v, want nil", want, err)
			}
			if err := s.auditBody(tk, want+1); err != linuxerr.EINVAL {
				t.Errorf("auditBody(%d) = %v, want EINVAL", want+1, err)
			}
			if want > 0 {
				if err := s.auditBody(tk, want-1); err != linuxerr.EINVAL {
					t.Errorf("auditBody(%d) = %v, want EINVAL", want-1, err)
				}
			}
		})
	}
}

func TestAuditVariableSizes(t *testing.T) {
	s := newTestSession(t, testOptions())
	s.abiMajor, s.abiMinor = 7, 8
	page := unix.Getpagesize()
	for _, tc := range []struct {
		name string
		op   linux.FUSEOpcode
		body []byte
		blen int
		ok   bool
	}{
		{"read-within", linux.FUSE_READ, readInBody(100), 100, true},
		{"read-short", linux.FUSE_READ, readInBody(100), 0, true},
		{"read-over", linux.FUSE_READ, readInBody(100), 101, false},
		{"readdir-over", linux.FUSE_READDIR, readInBody(64), 65, false},
		{"readlink-page", linux.FUSE_READLINK, nil, page, true},
		{"readlink-over", linux.FUSE_READLINK, nil, page + 1, false},
		{"getxattr-probe", linux.FUSE_GETXATTR, getxattrInBody(0), linux.FUSEGetxattrOutSize, true},
		{"getxattr-probe-bad", linux.FUSE_GETXATTR, getxattrInBody(0), 4, false},
		{"getxattr-data", linux.FUSE_GETXATTR, getxattrInBody(32), 32, true},
		{"getxattr-data-over", linux.FUSE_GETXATTR, getxattrInBody(32), 33, false},
		{"listxattr-data", linux.FUSE_LISTXATTR, getxattrInBody(16), 3, true},
		{"statfs", linux.FUSE_STATFS, nil, linux.FUSEStatfsOutSize, true},
		{"statfs-compat", linux.FUSE_STATFS, nil, linux.FUSECompatStatfsSize, false},
		{"init", linux.FUSE_INIT, nil, linux.FUSEInitOutSize, true},
		{"init-compat", linux.FUSE_INIT, nil, linux.FUSECompatInitOutSize, true},
		{"init-bad", linux.FUSE_INIT, nil, 12, false},
		{"interrupt", linux.FUSE_INTERRUPT, nil, 1234, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tk := auditTicket(t, s, tc.op, tc.body)
			err := s.auditBody(tk, tc.blen)
			if tc.ok && err != nil {
				t.Errorf("auditBody(%d) = %v, want nil", tc.blen, err)
			}
			if !tc.ok && err != linuxerr.EINVAL {
				t.Errorf("auditBody(%d) = %v, want EINVAL", tc.blen, err)
			}
		})
	}
}

func TestAuditStatfsCompat(t *testing.T) {
	s := newTestSession(t, testOptions())
	s.abiMajor, s.abiMinor = 7, 3
	tk := auditTicket(t, s, linux.FUSE_STATFS, nil)
	if err := s.auditBody(tk, linux.FUSECompatStatfsSize); err != nil {
		t.Errorf("compat statfs reply rejected: %v", err)
	}
	if err := s.auditBody(tk, linux.FUSEStatfsOutSize); err != linuxerr.EINVAL {
		t.Errorf("full statfs reply on a 7.3 daemon = %v, want EINVAL", err)
	}
}

func TestAuditDesync(t *testing.T) {
	s := newTestSession(t, testOptions())
	for _, op := range []linux.FUSEOpcode{linux.FUSE_FORGET, linux.FUSE_GETLK, linux.FUSEOpcode(99)} {
		tk := auditTicket(t, s, op, nil)
		err := s.auditBody(tk, 0)
		var desync *DesyncError
		if !errors.As(err, &desync) {
			t.Errorf("auditBody for %v = %v, want a DesyncError", op, err)
		}
	}
}

func TestAuditDeadSession(t *testing.T) {
	s := newTestSession(t, testOptions())
	tk := auditTicket(t, s, linux.FUSE_FLUSH, nil)
	s.SetDead()
	if err := s.auditBody(tk, 0); err != linuxerr.ENOTCONN {
		t.Errorf("auditBody on a dead session = %v, want ENOTCONN", err)
	}
}

func TestAuditReplyHeader(t *testing.T) {
	for _, tc := range []struct {
		name string
		hdr  linux.FUSEHeaderOut
		blen int
		ok   bool
	}{
		{"ok", linux.FUSEHeaderOut{Len: 16 + 8}, 8, true},
		{"len-mismatch", linux.FUSEHeaderOut{Len: 16 + 4}, 8, false},
		{"error-no-body", linux.FUSEHeaderOut{Len: 16, Error: -2}, 0, true},
		{"error-with-body", linux.FUSEHeaderOut{Len: 16 + 8, Error: -2}, 8, false},
		{"positive-error", linux.FUSEHeaderOut{Len: 16, Error: 2}, 0, false},
		{"error-out-of-range", linux.FUSEHeaderOut{Len: 16, Error: -5000}, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := auditReplyHeader(&tc.hdr, tc.blen)
			if got := err == nil; got != tc.ok {
				t.Errorf("auditReplyHeader = %v, want ok=%t", err, tc.ok)
			}
		})
	}
}
