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
	"context"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

func strangerContext(t *testing.T, s *Session) context.Context {
	owner := s.opts.Daemon
	return WithCredentials(testContext(t), Credentials{UID: owner.UID + 1, GID: owner.GID})
}

func TestAccessLocalChecks(t *testing.T) {
	for _, tc := range []struct {
		name     string
		flags    MountFlags
		stranger bool
		node     uint64
		action   AccessAction
		want     error
	}{
		{name: "owner", node: 5, action: AccessReadData},
		{name: "stranger", stranger: true, node: 5, action: AccessReadData, want: linuxerr.EPERM},
		{name: "stranger-root", stranger: true, node: linux.FUSE_ROOT_ID, action: AccessReadData},
		{name: "allow-other", flags: MountAllowOther, stranger: true, node: 5, action: AccessReadData},
		{name: "defer", flags: MountDeferPermissions | MountReadOnly, stranger: true, node: 5, action: AccessWriteData},
		{name: "read-only-write", flags: MountReadOnly, node: 5, action: AccessAppendData, want: linuxerr.EACCES},
		{name: "read-only-read", flags: MountReadOnly, node: 5, action: AccessReadAttributes},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			opts.Flags = tc.flags
			s := newTestSession(t, opts)
			s.setInitialized()
			n := s.Root()
			if tc.node != linux.FUSE_ROOT_ID {
				n = addNode(s, tc.node, linux.S_IFREG|0644, 0)
			}
			ctx := testContext(t)
			if tc.stranger {
				ctx = strangerContext(t, s)
			}
			if err := s.Access(ctx, n, tc.action, nil); err != tc.want {
				t.Errorf("Access = %v, want %v", err, tc.want)
			}
			if got := s.Stats().Requests; got != 0 {
				t.Errorf("local checks sent %d requests", got)
			}
		})
	}
}

func TestAccessNoCheckSpy(t *testing.T) {
	s := newTestSession(t, testOptions())
	s.setInitialized()
	n := addNode(s, 5, linux.S_IFREG|0644, 0)

	var req AccessRequest
	if err := s.Access(testContext(t), n, AccessReadData, &req); err != nil {
		t.Fatalf("Access failed: %v", err)
	}
	if !req.NoCheckSpy {
		t.Fatalf("owner check not recorded")
	}
	// Later checks on the same request skip the owner check.
	if err := s.Access(strangerContext(t, s), n, AccessReadData, &req); err != nil {
		t.Errorf("Access after the owner check = %v", err)
	}
}

func TestAccessAsksDaemon(t *testing.T) {
	s, fd := newInitializedSession(t, testOptions())
	fd.serve(func(req request) *response {
		return answerBytes(nil)
	})
	ctx := testContext(t)
	file := addNode(s, 5, linux.S_IFREG|0644, 0)

	if err := s.Access(ctx, file, AccessReadData|AccessWriteData, &AccessRequest{DoAccess: true}); err != nil {
		t.Fatalf("Access failed: %v", err)
	}
	reqs := fd.seen()
	if len(reqs) != 1 || reqs[0].hdr.Opcode != linux.FUSE_ACCESS {
		t.Fatalf("Access sent %d requests, want one FUSE_ACCESS", len(reqs))
	}
	var in linux.FUSEAccessIn
	in.UnmarshalBytes(reqs[0].body)
	if want := uint32(linux.F_OK | linux.R_OK | linux.W_OK); in.Mask != want {
		t.Errorf("FUSE_ACCESS mask = %#o, want %#o", in.Mask, want)
	}

	// Executing files is left to the host.
	if err := s.Access(ctx, file, AccessExecute, &AccessRequest{DoAccess: true}); err != nil {
		t.Fatalf("Access failed: %v", err)
	}
	if got := fd.count(linux.FUSE_ACCESS); got != 1 {
		t.Errorf("execute check sent FUSE_ACCESS")
	}
}

func TestAccessNotImplemented(t *testing.T) {
	s, fd := newInitializedSession(t, testOptions())
	fd.serve(func(req request) *response {
		return answerErr(unix.ENOSYS)
	})
	ctx := testContext(t)
	for i := 0; i < 3; i++ {
		if err := s.Access(ctx, s.Root(), AccessListDirectory, &AccessRequest{DoAccess: true}); err != nil {
			t.Fatalf("Access = %v, want nil", err)
		}
	}
	if got := fd.count(linux.FUSE_ACCESS); got != 1 {
		t.Errorf("sent %d FUSE_ACCESS after ENOSYS, want 1", got)
	}
}

func TestAccessDisappeared(t *testing.T) {
	var revoked []*Node
	opts := testOptions()
	opts.OnRevoke = func(n *Node) { revoked = append(revoked, n) }
	s, fd := newInitializedSession(t, opts)
	fd.serve(func(req request) *response {
		return answerErr(unix.ENOENT)
	})
	n := addNode(s, 5, linux.S_IFREG|0644, 0)
	if err := s.Access(testContext(t), n, AccessReadData, &AccessRequest{DoAccess: true}); err != linuxerr.ENOENT {
		t.Fatalf("Access = %v, want ENOENT", err)
	}
	if len(revoked) != 1 || revoked[0] != n || !n.Revoked() {
		t.Errorf("node not revoked")
	}
	if s.Nodes().Get(5) != nil {
		t.Errorf("revoked node still in the table")
	}
}

func TestAccessMask(t *testing.T) {
	for _, tc := range []struct {
		vtype  FileType
		action AccessAction
		want   uint32
	}{
		{VREG, AccessReadData, linux.R_OK},
		{VREG, AccessAppendData, linux.W_OK},
		{VREG, AccessExecute, linux.X_OK},
		{VREG, AccessDelete, linux.W_OK},
		{VREG, AccessReadAttributes, 0},
		{VDIR, AccessListDirectory, linux.R_OK},
		{VDIR, AccessAddSubdirectory, linux.W_OK},
		{VDIR, AccessDeleteChild, linux.W_OK},
		{VDIR, AccessSearch, linux.X_OK},
		{VDIR, AccessListDirectory | AccessSearch, linux.R_OK | linux.X_OK},
		{VLNK, AccessWriteSecurity, linux.W_OK},
	} {
		if got := accessMask(tc.vtype, tc.action); got != tc.want {
			t.Errorf("accessMask(%v, %#x) = %#o, want %#o", tc.vtype, uint32(tc.action), got, tc.want)
		}
	}
}
