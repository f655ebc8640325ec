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

	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// AccessAction is a set of rights requested on a node.
type AccessAction uint32

// Access rights. Directory rights share bits with their file counterparts.
const (
	AccessReadData AccessAction = 1 << iota
	AccessWriteData
	AccessExecute
	AccessDelete
	AccessAppendData
	AccessDeleteChild
	AccessReadAttributes
	AccessWriteAttributes
	AccessReadExtAttributes
	AccessWriteExtAttributes
	AccessReadSecurity
	AccessWriteSecurity

	AccessListDirectory   = AccessReadData
	AccessAddFile         = AccessWriteData
	AccessSearch          = AccessExecute
	AccessAddSubdirectory = AccessAppendData

	// AccessGenericWrite is every right that modifies the node.
	AccessGenericWrite = AccessWriteData | AccessAppendData | AccessDelete |
		AccessDeleteChild | AccessWriteAttributes | AccessWriteExtAttributes |
		AccessWriteSecurity

	// AccessGenericExecute is every right that executes the node.
	AccessGenericExecute = AccessExecute
)

// AccessRequest carries per-call access state. It is updated by Access, so
// that a caller checking several actions on one node only pays for the
// ownership check once.
type AccessRequest struct {
	// NoCheckSpy skips the mount owner check.
	NoCheckSpy bool

	// DoAccess asks the daemon with FUSE_ACCESS once local checks pass.
	DoAccess bool
}

// Access checks whether the caller in ctx may perform action on n.
func (s *Session) Access(ctx context.Context, n *Node, action AccessAction, req *AccessRequest) error {
	if req == nil {
		req = &AccessRequest{}
	}
	flags := s.opts.Flags
	if flags&MountDeferPermissions != 0 {
		return nil
	}
	if action&AccessGenericWrite != 0 && flags&MountReadOnly != 0 {
		return linuxerr.EACCES
	}

	// Unless explicitly permitted, deny everyone except the mount owner.
	if n.ID != linux.FUSE_ROOT_ID && !req.NoCheckSpy {
		if flags&MountAllowOther == 0 && !s.isOwner(CredentialsFromContext(ctx)) {
			return linuxerr.EPERM
		}
		req.NoCheckSpy = true
	}

	if !req.DoAccess {
		return nil
	}
	vtype := n.Type()
	if vtype == VREG && action&AccessGenericExecute != 0 {
		// Execute permission on files is left to the host.
		return nil
	}
	if !s.isImplemented(linux.FUSE_ACCESS) || flags&MountDefaultPermissions != 0 {
		return nil
	}

	mask := accessMask(vtype, action)
	d := newDispatcher(s, linux.FUSEAccessInSize)
	if err := d.make(ctx, linux.FUSE_ACCESS, n.ID); err != nil {
		return err
	}
	in := linux.FUSEAccessIn{Mask: linux.F_OK | mask}
	in.MarshalBytes(d.in)
	err := d.wait(ctx)
	d.release()

	switch err {
	case linuxerr.ENOSYS:
		s.setNotImplemented(linux.FUSE_ACCESS)
		return nil
	case linuxerr.ENOENT:
		s.log.Infof("node %d disappeared (type %v, action %#x)", n.ID, vtype, uint32(action))
		s.disappear(n, true)
	}
	return err
}

// accessMask maps rights to an access(2) mask.
func accessMask(vtype FileType, action AccessAction) uint32 {
	var mask uint32
	if vtype == VDIR {
		if action&(AccessListDirectory|AccessReadExtAttributes) != 0 {
			mask |= linux.R_OK
		}
		if action&(AccessAddFile|AccessAddSubdirectory|AccessDeleteChild) != 0 {
			mask |= linux.W_OK
		}
		if action&AccessSearch != 0 {
			mask |= linux.X_OK
		}
	} else {
		if action&(AccessReadData|AccessReadExtAttributes) != 0 {
			mask |= linux.R_OK
		}
		if action&(AccessWriteData|AccessAppendData) != 0 {
			mask |= linux.W_OK
		}
		if action&AccessExecute != 0 {
			mask |= linux.X_OK
		}
	}
	if action&(AccessDelete|AccessWriteAttributes|AccessWriteExtAttributes|AccessWriteSecurity) != 0 {
		mask |= linux.W_OK
	}
	return mask
}

// isOwner returns true if creds belong to the daemon's owner.
func (s *Session) isOwner(creds Credentials) bool {
	owner := s.opts.Daemon
	return creds.UID == owner.UID && creds.GID == owner.GID
}
