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
)

// Forget tells the daemon to drop nlookup references to a node. It never
// waits for the daemon and is never retried.
func (s *Session) Forget(ctx context.Context, nodeID, nlookup uint64) {
	if nlookup == 0 || nodeID == linux.FUSE_ROOT_ID {
		return
	}
	d := newDispatcher(s, linux.FUSEForgetInSize)
	if err := d.make(ctx, linux.FUSE_FORGET, nodeID); err != nil {
		s.log.Debugf("forget of node %d lost: %v", nodeID, err)
		return
	}
	in := linux.FUSEForgetIn{Nlookup: nlookup}
	in.MarshalBytes(d.in)
	d.sendNoReply()
	s.counters.forgets.Add(1)
}

// sendInterrupt asks the daemon to abort the request with the given
// correlation id. The request is not waited for; the daemon may ignore it.
func (s *Session) sendInterrupt(unique uint64) {
	d := newDispatcher(s, linux.FUSEInterruptInSize)
	if err := d.make(context.Background(), linux.FUSE_INTERRUPT, 0); err != nil {
		return
	}
	in := linux.FUSEInterruptIn{Unique: unique}
	in.MarshalBytes(d.in)
	d.sendNoReply()
}

// Reclaim drops a node that is no longer referenced: its filehandles are
// released, its lookups forgotten and it is removed from the node table.
func (s *Session) Reclaim(ctx context.Context, n *Node) {
	if n.ID == linux.FUSE_ROOT_ID {
		return
	}
	if !s.Dead() {
		s.releaseAll(ctx, n)
	}
	n.mu.Lock()
	nlookup := n.nlookup
	n.nlookup = 0
	n.mu.Unlock()
	s.nodes.Remove(n.ID)
	if !s.Dead() {
		s.Forget(ctx, n.ID, nlookup)
	}
}
