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

// Package iov provides the growable message buffers used to build FUSE
// requests and receive replies.
//
// Every Buffer belongs to a Pool, which carries the sizing policy and the
// count of outstanding buffers. Small backing arrays are recycled through
// size-classed sync.Pools.
package iov

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

const (
	// MinAllocation is the smallest backing array handed out.
	MinAllocation = 160

	// DefaultCredit is the number of oversized resizes tolerated before a
	// buffer is shrunk.
	DefaultCredit = 16

	// DefaultPermanentBufsize is the slack a buffer may keep without
	// spending credit.
	DefaultPermanentBufsize = 1 << 19

	// DefaultAllocLimit bounds a single buffer.
	DefaultAllocLimit = 64 << 20
)

const (
	// The smallest size class. Size class i holds arrays of
	// baseClassSize << i bytes.
	baseClassSizeLog2 = 8
	baseClassSize     = 1 << baseClassSizeLog2 // 256
	numClasses        = 9
	maxClassSize      = baseClassSize << (numClasses - 1) // 64k
)

// classPools recycles backing arrays. Sizes double in each successive pool.
var classPools [numClasses]sync.Pool

func init() {
	for i := 0; i < numClasses; i++ {
		classSize := baseClassSize << i
		classPools[i].New = func() any {
			b := make([]byte, classSize)
			return &b
		}
	}
}

// Precondition: 0 <= size <= maxClassSize.
func classFor(size int) int {
	if size <= baseClassSize {
		return 0
	}
	return bits.Len(uint(size-1)) - baseClassSizeLog2
}

// Pool is the allocation policy shared by a set of buffers.
type Pool struct {
	// Credit is the number of consecutive oversized resizes a buffer
	// tolerates before it is reallocated at the smaller size.
	Credit int

	// PermanentBufsize is the slack a buffer may carry for free. A negative
	// value disables shrinking.
	PermanentBufsize int

	// AllocLimit is the largest size a buffer may grow to.
	AllocLimit int

	outstanding atomic.Int64
}

// NewPool returns a Pool with the default policy.
func NewPool() *Pool {
	return &Pool{
		Credit:           DefaultCredit,
		PermanentBufsize: DefaultPermanentBufsize,
		AllocLimit:       DefaultAllocLimit,
	}
}

// Outstanding returns the number of buffers allocated and not yet released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

func atLeast(size int) int {
	return max(size, MinAllocation)
}

func (p *Pool) alloc(size int) []byte {
	size = atLeast(size)
	if size > maxClassSize {
		return make([]byte, size)
	}
	b := *classPools[classFor(size)].Get().(*[]byte)
	clear(b)
	return b
}

func (p *Pool) free(b []byte) {
	b = b[:cap(b)]
	if len(b) > maxClassSize || len(b) < baseClassSize || len(b)&(len(b)-1) != 0 {
		return
	}
	classPools[classFor(len(b))].Put(&b)
}

// Allocate returns a zero-length buffer with room for at least size bytes.
// It panics if size exceeds the pool's limit.
func (p *Pool) Allocate(size int) *Buffer {
	if size > p.AllocLimit {
		panic(fmt.Sprintf("iov: allocation of %d bytes exceeds limit %d", size, p.AllocLimit))
	}
	b := &Buffer{
		pool:   p,
		data:   p.alloc(size)[:0],
		credit: p.Credit,
	}
	p.outstanding.Add(1)
	return b
}

// Buffer is a growable byte buffer. It is not safe for concurrent use.
type Buffer struct {
	pool   *Pool
	data   []byte
	credit int
}

// Bytes returns the used part of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the used size.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Cap returns the allocated size.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Resize sets the used size to size, reallocating as the pool's policy
// dictates. Contents up to min(old, new) size are kept and any newly exposed
// bytes are zero. It panics if size exceeds the pool's limit.
func (b *Buffer) Resize(size int) {
	if err := b.TryResize(size); err != nil {
		panic(fmt.Sprintf("iov: resize to %d bytes: %v", size, err))
	}
}

// TryResize is like Resize but returns ENOMEM instead of panicking. It must
// be used for sizes chosen by the daemon.
func (b *Buffer) TryResize(size int) error {
	if size < 0 || size > b.pool.AllocLimit {
		return linuxerr.ENOMEM
	}
	old := len(b.data)
	allocated := cap(b.data)
	if allocated < size ||
		(b.pool.PermanentBufsize >= 0 &&
			allocated-size > b.pool.PermanentBufsize &&
			b.decCredit() < 0) {
		nd := b.pool.alloc(size)
		copy(nd, b.data[:min(old, size)])
		b.pool.free(b.data)
		b.data = nd[:size]
		b.credit = b.pool.Credit
		return nil
	}
	b.data = b.data[:size]
	if size > old {
		clear(b.data[old:])
	}
	return nil
}

func (b *Buffer) decCredit() int {
	b.credit--
	return b.credit
}

// Refresh zeroes the used part of the buffer and truncates it.
func (b *Buffer) Refresh() {
	clear(b.data)
	b.Resize(0)
}

// Release returns the backing array to the pool. The buffer must not be used
// afterwards.
func (b *Buffer) Release() {
	if b.pool == nil {
		panic("iov: buffer released twice")
	}
	b.pool.free(b.data)
	b.pool.outstanding.Add(-1)
	b.pool = nil
	b.data = nil
}
