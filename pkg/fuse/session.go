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

// Package fuse implements the kernel side of the FUSE protocol: it turns
// file system operations into requests for a user-space daemon, tracks them
// until the daemon answers, and validates the answers.
//
// A Session owns everything for one mount. Requests are carried by tickets,
// which are recycled through a per-session free list. The daemon talks to the
// session through a Device.
package fuse

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/ilist"
	"gvisor.dev/fusebridge/pkg/iov"
	"gvisor.dev/fusebridge/pkg/log"
)

const (
	// DefaultIOSize is the largest read, write or readdir chunk.
	DefaultIOSize = 16 * 4096

	// DefaultBlockSize is the block size reported to the host.
	DefaultBlockSize = 4096

	// DefaultDaemonTimeout is how long a request waits before the timeout
	// policy is consulted.
	DefaultDaemonTimeout = 60 * time.Second

	// DefaultInitTimeout bounds the handshake.
	DefaultInitTimeout = 10 * time.Second

	// DefaultMaxFreeTickets is the size of the free list.
	DefaultMaxFreeTickets = 1024

	// compatMaxWrite is the write size used with daemons older than 7.5.
	compatMaxWrite = 4096
)

// MountFlags are per-mount options.
type MountFlags uint32

// Mount flags.
const (
	// MountAllowOther lets users other than the daemon's owner use the
	// mount.
	MountAllowOther MountFlags = 1 << iota

	// MountDefaultPermissions leaves permission checks to the host.
	MountDefaultPermissions

	// MountDeferPermissions skips access checks entirely.
	MountDeferPermissions

	// MountNoAppleDouble hides AppleDouble files.
	MountNoAppleDouble

	// MountNoAlerts kills the session on the first daemon timeout instead
	// of consulting the timeout policy.
	MountNoAlerts

	// MountReadOnly refuses write access.
	MountReadOnly

	// MountKillOnUnmount signals the daemon when the session is unmounted.
	MountKillOnUnmount
)

// State is the lifecycle state of a session.
type State int32

// Session states.
const (
	StateNotMounted State = iota
	StateMounting
	StateMounted
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNotMounted:
		return "not-mounted"
	case StateMounting:
		return "mounting"
	case StateMounted:
		return "mounted"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configure a Session.
type Options struct {
	// VolumeName names the mount in logs and timeout prompts.
	VolumeName string

	// IOSize is the largest chunk moved by one read, write or readdir
	// request. Zero means DefaultIOSize.
	IOSize uint32

	// BlockSize is reported to the host. Zero means DefaultBlockSize.
	BlockSize uint32

	// DaemonTimeout is how long a request waits for its reply before the
	// timeout policy is consulted. Zero disables the timeout.
	DaemonTimeout time.Duration

	// InitTimeout bounds the handshake. Zero disables the init timer.
	InitTimeout time.Duration

	// MaxTickets, if non-zero, is the number of live tickets beyond which
	// the session is declared dead.
	MaxTickets int

	// MaxFreeTickets is the size of the free list. A negative value keeps
	// every ticket.
	MaxFreeTickets int

	// Daemon identifies the daemon process. Its UID and GID are the owner
	// of the mount; its PID is signalled if the handshake times out.
	Daemon Credentials

	// DaemonSignal is sent to the daemon on init timeout or unmount.
	// Zero means SIGKILL.
	DaemonSignal unix.Signal

	// Flags are the mount flags.
	Flags MountFlags

	// TimeoutPolicy decides what to do when the daemon times out. Nil
	// means DisconnectPolicy.
	TimeoutPolicy TimeoutPolicy

	// Buffers is the buffer pool. Nil means a pool with default policy.
	Buffers *iov.Pool

	// Logger is the session logger. Nil means the global logger.
	Logger log.Logger

	// OnRevoke is called for nodes that disappear on the daemon side.
	OnRevoke func(*Node)
}

// DefaultOptions returns Options with the default limits and timeouts.
func DefaultOptions() Options {
	return Options{
		IOSize:         DefaultIOSize,
		BlockSize:      DefaultBlockSize,
		DaemonTimeout:  DefaultDaemonTimeout,
		InitTimeout:    DefaultInitTimeout,
		MaxFreeTickets: DefaultMaxFreeTickets,
	}
}

// Session is the kernel-side state of one mount.
//
// Lock order:
//   - Session.ticketMu
//     - Ticket.mu
//   - Session.msMu
//     - Ticket.mu
//
// awMu, mu and timeoutMu are leaves.
type Session struct {
	id      string
	opts    Options
	log     log.Logger
	ratelog log.Logger
	buffers *iov.Pool
	nodes   *NodeTable

	// noimpl has bit op set once the daemon answered op with ENOSYS.
	noimpl atomic.Uint64

	// dead is set once, under msMu, when deadCh is closed.
	dead   atomic.Bool
	deadCh chan struct{}

	// initCh is closed once the handshake completes.
	initCh chan struct{}

	// mu protects the handshake and lifecycle state.
	mu sync.Mutex

	// +checklocks:mu
	state State

	// +checklocks:mu
	inited bool

	// kicked is set when the session was killed because of a failed or
	// timed out handshake.
	// +checklocks:mu
	kicked bool

	// +checklocks:mu
	abiMajor uint32

	// +checklocks:mu
	abiMinor uint32

	// +checklocks:mu
	maxWrite uint32

	// +checklocks:mu
	initTimer *time.Timer

	// ticketMu protects the ticket registry.
	ticketMu sync.Mutex

	// ticketer is the last correlation id handed out.
	// +checklocks:ticketMu
	ticketer uint64

	// +checklocks:ticketMu
	allTickets ilist.List[Ticket]

	// +checklocks:ticketMu
	freeTickets ilist.List[Ticket]

	// freeCount mirrors freeTickets.Len() and is checked against it.
	// +checklocks:ticketMu
	freeCount int

	// +checklocks:ticketMu
	destroyedTickets uint64

	// msMu protects the pending-send queue.
	msMu sync.Mutex

	// +checklocks:msMu
	msQueue ilist.List[Ticket]

	// msReady wakes one reader blocked in Device.Read.
	msReady chan struct{}

	// awMu protects the awaiting-answer queue and ticket handlers.
	awMu sync.Mutex

	// +checklocks:awMu
	awQueue ilist.List[Ticket]

	// timeoutMu protects the timeout escalation state.
	timeoutMu sync.Mutex

	// +checklocks:timeoutMu
	timeoutStatus timeoutStatus

	// +checklocks:timeoutMu
	daemonTimeout time.Duration

	// cancelPolicy interrupts a TimeoutPolicy call in progress.
	// +checklocks:timeoutMu
	cancelPolicy context.CancelCauseFunc

	// timedOut is set while a timeout is outstanding, so that the next
	// reply can reset the timeout policy.
	timedOut atomic.Bool

	counters counters
}

type counters struct {
	requests   atomic.Uint64
	replies    atomic.Uint64
	unmatched  atomic.Uint64
	interrupts atomic.Uint64
	timeouts   atomic.Uint64
	forgets    atomic.Uint64
}

// NewSession returns a session in StateNotMounted. Call Init once the daemon
// is attached to the Device.
func NewSession(opts Options) *Session {
	if opts.IOSize == 0 {
		opts.IOSize = DefaultIOSize
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.DaemonSignal == 0 {
		opts.DaemonSignal = unix.SIGKILL
	}
	if opts.TimeoutPolicy == nil {
		opts.TimeoutPolicy = DisconnectPolicy{}
	}
	if opts.Buffers == nil {
		opts.Buffers = iov.NewPool()
	}
	base := opts.Logger
	if base == nil {
		base = log.Log()
	}
	id := uuid.NewString()
	s := &Session{
		id:            id,
		opts:          opts,
		log:           log.Prefixed(base, fmt.Sprintf("fuse[%s] ", id[:8])),
		buffers:       opts.Buffers,
		nodes:         NewNodeTable(),
		deadCh:        make(chan struct{}),
		initCh:        make(chan struct{}),
		msReady:       make(chan struct{}, 1),
		daemonTimeout: opts.DaemonTimeout,
	}
	s.ratelog = log.RateLimitedLogger(s.log, time.Second)
	s.allTickets.Init(func(t *Ticket) *ilist.Entry[Ticket] { return &t.allEntry })
	s.freeTickets.Init(func(t *Ticket) *ilist.Entry[Ticket] { return &t.freeEntry })
	s.msQueue.Init(func(t *Ticket) *ilist.Entry[Ticket] { return &t.msEntry })
	s.awQueue.Init(func(t *Ticket) *ilist.Entry[Ticket] { return &t.awEntry })
	s.nodes.insert(newNode(linux.FUSE_ROOT_ID, VDIR))
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// VolumeName returns the volume name the session was created with.
func (s *Session) VolumeName() string {
	return s.opts.VolumeName
}

// Nodes returns the node table.
func (s *Session) Nodes() *NodeTable {
	return s.nodes
}

// Root returns the root node.
func (s *Session) Root() *Node {
	return s.nodes.Get(linux.FUSE_ROOT_ID)
}

// IOSize returns the configured I/O chunk size.
func (s *Session) IOSize() int {
	return int(s.opts.IOSize)
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dead returns true once the session has been declared dead.
func (s *Session) Dead() bool {
	return s.dead.Load()
}

// Done returns a channel closed when the session dies.
func (s *Session) Done() <-chan struct{} {
	return s.deadCh
}

// Initialized returns true once the handshake has completed, successfully or
// not.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inited
}

// Kicked returns true if the session was killed by a failed handshake.
func (s *Session) Kicked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kicked
}

// ABIVersion returns the protocol version the daemon announced.
func (s *Session) ABIVersion() (major, minor uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abiMajor, s.abiMinor
}

// abiAtLeast returns true if the daemon speaks at least major.minor.
func (s *Session) abiAtLeast(major, minor uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abiMajor > major || (s.abiMajor == major && s.abiMinor >= minor)
}

// MaxWrite returns the write size negotiated during the handshake.
func (s *Session) MaxWrite() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxWrite
}

// isImplemented returns false if the daemon answered op with ENOSYS.
func (s *Session) isImplemented(op linux.FUSEOpcode) bool {
	return s.noimpl.Load()&(1<<uint(op)) == 0
}

// setNotImplemented records that the daemon does not implement op.
func (s *Session) setNotImplemented(op linux.FUSEOpcode) {
	for {
		old := s.noimpl.Load()
		if s.noimpl.CompareAndSwap(old, old|1<<uint(op)) {
			return
		}
	}
}

// SetDead declares the session dead. It is idempotent. Every blocked reader,
// init waiter and reply waiter is woken, and every request still awaiting an
// answer is completed with ENOTCONN.
func (s *Session) SetDead() {
	s.msMu.Lock()
	if s.dead.Load() {
		s.msMu.Unlock()
		return
	}
	s.dead.Store(true)
	close(s.deadCh)
	s.msMu.Unlock()

	s.mu.Lock()
	s.state = StateDead
	if s.initTimer != nil {
		s.initTimer.Stop()
		s.initTimer = nil
	}
	s.mu.Unlock()

	s.log.Infof("session for volume %q is dead", s.opts.VolumeName)
	s.rejectAnswers()
}

// kick kills the session after a failed handshake.
func (s *Session) kick() {
	s.mu.Lock()
	s.kicked = true
	s.mu.Unlock()
	s.SetDead()
}

// Destroy releases every ticket. The session is declared dead first. It must
// not be called while operations are still in flight.
func (s *Session) Destroy() {
	s.SetDead()

	s.msMu.Lock()
	for s.msQueue.PopFront() != nil {
	}
	s.msMu.Unlock()

	s.awMu.Lock()
	for s.awQueue.PopFront() != nil {
	}
	s.awMu.Unlock()

	s.ticketMu.Lock()
	var all []*Ticket
	for t := s.allTickets.PopFront(); t != nil; t = s.allTickets.PopFront() {
		s.freeTickets.Remove(t)
		all = append(all, t)
	}
	s.freeCount = 0
	s.destroyedTickets += uint64(len(all))
	s.ticketMu.Unlock()

	for _, t := range all {
		t.destroy()
	}
}

// Stats is a snapshot of session counters.
type Stats struct {
	State            State
	Tickets          int
	FreeTickets      int
	DestroyedTickets uint64
	Pending          int
	Awaiting         int
	Buffers          int64
	Requests         uint64
	Replies          uint64
	UnmatchedReplies uint64
	Interrupts       uint64
	Timeouts         uint64
	Forgets          uint64
	Nodes            int
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		State:            s.State(),
		Buffers:          s.buffers.Outstanding(),
		Requests:         s.counters.requests.Load(),
		Replies:          s.counters.replies.Load(),
		UnmatchedReplies: s.counters.unmatched.Load(),
		Interrupts:       s.counters.interrupts.Load(),
		Timeouts:         s.counters.timeouts.Load(),
		Forgets:          s.counters.forgets.Load(),
		Nodes:            s.nodes.Len(),
	}
	s.ticketMu.Lock()
	st.Tickets = s.allTickets.Len()
	st.FreeTickets = s.freeCount
	st.DestroyedTickets = s.destroyedTickets
	s.ticketMu.Unlock()
	s.msMu.Lock()
	st.Pending = s.msQueue.Len()
	s.msMu.Unlock()
	s.awMu.Lock()
	st.Awaiting = s.awQueue.Len()
	s.awMu.Unlock()
	return st
}

// Credentials identify the process on whose behalf a request is made.
type Credentials struct {
	UID uint32
	GID uint32
	PID uint32
}

type credentialsKey struct{}

// WithCredentials returns a context carrying creds.
func WithCredentials(ctx context.Context, creds Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, creds)
}

// CredentialsFromContext returns the credentials stored in ctx, or those of
// the current process.
func CredentialsFromContext(ctx context.Context) Credentials {
	if creds, ok := ctx.Value(credentialsKey{}).(Credentials); ok {
		return creds
	}
	return ProcessCredentials()
}

// ProcessCredentials returns the identity of the current process.
func ProcessCredentials() Credentials {
	return Credentials{
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
		PID: uint32(os.Getpid()),
	}
}
