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
	"io"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/log"
)

// testTimeout bounds every blocking step of a test.
const testTimeout = 5 * time.Second

func quietLogger() log.Logger {
	return &log.BasicLogger{Level: log.Warning, Emitter: &log.Writer{Next: io.Discard}}
}

// testOptions returns options without timers, owned by the test process.
func testOptions() Options {
	opts := DefaultOptions()
	opts.VolumeName = "test"
	opts.DaemonTimeout = 0
	opts.InitTimeout = 0
	opts.Logger = quietLogger()
	opts.Daemon = ProcessCredentials()
	// Never signal the test binary.
	opts.Daemon.PID = 0
	return opts
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s := NewSession(opts)
	t.Cleanup(s.Destroy)
	return s
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// request is a request as seen by the daemon.
type request struct {
	hdr  linux.FUSEHeaderIn
	body []byte
}

func decodeRequest(b []byte) request {
	var req request
	req.hdr.UnmarshalBytes(b)
	req.body = append([]byte(nil), b[linux.FUSEHeaderInSize:]...)
	return req
}

// response is a daemon reply.
type response struct {
	errno unix.Errno
	body  []byte
}

func answer(m linux.Marshallable) *response {
	b := make([]byte, m.SizeBytes())
	m.MarshalBytes(b)
	return &response{body: b}
}

func answerBytes(b []byte) *response {
	return &response{body: b}
}

func answerErr(errno unix.Errno) *response {
	return &response{errno: errno}
}

func encodeReply(unique uint64, resp *response) []byte {
	hdr := linux.FUSEHeaderOut{
		Len:    uint32(linux.FUSEHeaderOutSize + len(resp.body)),
		Error:  -int32(resp.errno),
		Unique: unique,
	}
	msg := make([]byte, hdr.Len)
	hdr.MarshalBytes(msg)
	copy(msg[linux.FUSEHeaderOutSize:], resp.body)
	return msg
}

// fakeDaemon drives the daemon side of a session's Device.
type fakeDaemon struct {
	t   *testing.T
	s   *Session
	dev *Device

	mu       sync.Mutex
	requests []request
}

func newFakeDaemon(t *testing.T, s *Session) *fakeDaemon {
	return &fakeDaemon{t: t, s: s, dev: s.Device()}
}

func (fd *fakeDaemon) buffer() []byte {
	return make([]byte, linux.FUSEHeaderInSize+linux.FUSEWriteInSize+fd.s.IOSize())
}

// read returns the next request. It must be called from the test goroutine.
func (fd *fakeDaemon) read() request {
	fd.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	buf := fd.buffer()
	n, err := fd.dev.Read(ctx, buf)
	if err != nil {
		fd.t.Fatalf("Device.Read failed: %v", err)
	}
	req := decodeRequest(buf[:n])
	fd.record(req)
	return req
}

// readOp is read, checking the opcode.
func (fd *fakeDaemon) readOp(op linux.FUSEOpcode) request {
	fd.t.Helper()
	req := fd.read()
	if req.hdr.Opcode != op {
		fd.t.Fatalf("got request %v, want %v", req.hdr.Opcode, op)
	}
	return req
}

func (fd *fakeDaemon) reply(req request, resp *response) error {
	_, err := fd.dev.Write(encodeReply(req.hdr.Unique, resp))
	return err
}

func (fd *fakeDaemon) record(req request) {
	fd.mu.Lock()
	fd.requests = append(fd.requests, req)
	fd.mu.Unlock()
}

// seen returns the requests read so far.
func (fd *fakeDaemon) seen() []request {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]request(nil), fd.requests...)
}

// reset forgets the requests read so far.
func (fd *fakeDaemon) reset() {
	fd.mu.Lock()
	fd.requests = nil
	fd.mu.Unlock()
}

// count returns the number of op requests read so far.
func (fd *fakeDaemon) count(op linux.FUSEOpcode) int {
	n := 0
	for _, req := range fd.seen() {
		if req.hdr.Opcode == op {
			n++
		}
	}
	return n
}

// serve answers requests in the background until the test ends. handle runs
// on the serving goroutine and returns nil for requests without a reply.
func (fd *fakeDaemon) serve(handle func(request) *response) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := fd.buffer()
		for {
			n, err := fd.dev.Read(ctx, buf)
			if err != nil {
				return
			}
			req := decodeRequest(buf[:n])
			fd.record(req)
			if req.hdr.Opcode == linux.FUSE_FORGET || req.hdr.Opcode == linux.FUSE_INTERRUPT {
				continue
			}
			if resp := handle(req); resp != nil {
				fd.dev.Write(encodeReply(req.hdr.Unique, resp))
			}
		}
	}()
	fd.t.Cleanup(func() {
		cancel()
		<-done
	})
}

var defaultInitOut = linux.FUSEInitOut{
	Major:        linux.FUSE_KERNEL_VERSION,
	Minor:        linux.FUSE_KERNEL_MINOR_VERSION,
	MaxReadahead: 1 << 20,
	MaxWrite:     4 * 4096,
}

// handshake completes INIT with defaultInitOut and returns the INIT request.
func handshake(t *testing.T, s *Session, fd *fakeDaemon) request {
	t.Helper()
	ctx := testContext(t)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	req := fd.readOp(linux.FUSE_INIT)
	if err := fd.reply(req, answer(&defaultInitOut)); err != nil {
		t.Fatalf("replying to FUSE_INIT: %v", err)
	}
	if err := s.WaitInitialized(ctx); err != nil {
		t.Fatalf("WaitInitialized failed: %v", err)
	}
	return req
}

// newInitializedSession returns a session that completed the handshake. The
// daemon's request log starts empty.
func newInitializedSession(t *testing.T, opts Options) (*Session, *fakeDaemon) {
	t.Helper()
	s := newTestSession(t, opts)
	fd := newFakeDaemon(t, s)
	handshake(t, s, fd)
	fd.reset()
	return s, fd
}

// addNode puts a node with the given id, mode and size in the table.
func addNode(s *Session, id uint64, mode uint32, size uint64) *Node {
	n := newNode(id, FileTypeFromMode(mode))
	n.cacheAttr(linux.FUSEAttr{Ino: id, Mode: mode, Size: size, Nlink: 1}, 0)
	s.nodes.insert(n)
	return n
}

func entryOut(id uint64, mode uint32) *linux.FUSEEntryOut {
	return &linux.FUSEEntryOut{
		NodeID:    id,
		AttrValid: 1,
		Attr:      linux.FUSEAttr{Ino: id, Mode: mode, Nlink: 1},
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
