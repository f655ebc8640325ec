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
	"errors"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// Init sends FUSE_INIT. It must be the first request of the session and does
// not wait for the reply; use WaitInitialized for that. If the daemon does not
// answer within the init timeout the session is killed.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotMounted {
		s.mu.Unlock()
		return linuxerr.EBUSY
	}
	s.state = StateMounting
	s.mu.Unlock()

	d := newDispatcher(s, linux.FUSEInitInSize)
	if err := d.make(ctx, linux.FUSE_INIT, 0); err != nil {
		return err
	}
	in := linux.FUSEInitIn{
		Major:        linux.FUSE_KERNEL_VERSION,
		Minor:        linux.FUSE_KERNEL_MINOR_VERSION,
		MaxReadahead: s.opts.IOSize * 16,
	}
	in.MarshalBytes(d.in)

	s.armInitTimer()
	return d.sendAsync(s.initCallback)
}

// WaitInitialized blocks until the handshake completes. It returns ENOTCONN
// if the session died instead.
func (s *Session) WaitInitialized(ctx context.Context) error {
	if err := s.waitInitialized(ctx); err != nil {
		return err
	}
	if s.Dead() {
		return linuxerr.ENOTCONN
	}
	return nil
}

// initCallback handles the FUSE_INIT reply.
func (s *Session) initCallback(t *Ticket, age uint64, hdr linux.FUSEHeaderOut, body []byte) error {
	var err error
	if hdr.Error != 0 {
		err = errorFromWire(hdr.Error)
	} else {
		t.mu.Lock()
		err = t.pullLocked(hdr, body)
		answer := append([]byte(nil), t.answer.Bytes()...)
		t.mu.Unlock()
		if err == nil {
			err = s.negotiate(answer)
		}
	}

	s.disarmInitTimer()
	s.dropTicket(t)
	if err != nil {
		s.log.Warningf("handshake failed: %v", err)
		s.kick()
	}
	s.setInitialized()

	var desync *DesyncError
	if errors.As(err, &desync) {
		return err
	}
	return nil
}

// negotiate records the daemon's protocol version and limits.
func (s *Session) negotiate(answer []byte) error {
	var out linux.FUSEInitOut
	full := make([]byte, linux.FUSEInitOutSize)
	copy(full, answer)
	out.UnmarshalBytes(full)

	if out.Major < linux.FUSE_KERNEL_VERSION {
		s.log.Warningf("daemon speaks protocol %d.%d, need at least %d", out.Major, out.Minor, linux.FUSE_KERNEL_VERSION)
		return linuxerr.EPROTONOSUPPORT
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.abiMajor = out.Major
	s.abiMinor = out.Minor
	if out.Major > 7 || out.Minor >= 5 {
		if len(answer) != linux.FUSEInitOutSize {
			return linuxerr.EINVAL
		}
		s.maxWrite = out.MaxWrite
	} else {
		s.maxWrite = compatMaxWrite
	}
	return nil
}

// setInitialized opens the init gate.
func (s *Session) setInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inited {
		return
	}
	s.inited = true
	if s.state == StateMounting {
		s.state = StateMounted
	}
	close(s.initCh)
}

func (s *Session) armInitTimer() {
	if s.opts.InitTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initTimer = time.AfterFunc(s.opts.InitTimeout, s.initTimerExpired)
}

func (s *Session) disarmInitTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initTimer != nil {
		s.initTimer.Stop()
		s.initTimer = nil
	}
}

// initTimerExpired kills the session and the daemon when the handshake takes
// too long.
func (s *Session) initTimerExpired() {
	s.mu.Lock()
	inited := s.inited
	s.initTimer = nil
	s.mu.Unlock()
	if inited {
		return
	}
	s.log.Warningf("daemon did not answer FUSE_INIT within %v", s.opts.InitTimeout)
	s.kick()
	s.signalDaemon()
}

func (s *Session) signalDaemon() {
	pid := int(s.opts.Daemon.PID)
	if pid <= 0 {
		return
	}
	if err := unix.Kill(pid, s.opts.DaemonSignal); err != nil {
		s.log.Warningf("signalling daemon %d: %v", pid, err)
	}
}

// Unmount tells the daemon the file system is going away and declares the
// session dead. FUSE_DESTROY jumps the queue of pending requests.
func (s *Session) Unmount(ctx context.Context) error {
	var err error
	if !s.Dead() && s.Initialized() {
		d := newDispatcher(s, 0)
		if err = d.make(ctx, linux.FUSE_DESTROY, linux.FUSE_ROOT_ID); err == nil {
			t := d.t
			if s.insertCallback(t, standardHandler) {
				s.insertMessageHead(t)
				err = t.waitAnswer(ctx)
				if err == linuxerr.EINTR {
					d.t = nil
				}
			}
			d.release()
		}
	}
	s.SetDead()
	if s.opts.Flags&MountKillOnUnmount != 0 {
		s.signalDaemon()
	}
	return err
}
