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
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// TimeoutDecision is a TimeoutPolicy's verdict on an unresponsive daemon.
type TimeoutDecision int

const (
	// TimeoutKeepWaiting resumes waiting. The policy is consulted again at
	// the next timeout.
	TimeoutKeepWaiting TimeoutDecision = iota

	// TimeoutDisableAlerts resumes waiting and turns the daemon timeout
	// off for the rest of the session.
	TimeoutDisableAlerts

	// TimeoutDisconnect declares the session dead.
	TimeoutDisconnect
)

func (d TimeoutDecision) String() string {
	switch d {
	case TimeoutKeepWaiting:
		return "keep-waiting"
	case TimeoutDisableAlerts:
		return "disable-alerts"
	case TimeoutDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// TimeoutPolicy decides what happens when the daemon does not answer within
// the daemon timeout. At most one call is in progress per session; other
// waiters keep waiting meanwhile.
type TimeoutPolicy interface {
	DaemonTimedOut(ctx context.Context, volume string) TimeoutDecision
}

// resetter is implemented by policies that keep state across timeouts.
type resetter interface {
	// Reset is called when the daemon answers again after a timeout.
	Reset()
}

// DisconnectPolicy gives up on the first timeout.
type DisconnectPolicy struct{}

// DaemonTimedOut implements TimeoutPolicy.DaemonTimedOut.
func (DisconnectPolicy) DaemonTimedOut(context.Context, string) TimeoutDecision {
	return TimeoutDisconnect
}

// RetryPolicy keeps waiting with exponentially growing grace periods and
// disconnects once the backoff gives up.
type RetryPolicy struct {
	mu sync.Mutex

	// +checklocks:mu
	b backoff.BackOff
}

// NewRetryPolicy returns a policy that tolerates an unresponsive daemon for
// maxElapsed, pausing initial, then exponentially longer, between attempts.
func NewRetryPolicy(initial, maxElapsed time.Duration) *RetryPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return &RetryPolicy{b: b}
}

// DaemonTimedOut implements TimeoutPolicy.DaemonTimedOut. It waits out the
// next backoff interval, or until ctx is done.
func (p *RetryPolicy) DaemonTimedOut(ctx context.Context, _ string) TimeoutDecision {
	p.mu.Lock()
	d := p.b.NextBackOff()
	p.mu.Unlock()
	if d == backoff.Stop {
		return TimeoutDisconnect
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return TimeoutKeepWaiting
}

// Reset implements resetter.Reset.
func (p *RetryPolicy) Reset() {
	p.mu.Lock()
	p.b.Reset()
	p.mu.Unlock()
}

// PromptPolicy asks someone. A failed prompt disconnects.
type PromptPolicy struct {
	Prompt func(ctx context.Context, volume string) (TimeoutDecision, error)
}

// DaemonTimedOut implements TimeoutPolicy.DaemonTimedOut.
func (p PromptPolicy) DaemonTimedOut(ctx context.Context, volume string) TimeoutDecision {
	d, err := p.Prompt(ctx, volume)
	if err != nil {
		return TimeoutDisconnect
	}
	return d
}

// errDaemonAnswered cancels a policy call once the daemon replies again.
var errDaemonAnswered = errors.New("daemon answered")

type timeoutStatus int

const (
	timeoutNone timeoutStatus = iota
	timeoutProcessing
	timeoutDead
)

func (s *Session) currentDaemonTimeout() time.Duration {
	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()
	return s.daemonTimeout
}

// daemonTimedOut escalates a missed daemon deadline. It returns true if the
// waiter should keep waiting and false once the session has been declared
// dead.
func (s *Session) daemonTimedOut(ctx context.Context) bool {
	s.timeoutMu.Lock()
	if s.opts.Flags&MountNoAlerts != 0 {
		s.timeoutStatus = timeoutDead
	}
	switch s.timeoutStatus {
	case timeoutProcessing:
		// Someone else is already asking the policy.
		s.timeoutMu.Unlock()
		return true
	case timeoutDead:
		s.timeoutMu.Unlock()
		s.SetDead()
		return false
	}
	pctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.timeoutStatus = timeoutProcessing
	s.cancelPolicy = cancel
	s.timedOut.Store(true)
	s.timeoutMu.Unlock()

	s.counters.timeouts.Add(1)
	s.log.Warningf("daemon for volume %q is not responding", s.opts.VolumeName)
	decision := s.opts.TimeoutPolicy.DaemonTimedOut(pctx, s.opts.VolumeName)
	if context.Cause(pctx) == errDaemonAnswered {
		// The daemon answered while the policy ran.
		decision = TimeoutKeepWaiting
	}

	s.timeoutMu.Lock()
	s.cancelPolicy = nil
	keep := true
	switch decision {
	case TimeoutKeepWaiting:
		s.timeoutStatus = timeoutNone
	case TimeoutDisableAlerts:
		s.timeoutStatus = timeoutNone
		s.daemonTimeout = 0
	default:
		s.timeoutStatus = timeoutDead
		keep = false
	}
	s.timeoutMu.Unlock()

	if !keep {
		s.log.Warningf("giving up on daemon for volume %q", s.opts.VolumeName)
		s.SetDead()
	}
	return keep
}

// noteResponsive is called for every reply. If the daemon had timed out, it
// interrupts a policy call in progress and resets the policy.
func (s *Session) noteResponsive() {
	if !s.timedOut.CompareAndSwap(true, false) {
		return
	}
	s.timeoutMu.Lock()
	if s.cancelPolicy != nil {
		s.cancelPolicy(errDaemonAnswered)
	}
	s.timeoutMu.Unlock()
	if r, ok := s.opts.TimeoutPolicy.(resetter); ok {
		r.Reset()
	}
}
