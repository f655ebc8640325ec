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

package cmd

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"gvisor.dev/fusebridge/pkg/fuse"
)

func TestParseDecision(t *testing.T) {
	for _, tc := range []struct {
		answer string
		want   fuse.TimeoutDecision
		ok     bool
	}{
		{"", fuse.TimeoutKeepWaiting, true},
		{"w", fuse.TimeoutKeepWaiting, true},
		{" Wait ", fuse.TimeoutKeepWaiting, true},
		{"i", fuse.TimeoutDisableAlerts, true},
		{"ignore", fuse.TimeoutDisableAlerts, true},
		{"D", fuse.TimeoutDisconnect, true},
		{"disconnect", fuse.TimeoutDisconnect, true},
		{"maybe", 0, false},
	} {
		got, ok := parseDecision(tc.answer)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parseDecision(%q) = %v, %t, want %v, %t", tc.answer, got, ok, tc.want, tc.ok)
		}
	}
}

func TestTerminalPrompt(t *testing.T) {
	var out bytes.Buffer
	p := newTerminalPrompt(strings.NewReader("what\ni\n"), &out)
	d, err := p.Prompt(context.Background(), "vol")
	if err != nil || d != fuse.TimeoutDisableAlerts {
		t.Fatalf("Prompt = %v, %v, want %v", d, err, fuse.TimeoutDisableAlerts)
	}
	if got := strings.Count(out.String(), "is not responding"); got != 2 {
		t.Errorf("asked %d times, want 2:\n%s", got, out.String())
	}
	if !strings.Contains(out.String(), `"vol"`) {
		t.Errorf("prompt does not name the volume:\n%s", out.String())
	}

	// Input is exhausted now.
	if d, err := p.Prompt(context.Background(), "vol"); err != io.EOF || d != fuse.TimeoutDisconnect {
		t.Errorf("Prompt at EOF = %v, %v, want %v, EOF", d, err, fuse.TimeoutDisconnect)
	}
}

func TestTerminalPromptCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := newTerminalPrompt(r, io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if d, err := p.Prompt(ctx, "vol"); err != context.Canceled || d != fuse.TimeoutDisconnect {
		t.Errorf("cancelled Prompt = %v, %v, want %v, %v", d, err, fuse.TimeoutDisconnect, context.Canceled)
	}
}
