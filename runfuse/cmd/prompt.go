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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"gvisor.dev/fusebridge/pkg/fuse"
)

// terminalPrompt asks the operator what to do about an unresponsive daemon.
// Answers are read line by line from in by a single reader goroutine, started
// on the first prompt.
type terminalPrompt struct {
	in  io.Reader
	out io.Writer

	start sync.Once
	lines chan string

	// mu serializes prompts from concurrent sessions.
	mu sync.Mutex
}

func newTerminalPrompt(in io.Reader, out io.Writer) *terminalPrompt {
	return &terminalPrompt{in: in, out: out, lines: make(chan string)}
}

func (p *terminalPrompt) readLines() {
	defer close(p.lines)
	sc := bufio.NewScanner(p.in)
	for sc.Scan() {
		p.lines <- sc.Text()
	}
}

// parseDecision maps an answer to a decision. An empty answer keeps waiting.
func parseDecision(answer string) (fuse.TimeoutDecision, bool) {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "", "w", "wait":
		return fuse.TimeoutKeepWaiting, true
	case "i", "ignore":
		return fuse.TimeoutDisableAlerts, true
	case "d", "disconnect":
		return fuse.TimeoutDisconnect, true
	default:
		return 0, false
	}
}

// Prompt implements config.PromptFunc. It asks until it gets a valid answer.
func (p *terminalPrompt) Prompt(ctx context.Context, volume string) (fuse.TimeoutDecision, error) {
	p.start.Do(func() { go p.readLines() })
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		fmt.Fprintf(p.out, "The daemon for volume %q is not responding.\n[w]ait, [i]gnore further timeouts, or [d]isconnect? ", volume)
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.out)
			return fuse.TimeoutDisconnect, ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return fuse.TimeoutDisconnect, io.EOF
			}
			if d, ok := parseDecision(line); ok {
				return d, nil
			}
			fmt.Fprintf(p.out, "Unknown answer %q.\n", line)
		}
	}
}
