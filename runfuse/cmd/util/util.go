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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/fusebridge/pkg/log"
)

// ErrorLogger is where error messages should be written to, in addition to
// stderr and the debug log. It is the file given with --log, if any.
var ErrorLogger io.Writer

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Printf(format+"\n", args...)
}

// Errorf logs error to the error log (--log), to stderr, and debug logs. It
// returns subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	// If runfuse is being invoked by a service manager, the stderr output
	// may be lost, so log it to the debug log as well.
	log.Warningf(format, args...)

	fmt.Fprintf(os.Stderr, format+"\n", args...)

	if ErrorLogger != nil {
		data := &jsonError{
			Msg:   fmt.Sprintf(format, args...),
			Level: "error",
			Time:  time.Now(),
		}
		b, err := json.Marshal(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error marshaling log: %v\n", err)
			return subcommands.ExitFailure
		}
		if _, err := ErrorLogger.Write(b); err != nil {
			fmt.Fprintf(os.Stderr, "error writing log: %v\n", err)
			return subcommands.ExitFailure
		}
		// Not checking error as there is nothing we can do.
		_, _ = ErrorLogger.Write([]byte("\n"))
	}
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}
