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

package log

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter hands log statements to a logrus logger. Filtering is done by
// BasicLogger, so the logrus logger itself accepts every level.
type LogrusEmitter struct {
	Logger *logrus.Logger
	Fields logrus.Fields
}

// NewLogrusEmitter returns an emitter writing to w. format is "json" or
// "text".
func NewLogrusEmitter(w io.Writer, format string, fields logrus.Fields) *LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	}
	return &LogrusEmitter{Logger: l, Fields: fields}
}

func logrusLevel(level Level) logrus.Level {
	switch level {
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(_ int, level Level, timestamp time.Time, format string, v ...any) {
	e.Logger.WithFields(e.Fields).WithTime(timestamp).Log(logrusLevel(level), fmt.Sprintf(format, v...))
}
