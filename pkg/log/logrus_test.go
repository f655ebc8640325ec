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
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogrusEmitter(&buf, "json", logrus.Fields{"volume": "vol0"})
	l := &BasicLogger{Level: Debug, Emitter: e}
	l.Debugf("unique %d", 7)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("bad json %q: %v", buf.String(), err)
	}
	if got["msg"] != "unique 7" {
		t.Errorf("msg got %v", got["msg"])
	}
	if got["level"] != "debug" {
		t.Errorf("level got %v", got["level"])
	}
	if got["volume"] != "vol0" {
		t.Errorf("volume got %v", got["volume"])
	}
}

func TestLogrusLevel(t *testing.T) {
	for _, tc := range []struct {
		in   Level
		want logrus.Level
	}{
		{Warning, logrus.WarnLevel},
		{Info, logrus.InfoLevel},
		{Debug, logrus.DebugLevel},
	} {
		if got := logrusLevel(tc.in); got != tc.want {
			t.Errorf("logrusLevel(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
