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

package linuxerr_test

import (
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/errors"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

func TestErrorFromUnixCanonical(t *testing.T) {
	for _, tc := range []struct {
		errno unix.Errno
		want  *errors.Error
	}{
		{unix.EIO, linuxerr.EIO},
		{unix.ENOTCONN, linuxerr.ENOTCONN},
		{unix.ENOENT, linuxerr.ENOENT},
		{unix.EPROTONOSUPPORT, linuxerr.EPROTONOSUPPORT},
	} {
		if got := linuxerr.ErrorFromUnix(tc.errno); got != tc.want {
			t.Errorf("ErrorFromUnix(%v) = %v, want %v", tc.errno, got, tc.want)
		}
	}
	if got := linuxerr.ErrorFromUnix(0); got != nil {
		t.Errorf("ErrorFromUnix(0) = %v, want nil", got)
	}
}

func TestErrorFromUnixUnknown(t *testing.T) {
	err := linuxerr.ErrorFromUnix(unix.Errno(4000))
	if err == nil {
		t.Fatalf("ErrorFromUnix(4000) = nil")
	}
	if got := linuxerr.Errno(err); got != unix.Errno(4000) {
		t.Errorf("Errno = %v, want 4000", got)
	}
}

func TestEquals(t *testing.T) {
	if !linuxerr.Equals(linuxerr.EINVAL, unix.EINVAL) {
		t.Errorf("EINVAL should equal unix.EINVAL")
	}
	if !linuxerr.Equals(linuxerr.EINVAL, linuxerr.EINVAL) {
		t.Errorf("EINVAL should equal itself")
	}
	if linuxerr.Equals(linuxerr.EINVAL, linuxerr.EIO) {
		t.Errorf("EINVAL should not equal EIO")
	}
	if got := linuxerr.ToUnix(linuxerr.ENOSYS); got != unix.ENOSYS {
		t.Errorf("ToUnix(ENOSYS) = %v", got)
	}
}
