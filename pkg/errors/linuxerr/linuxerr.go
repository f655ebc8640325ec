// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"),;
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

// Package linuxerr contains syscall error codes exported as an error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno.
// However, since the type are distinct (these are *errors.Error), they are not
// directly comperable. The Errno method returns an Errno number such that the
// error can be compared to unix.Errno (e.g. EPERM.Errno() == unix.EPERM is
// true). Converting unix.Errno to the errors should be done via the lookup
// methods provided.
var noError *errors.Error = nil

var (
	EPERM           = errors.New(unix.EPERM, "operation not permitted")
	ENOENT          = errors.New(unix.ENOENT, "no such file or directory")
	ESRCH           = errors.New(unix.ESRCH, "no such process")
	EINTR           = errors.New(unix.EINTR, "interrupted system call")
	EIO             = errors.New(unix.EIO, "I/O error")
	ENXIO           = errors.New(unix.ENXIO, "no such device or address")
	E2BIG           = errors.New(unix.E2BIG, "argument list too long")
	EBADF           = errors.New(unix.EBADF, "bad file number")
	EAGAIN          = errors.New(unix.EAGAIN, "try again")
	ENOMEM          = errors.New(unix.ENOMEM, "out of memory")
	EACCES          = errors.New(unix.EACCES, "permission denied")
	EFAULT          = errors.New(unix.EFAULT, "bad address")
	EBUSY           = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST          = errors.New(unix.EEXIST, "file exists")
	EXDEV           = errors.New(unix.EXDEV, "cross-device link")
	ENODEV          = errors.New(unix.ENODEV, "no such device")
	ENOTDIR         = errors.New(unix.ENOTDIR, "not a directory")
	EISDIR          = errors.New(unix.EISDIR, "is a directory")
	EINVAL          = errors.New(unix.EINVAL, "invalid argument")
	ENFILE          = errors.New(unix.ENFILE, "file table overflow")
	EMFILE          = errors.New(unix.EMFILE, "too many open files")
	EFBIG           = errors.New(unix.EFBIG, "file too large")
	ENOSPC          = errors.New(unix.ENOSPC, "no space left on device")
	ESPIPE          = errors.New(unix.ESPIPE, "illegal seek")
	EROFS           = errors.New(unix.EROFS, "read-only file system")
	EMLINK          = errors.New(unix.EMLINK, "too many links")
	EPIPE           = errors.New(unix.EPIPE, "broken pipe")
	ERANGE          = errors.New(unix.ERANGE, "math result not representable")
	EDEADLK         = errors.New(unix.EDEADLK, "resource deadlock would occur")
	ENAMETOOLONG    = errors.New(unix.ENAMETOOLONG, "file name too long")
	ENOLCK          = errors.New(unix.ENOLCK, "no record locks available")
	ENOSYS          = errors.New(unix.ENOSYS, "invalid system call number")
	ENOTEMPTY       = errors.New(unix.ENOTEMPTY, "directory not empty")
	ELOOP           = errors.New(unix.ELOOP, "too many symbolic links encountered")
	ENODATA         = errors.New(unix.ENODATA, "no data available")
	ETIMEDOUT       = errors.New(unix.ETIMEDOUT, "connection timed out")
	EOVERFLOW       = errors.New(unix.EOVERFLOW, "value too large for defined data type")
	EPROTONOSUPPORT = errors.New(unix.EPROTONOSUPPORT, "protocol not supported")
	EOPNOTSUPP      = errors.New(unix.EOPNOTSUPP, "operation not supported on transport endpoint")
	ENOTCONN        = errors.New(unix.ENOTCONN, "transport endpoint is not connected")
	ECONNREFUSED    = errors.New(unix.ECONNREFUSED, "connection refused")
	ESTALE          = errors.New(unix.ESTALE, "stale NFS file handle")
	EDQUOT          = errors.New(unix.EDQUOT, "quota exceeded")
	ECANCELED       = errors.New(unix.ECANCELED, "operation Canceled")

	// ENOTSUP is the same value as EOPNOTSUPP on Linux.
	ENOTSUP = EOPNOTSUPP
)

// errorTable maps errno values to their canonical *errors.Error.
var errorTable = func() map[unix.Errno]*errors.Error {
	m := make(map[unix.Errno]*errors.Error)
	for _, e := range []*errors.Error{
		EPERM,
		ENOENT,
		ESRCH,
		EINTR,
		EIO,
		ENXIO,
		E2BIG,
		EBADF,
		EAGAIN,
		ENOMEM,
		EACCES,
		EFAULT,
		EBUSY,
		EEXIST,
		EXDEV,
		ENODEV,
		ENOTDIR,
		EISDIR,
		EINVAL,
		ENFILE,
		EMFILE,
		EFBIG,
		ENOSPC,
		ESPIPE,
		EROFS,
		EMLINK,
		EPIPE,
		ERANGE,
		EDEADLK,
		ENAMETOOLONG,
		ENOLCK,
		ENOSYS,
		ENOTEMPTY,
		ELOOP,
		ENODATA,
		ETIMEDOUT,
		EOVERFLOW,
		EPROTONOSUPPORT,
		EOPNOTSUPP,
		ENOTCONN,
		ECONNREFUSED,
		ESTALE,
		EDQUOT,
		ECANCELED,
	} {
		m[e.Errno()] = e
	}
	return m
}()

// ErrorFromUnix returns a linuxerr from a unix.Errno. Values without a
// canonical instance get a fresh *errors.Error so that errnos supplied by a
// remote peer never panic.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorTable[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compars a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}

// Errno extracts the errno carried by err. It returns EIO for errors that do
// not carry one.
func Errno(err error) unix.Errno {
	switch e := err.(type) {
	case nil:
		return 0
	case *errors.Error:
		return e.Errno()
	case unix.Errno:
		return e
	default:
		return unix.EIO
	}
}
