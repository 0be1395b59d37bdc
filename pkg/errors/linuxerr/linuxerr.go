// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tinyvisor/shmsys/pkg/abi/linux/errno"
	"github.com/tinyvisor/shmsys/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno.
// Since the types are distinct they are not directly comparable; use Equals or
// errors.Is instead.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(errno.EPERM, "operation not permitted")
	ENOENT                = errors.New(errno.ENOENT, "no such file or directory")
	ESRCH                 = errors.New(errno.ESRCH, "no such process")
	EINTR                 = errors.New(errno.EINTR, "interrupted system call")
	EIO                   = errors.New(errno.EIO, "I/O error")
	E2BIG                 = errors.New(errno.E2BIG, "argument list too long")
	EBADF                 = errors.New(errno.EBADF, "bad file number")
	ECHILD                = errors.New(errno.ECHILD, "no child processes")
	EAGAIN                = errors.New(errno.EAGAIN, "try again")
	ENOMEM                = errors.New(errno.ENOMEM, "out of memory")
	EACCES                = errors.New(errno.EACCES, "permission denied")
	EFAULT                = errors.New(errno.EFAULT, "bad address")
	EBUSY                 = errors.New(errno.EBUSY, "device or resource busy")
	EEXIST                = errors.New(errno.EEXIST, "file exists")
	EINVAL                = errors.New(errno.EINVAL, "invalid argument")
	ENFILE                = errors.New(errno.ENFILE, "file table overflow")
	EMFILE                = errors.New(errno.EMFILE, "too many open files")
	ENOSPC                = errors.New(errno.ENOSPC, "no space left on device")
	ERANGE                = errors.New(errno.ERANGE, "math result not representable")
	ENOSYS                = errors.New(errno.ENOSYS, "invalid system call number")
	EIDRM                 = errors.New(errno.EIDRM, "identifier removed")
)

// errorSlice holds errors by errno for fast translation between errnos and
// *errors.Error. Entries this package does not export are left nil.
var errorSlice = []*errors.Error{
	errno.NOERRNO: noError,
	errno.EPERM:   EPERM,
	errno.ENOENT:  ENOENT,
	errno.ESRCH:   ESRCH,
	errno.EINTR:   EINTR,
	errno.EIO:     EIO,
	errno.E2BIG:   E2BIG,
	errno.EBADF:   EBADF,
	errno.ECHILD:  ECHILD,
	errno.EAGAIN:  EAGAIN,
	errno.ENOMEM:  ENOMEM,
	errno.EACCES:  EACCES,
	errno.EFAULT:  EFAULT,
	errno.EBUSY:   EBUSY,
	errno.EEXIST:  EEXIST,
	errno.EINVAL:  EINVAL,
	errno.ENFILE:  ENFILE,
	errno.EMFILE:  EMFILE,
	errno.ENOSPC:  ENOSPC,
	errno.ERANGE:  ERANGE,
	errno.ENOSYS:  ENOSYS,
	errno.EIDRM:   EIDRM,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if int(err) >= len(errorSlice) || errorSlice[err] == nil {
		panic(fmt.Sprintf("invalid error requested with errno: %d", uint32(err)))
	}
	return errorSlice[err]
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
		unixErr = unix.Errno(e.Errno())
	}
	return unixErr
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = unix.Errno(e.Errno())
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}

// ErrnoOf extracts the errno carried by err. It reports false if err carries
// none; errors wrapped with %w are unwrapped.
func ErrnoOf(err error) (errno.Errno, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) && e != nil {
		return e.Errno(), true
	}
	var u unix.Errno
	if goerrors.As(err, &u) {
		return errno.Errno(u), true
	}
	return 0, false
}

var names = map[errno.Errno]string{
	errno.EPERM:  "EPERM",
	errno.ENOENT: "ENOENT",
	errno.ESRCH:  "ESRCH",
	errno.EINTR:  "EINTR",
	errno.EIO:    "EIO",
	errno.E2BIG:  "E2BIG",
	errno.EBADF:  "EBADF",
	errno.ECHILD: "ECHILD",
	errno.EAGAIN: "EAGAIN",
	errno.ENOMEM: "ENOMEM",
	errno.EACCES: "EACCES",
	errno.EFAULT: "EFAULT",
	errno.EBUSY:  "EBUSY",
	errno.EEXIST: "EEXIST",
	errno.EINVAL: "EINVAL",
	errno.ENFILE: "ENFILE",
	errno.EMFILE: "EMFILE",
	errno.ENOSPC: "ENOSPC",
	errno.ERANGE: "ERANGE",
	errno.ENOSYS: "ENOSYS",
	errno.EIDRM:  "EIDRM",
}

// Name returns the symbolic name of e, such as "EINVAL".
func Name(e errno.Errno) string {
	if n, ok := names[e]; ok {
		return n
	}
	return fmt.Sprintf("errno(%d)", uint32(e))
}

// FromName returns the error with the given symbolic name.
func FromName(name string) (*errors.Error, bool) {
	for e, n := range names {
		if n == name {
			return errorSlice[e], true
		}
	}
	return nil, false
}
