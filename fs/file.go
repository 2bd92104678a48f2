// Package fs provides file operations as awaitables on the ioloop executor.
//
// Every operation goes through the executor's rings: nothing here blocks the
// calling thread. Files opened with O_DIRECT route their reads and writes to
// the polled ring and must use page-aligned buffers from AllocAligned.
//
// The awaitables keep the memory referenced by their submission entries
// (paths, buffers, statx output) inside themselves, and they do not complete
// before taking the completion result. Dropping an awaitable after its first
// poll — once I/O has been queued — is unsafe: the kernel operation cannot
// be cancelled and still references that memory.
package fs

import (
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ioloop"
	"github.com/ehrlich-b/go-ioloop/internal/alloc"
)

// File is an open file descriptor owned by the executor thread.
type File struct {
	fd     int
	direct bool
}

// Fd returns the raw descriptor.
func (f *File) Fd() int { return f.fd }

// Direct reports whether reads and writes go through the polled ring.
func (f *File) Direct() bool { return f.direct }

// Drop registers the descriptor for deferred asynchronous close. The
// executor batches close submissions each iteration and will not exit until
// they have all completed. Use Close instead to observe the close result.
func (f *File) Drop() {
	ioloop.DeferClose(f.fd)
	f.fd = -1
}

// emptyPath is the NUL string handed to statx with AT_EMPTY_PATH.
var emptyPath = []byte{0}

// Open returns an awaitable resolving to the opened file. flags and mode
// are the usual openat values, e.g. unix.O_RDONLY. O_DIRECT routes the
// file's reads and writes to the polled ring.
func Open(path string, flags int, mode uint32) (*OpenFuture, error) {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return nil, ioloop.WrapError("open", err)
	}
	return &OpenFuture{
		path:   p,
		flags:  flags,
		mode:   mode,
		direct: flags&unix.O_DIRECT != 0,
	}, nil
}

// OpenFuture resolves to the opened File.
type OpenFuture struct {
	path   *byte
	flags  int
	mode   uint32
	direct bool
	ioID   ioloop.IOID
	queued bool
}

// Poll implements ioloop.Future.
func (f *OpenFuture) Poll() (ioloop.Result[*File], bool) {
	if !f.queued {
		path := f.path
		flags := f.flags
		mode := f.mode
		f.ioID = ioloop.QueueIO(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareOpenat(unix.AT_FDCWD, uintptr(unsafe.Pointer(path)), flags, mode)
		}, false)
		f.queued = true
		return ioloop.Result[*File]{}, false
	}
	res, ok := ioloop.TakeIOResult(f.ioID)
	if !ok {
		return ioloop.Result[*File]{}, false
	}
	if res < 0 {
		return ioloop.Fail[*File](ioloop.NewErrnoError("open", syscall.Errno(-res))), true
	}
	return ioloop.Ok(&File{fd: int(res), direct: f.direct}), true
}

// Read returns an awaitable reading into buf at the given offset. buf must
// stay valid until the awaitable resolves; for O_DIRECT files it must come
// from AllocAligned.
func (f *File) Read(buf []byte, offset uint64) *ReadFuture {
	return &ReadFuture{file: f, buf: buf, offset: offset}
}

// ReadFuture resolves to the number of bytes read.
type ReadFuture struct {
	file   *File
	buf    []byte
	offset uint64
	ioID   ioloop.IOID
	queued bool
}

// Poll implements ioloop.Future.
func (r *ReadFuture) Poll() (ioloop.Result[int], bool) {
	if !r.queued {
		fd := r.file.fd
		buf := r.buf
		offset := r.offset
		r.ioID = ioloop.QueueIO(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareRead(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), offset)
		}, r.file.direct)
		r.queued = true
		return ioloop.Result[int]{}, false
	}
	res, ok := ioloop.TakeIOResult(r.ioID)
	if !ok {
		return ioloop.Result[int]{}, false
	}
	if res < 0 {
		return ioloop.Fail[int](ioloop.NewErrnoError("read", syscall.Errno(-res))), true
	}
	return ioloop.Ok(int(res)), true
}

// Write returns an awaitable writing buf at the given offset. The same
// lifetime and alignment rules as Read apply.
func (f *File) Write(buf []byte, offset uint64) *WriteFuture {
	return &WriteFuture{file: f, buf: buf, offset: offset}
}

// WriteFuture resolves to the number of bytes written.
type WriteFuture struct {
	file   *File
	buf    []byte
	offset uint64
	ioID   ioloop.IOID
	queued bool
}

// Poll implements ioloop.Future.
func (w *WriteFuture) Poll() (ioloop.Result[int], bool) {
	if !w.queued {
		fd := w.file.fd
		buf := w.buf
		offset := w.offset
		w.ioID = ioloop.QueueIO(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareWrite(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), offset)
		}, w.file.direct)
		w.queued = true
		return ioloop.Result[int]{}, false
	}
	res, ok := ioloop.TakeIOResult(w.ioID)
	if !ok {
		return ioloop.Result[int]{}, false
	}
	if res < 0 {
		return ioloop.Fail[int](ioloop.NewErrnoError("write", syscall.Errno(-res))), true
	}
	return ioloop.Ok(int(res)), true
}

// SyncAll returns an awaitable issuing fsync on the file.
func (f *File) SyncAll() *SyncFuture {
	return &SyncFuture{file: f}
}

// SyncFuture resolves when the fsync completes.
type SyncFuture struct {
	file   *File
	ioID   ioloop.IOID
	queued bool
}

// Poll implements ioloop.Future.
func (s *SyncFuture) Poll() (ioloop.Result[struct{}], bool) {
	if !s.queued {
		fd := s.file.fd
		s.ioID = ioloop.QueueIO(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareFsync(fd, 0)
		}, false)
		s.queued = true
		return ioloop.Result[struct{}]{}, false
	}
	res, ok := ioloop.TakeIOResult(s.ioID)
	if !ok {
		return ioloop.Result[struct{}]{}, false
	}
	if res < 0 {
		return ioloop.Fail[struct{}](ioloop.NewErrnoError("fsync", syscall.Errno(-res))), true
	}
	return ioloop.Ok(struct{}{}), true
}

// Statx returns an awaitable resolving to the file's statx record.
func (f *File) Statx() *StatxFuture {
	return &StatxFuture{file: f}
}

// StatxFuture resolves to a unix.Statx_t. The output struct lives inside
// the future so its address is stable while the kernel fills it.
type StatxFuture struct {
	file   *File
	statx  unix.Statx_t
	ioID   ioloop.IOID
	queued bool
}

// Poll implements ioloop.Future.
func (s *StatxFuture) Poll() (ioloop.Result[unix.Statx_t], bool) {
	if !s.queued {
		fd := s.file.fd
		out := &s.statx
		s.ioID = ioloop.QueueIO(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareStatx(fd,
				uintptr(unsafe.Pointer(&emptyPath[0])),
				unix.AT_EMPTY_PATH,
				unix.STATX_BASIC_STATS|unix.STATX_SIZE,
				uintptr(unsafe.Pointer(out)))
		}, false)
		s.queued = true
		return ioloop.Result[unix.Statx_t]{}, false
	}
	res, ok := ioloop.TakeIOResult(s.ioID)
	if !ok {
		return ioloop.Result[unix.Statx_t]{}, false
	}
	if res < 0 {
		return ioloop.Fail[unix.Statx_t](ioloop.NewErrnoError("statx", syscall.Errno(-res))), true
	}
	return ioloop.Ok(s.statx), true
}

// Size returns an awaitable resolving to the file size in bytes.
func (f *File) Size() *SizeFuture {
	return &SizeFuture{statx: f.Statx()}
}

// SizeFuture resolves to the file size.
type SizeFuture struct {
	statx *StatxFuture
}

// Poll implements ioloop.Future.
func (s *SizeFuture) Poll() (ioloop.Result[uint64], bool) {
	res, ok := s.statx.Poll()
	if !ok {
		return ioloop.Result[uint64]{}, false
	}
	if res.Err != nil {
		return ioloop.Fail[uint64](res.Err), true
	}
	return ioloop.Ok(res.Val.Size), true
}

// Close returns an awaitable closing the file through the ring. The File
// must not be used afterwards. Use Drop for fire-and-forget closing.
func (f *File) Close() *CloseFuture {
	fd := f.fd
	f.fd = -1
	return &CloseFuture{fd: fd}
}

// CloseFuture resolves when the close completes.
type CloseFuture struct {
	fd     int
	ioID   ioloop.IOID
	queued bool
}

// Poll implements ioloop.Future.
func (c *CloseFuture) Poll() (ioloop.Result[struct{}], bool) {
	if !c.queued {
		fd := c.fd
		c.ioID = ioloop.QueueIO(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareClose(fd)
		}, false)
		c.queued = true
		return ioloop.Result[struct{}]{}, false
	}
	res, ok := ioloop.TakeIOResult(c.ioID)
	if !ok {
		return ioloop.Result[struct{}]{}, false
	}
	if res < 0 {
		return ioloop.Fail[struct{}](ioloop.NewErrnoError("close", syscall.Errno(-res))), true
	}
	return ioloop.Ok(struct{}{}), true
}

// AllocAligned returns a page-aligned buffer suitable for O_DIRECT I/O.
// Release it with FreeAligned.
func AllocAligned(size int) ([]byte, error) {
	return alloc.Alloc(size)
}

// FreeAligned releases a buffer obtained from AllocAligned.
func FreeAligned(buf []byte) error {
	return alloc.Free(buf)
}
