package fs

import (
	"github.com/ehrlich-b/go-ioloop"
	"github.com/ehrlich-b/go-ioloop/internal/alloc"
	"golang.org/x/sys/unix"
)

// ReadFile returns an awaitable that opens path, stats it for size, reads
// the whole contents and registers the descriptor for deferred close.
func ReadFile(path string) (*ReadFileFuture, error) {
	open, err := Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &ReadFileFuture{open: open}, nil
}

// ReadFileFuture resolves to the file contents.
type ReadFileFuture struct {
	open *OpenFuture
	size *SizeFuture
	read *ReadFuture

	file    *File
	scratch []byte
	total   int
	want    int
}

func (r *ReadFileFuture) finish(res ioloop.Result[[]byte]) (ioloop.Result[[]byte], bool) {
	if r.file != nil {
		r.file.Drop()
		r.file = nil
	}
	if r.scratch != nil {
		alloc.PutScratch(r.scratch)
		r.scratch = nil
	}
	return res, true
}

// Poll implements ioloop.Future.
func (r *ReadFileFuture) Poll() (ioloop.Result[[]byte], bool) {
	if r.open != nil {
		res, ok := r.open.Poll()
		if !ok {
			return ioloop.Result[[]byte]{}, false
		}
		r.open = nil
		if res.Err != nil {
			return ioloop.Fail[[]byte](res.Err), true
		}
		r.file = res.Val
		r.size = r.file.Size()
	}

	if r.size != nil {
		res, ok := r.size.Poll()
		if !ok {
			return ioloop.Result[[]byte]{}, false
		}
		r.size = nil
		if res.Err != nil {
			return r.finish(ioloop.Fail[[]byte](res.Err))
		}
		r.want = int(res.Val)
		if r.want == 0 {
			return r.finish(ioloop.Ok([]byte{}))
		}
		r.scratch = alloc.GetScratch(r.want)
		r.read = r.file.Read(r.scratch, 0)
	}

	for {
		res, ok := r.read.Poll()
		if !ok {
			return ioloop.Result[[]byte]{}, false
		}
		if res.Err != nil {
			return r.finish(ioloop.Fail[[]byte](res.Err))
		}
		if res.Val == 0 {
			// Early EOF: the file shrank between statx and read.
			break
		}
		r.total += res.Val
		if r.total >= r.want {
			break
		}
		r.read = r.file.Read(r.scratch[r.total:], uint64(r.total))
		// The fresh read queues on its first poll; loop to poll it now so
		// a short read does not cost an extra scheduler wakeup.
	}

	out := append([]byte(nil), r.scratch[:r.total]...)
	return r.finish(ioloop.Ok(out))
}
