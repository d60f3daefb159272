package scratch

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"
)

var (
	ErrReleased    = errors.New("scratch resource released")
	ErrWriteClosed = errors.New("scratch resource closed for writing")
	// ErrNoOutput is returned by WaitFirstByte when the writer finished
	// without writing anything.
	ErrNoOutput = errors.New("no output produced")
)

// Resource is one scratch file. A single writer appends to it while any
// number of readers follow behind, blocking at the end of the file until
// more data arrives or the writer finishes.
type Resource struct {
	ID        string
	JobID     string
	Path      string
	CreatedAt time.Time

	mgr  *Manager
	file *os.File

	mu        sync.Mutex
	size      int64
	writeDone bool
	writeErr  error
	changed   chan struct{}
	holders   int
	pending   bool
	released  bool
}

// Write appends p. Only the allocating job writes, so the file handle is
// used without the lock.
func (r *Resource) Write(p []byte) (int, error) {
	r.mu.Lock()
	f := r.file
	r.mu.Unlock()
	if f == nil {
		return 0, ErrWriteClosed
	}
	n, err := f.Write(p)
	if n > 0 {
		r.mu.Lock()
		r.size += int64(n)
		r.broadcastLocked()
		r.mu.Unlock()
	}
	return n, err
}

// CloseWrite finishes the write side. cause is handed to readers once they
// reach the end of the data; nil means a clean end of stream.
func (r *Resource) CloseWrite(cause error) error {
	r.mu.Lock()
	if r.writeDone {
		r.mu.Unlock()
		return nil
	}
	r.writeDone = true
	r.writeErr = cause
	f := r.file
	r.file = nil
	r.broadcastLocked()
	r.mu.Unlock()

	var err error
	if f != nil {
		err = f.Close()
	}
	r.drop()
	return err
}

func (r *Resource) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// WaitFirstByte blocks until at least one byte has been written, the writer
// finished, or ctx ends.
func (r *Resource) WaitFirstByte(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.size > 0 {
			r.mu.Unlock()
			return nil
		}
		if r.writeDone {
			err := r.writeErr
			r.mu.Unlock()
			if err == nil {
				err = ErrNoOutput
			}
			return err
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ch:
		}
	}
}

// NewReader opens a reader positioned at the start of the file. The
// resource cannot be removed until the reader is closed.
func (r *Resource) NewReader(ctx context.Context) (*Reader, error) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil, ErrReleased
	}
	r.holders++
	r.mu.Unlock()

	f, err := os.Open(r.Path)
	if err != nil {
		r.drop()
		return nil, err
	}
	return &Reader{res: r, file: f, ctx: ctx}, nil
}

// Release removes the file. It is safe to call any number of times; while
// the resource is held the removal is deferred to the last holder.
func (r *Resource) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	if r.holders > 0 {
		first := !r.pending
		r.pending = true
		r.mu.Unlock()
		if first {
			r.mgr.logger.Debug("scratch release deferred", "job_id", r.JobID, "scratch_id", r.ID)
		}
		return
	}
	r.released = true
	r.mu.Unlock()
	r.remove()
}

// Released reports whether the file has been removed.
func (r *Resource) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *Resource) drop() {
	r.mu.Lock()
	r.holders--
	release := r.holders == 0 && r.pending && !r.released
	if release {
		r.released = true
	}
	r.mu.Unlock()
	if release {
		r.remove()
	}
}

func (r *Resource) remove() {
	if err := os.Remove(r.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.mgr.logger.Error("scratch release failed", "job_id", r.JobID, "scratch_id", r.ID, "error", err)
	} else {
		r.mgr.logger.Debug("scratch released", "job_id", r.JobID, "scratch_id", r.ID)
	}
	r.mgr.forget(r)
}

func (r *Resource) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Reader follows a Resource as it is written.
type Reader struct {
	res  *Resource
	file *os.File
	ctx  context.Context
	off  int64
	once sync.Once
}

func (rd *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := rd.file.Read(p)
		rd.off += int64(n)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}

		r := rd.res
		r.mu.Lock()
		if rd.off < r.size {
			r.mu.Unlock()
			continue
		}
		if r.writeDone {
			werr := r.writeErr
			r.mu.Unlock()
			if werr != nil {
				return 0, werr
			}
			return 0, io.EOF
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-rd.ctx.Done():
			return 0, context.Cause(rd.ctx)
		case <-ch:
		}
	}
}

// Close releases the reader's hold on the resource.
func (rd *Reader) Close() error {
	var err error
	rd.once.Do(func() {
		err = rd.file.Close()
		rd.res.drop()
	})
	return err
}
