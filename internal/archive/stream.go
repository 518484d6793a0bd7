package archive

import (
	"context"
	"io"

	"github.com/IliaW/doc-harvester/internal/model"
)

// Stream is the consumer end of an archive being assembled in the background.
// Reads block until the producer writes; a fatal producer error surfaces as a read error
// instead of a clean EOF, so a truncated archive never looks complete.
type Stream struct {
	*io.PipeReader
	done    chan struct{}
	cancel  context.CancelFunc
	summary *Summary
	err     error
}

// Stream starts Assemble in its own goroutine writing into an unbuffered pipe. Closing the
// stream or cancelling ctx stops the producer before its next fetch or write.
func (a *Assembler) Stream(ctx context.Context, req model.ArchiveRequest) *Stream {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{PipeReader: pr, done: make(chan struct{}), cancel: cancel}

	stop := context.AfterFunc(ctx, func() {
		pw.CloseWithError(ctx.Err())
	})
	go func() {
		defer close(s.done)
		defer cancel()
		defer stop()
		s.summary, s.err = a.Assemble(ctx, req, &cancelOnErrWriter{w: pw, cancel: cancel})
		pw.CloseWithError(s.err)
	}()

	return s
}

// Close abandons the archive. The producer stops at its next checkpoint and any in-flight
// fetch is cancelled.
func (s *Stream) Close() error {
	s.cancel()
	return s.PipeReader.Close()
}

// Wait blocks until the producer has finished and returns its result.
func (s *Stream) Wait() (*Summary, error) {
	<-s.done
	return s.summary, s.err
}

// cancelOnErrWriter cancels the producer context once the consumer side is gone, so an
// in-flight fetch is abandoned instead of completing for nobody.
type cancelOnErrWriter struct {
	w      io.Writer
	cancel context.CancelFunc
}

func (c *cancelOnErrWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		c.cancel()
	}
	return n, err
}
