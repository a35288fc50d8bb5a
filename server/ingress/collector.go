package ingress

import (
	"bytes"
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"
)

// ErrMessageTooLarge is returned by Collect when the source stream exceeds
// the configured maximum message size.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// maxSizeReader fails the read once more than max bytes came through, so an
// oversize message aborts every consumer instead of handing them a silently
// truncated stream.
type maxSizeReader struct {
	r        io.Reader
	max      int64
	consumed int64
}

func (m *maxSizeReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.consumed += int64(n)
	if m.consumed > m.max {
		return n, ErrMessageTooLarge
	}
	return n, err
}

// Collect drains r into a single in-memory buffer while feeding the same
// bytes to each sink. The source is read exactly once; sinks run in their own
// goroutines so a slow sink does not stall the buffer. An error on the source
// or on any sink cancels all of them and is returned once. A maxSize of zero
// disables the size check.
func Collect(ctx context.Context, r io.Reader, maxSize int64, sinks ...io.Writer) ([]byte, error) {
	if maxSize > 0 {
		r = &maxSizeReader{r: r, max: maxSize}
	}

	var buf bytes.Buffer
	if len(sinks) == 0 {
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	g, _ := errgroup.WithContext(ctx)

	writers := make([]io.Writer, 0, len(sinks)+1)
	writers = append(writers, &buf)
	pipeWriters := make([]*io.PipeWriter, 0, len(sinks))
	for _, sink := range sinks {
		pr, pw := io.Pipe()
		pipeWriters = append(pipeWriters, pw)
		sink := sink
		g.Go(func() error {
			_, err := io.Copy(sink, pr)
			pr.CloseWithError(err)
			return err
		})
		writers = append(writers, pw)
	}

	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(writers...), r)
		for _, pw := range pipeWriters {
			// A nil error closes the pipe with plain EOF.
			pw.CloseWithError(err)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CollectWith buffers r while consume reads the same stream concurrently.
// consume must read its reader to EOF on the success path; returning early
// with an error aborts the collection. The source error wins when both sides
// fail, so an oversize stream still surfaces as ErrMessageTooLarge.
func CollectWith(ctx context.Context, r io.Reader, maxSize int64, consume func(io.Reader) error) ([]byte, error) {
	if consume == nil {
		return Collect(ctx, r, maxSize)
	}

	pr, pw := io.Pipe()
	consumeErr := make(chan error, 1)
	go func() {
		err := consume(pr)
		pr.CloseWithError(err)
		consumeErr <- err
	}()

	body, err := Collect(ctx, r, maxSize, pw)
	cerr := <-consumeErr
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, cerr
	}
	return body, nil
}
