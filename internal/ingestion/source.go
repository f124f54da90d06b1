// Package ingestion reads application error logs and feeds the error entries
// they contain into the reporting pipeline.
package ingestion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/logging"

	"github.com/nxadm/tail"
	"go.uber.org/zap"
)

// maxLineSize bounds a single log line; stack-heavy JSON lines get long.
const maxLineSize = 1024 * 1024

// Line is one raw line read from a source. Number is 1-based.
type Line struct {
	Text   string
	Number int
	Origin string
}

// Source produces raw log lines.
//
// Read sends lines until the source is exhausted or ctx is cancelled. It
// never closes lines, so several sources can share one channel.
type Source interface {
	Read(ctx context.Context, lines chan<- Line) error
	Name() string
	Close() error
}

// FileSource reads an application log file. In follow mode it keeps
// reading appended lines and survives rotation until ctx is cancelled.
type FileSource struct {
	path   string
	follow bool
	logger *zap.Logger
}

func NewFileSource(path string, follow bool, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: path, follow: follow, logger: logger}
}

func (f *FileSource) Name() string { return "file:" + f.path }

func (f *FileSource) Read(ctx context.Context, lines chan<- Line) error {
	if _, err := os.Stat(f.path); errors.Is(err, fs.ErrNotExist) {
		return pipelineerrors.NewIngestFileNotFoundError(f.path)
	}
	if f.follow {
		return f.tail(ctx, lines)
	}

	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close()
	return scanLines(ctx, file, f.path, lines)
}

func (f *FileSource) tail(ctx context.Context, lines chan<- Line) error {
	t, err := tail.TailFile(f.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", f.path, err)
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	for n := 1; ; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				// The tailer died on its own; Wait returns why.
				return t.Wait()
			}
			if line.Err != nil {
				f.logger.Warn("tail_line_error", logging.Source(f.path), zap.Error(line.Err))
				continue
			}
			if err := send(ctx, lines, Line{Text: line.Text, Number: n, Origin: f.path}); err != nil {
				return err
			}
			n++
		}
	}
}

func (f *FileSource) Close() error { return nil }

// ReaderSource reads lines from any reader, standard input included.
type ReaderSource struct {
	name   string
	reader io.Reader
}

func NewReaderSource(name string, r io.Reader) *ReaderSource {
	return &ReaderSource{name: name, reader: r}
}

// NewStdinSource reads standard input; Close leaves it open.
func NewStdinSource() *ReaderSource {
	return NewReaderSource("stdin", os.Stdin)
}

func (s *ReaderSource) Name() string { return s.name }

func (s *ReaderSource) Read(ctx context.Context, lines chan<- Line) error {
	return scanLines(ctx, s.reader, s.name, lines)
}

func (s *ReaderSource) Close() error {
	if s.reader == os.Stdin {
		return nil
	}
	if c, ok := s.reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func scanLines(ctx context.Context, r io.Reader, origin string, lines chan<- Line) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for n := 1; scanner.Scan(); n++ {
		if err := send(ctx, lines, Line{Text: scanner.Text(), Number: n, Origin: origin}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// send delivers line unless ctx is cancelled first.
func send(ctx context.Context, lines chan<- Line, line Line) error {
	select {
	case lines <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
