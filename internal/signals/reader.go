// Package signals tails the newline-delimited JSON signal stream.
package signals

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/types"
)

// maxRead bounds one ReadNew call; the rest is picked up on the next call.
// It is also the longest line accepted.
const maxRead = 4 << 20

// Reader returns signals appended to a file since the previous read. A
// line without its trailing newline is left for the next read; a line
// longer than maxRead is dropped with a warning. The file may not exist
// yet; it is then treated as empty.
type Reader struct {
	path     string
	offset   int64
	limit    int64
	logger   *slog.Logger
	recorder *metrics.Recorder

	// discarding is set while the reader is inside an oversized line.
	discarding bool
}

// NewReader creates a reader for path.
func NewReader(path string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{path: path, limit: maxRead, logger: logger, recorder: metrics.NewRecorder()}
}

// Path returns the file being read.
func (r *Reader) Path() string {
	return r.path
}

// Offset returns the byte offset of the next unread line.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Start positions the reader at the beginning of the file when
// resetPointer is set, and at its end otherwise.
func (r *Reader) Start(resetPointer bool) error {
	r.discarding = false
	if resetPointer {
		r.offset = 0
		r.logger.Info("signal reader starting at beginning", "path", r.path)
		return nil
	}
	if err := r.SkipToEnd(); err != nil {
		return err
	}
	r.logger.Info("signal reader starting at end", "path", r.path, "offset", r.offset)
	return nil
}

// SkipToEnd drops every unread line.
func (r *Reader) SkipToEnd() error {
	info, err := os.Stat(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.offset = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat signals file: %w", err)
	}
	if skipped := info.Size() - r.offset; skipped > 0 {
		r.logger.Debug("signal backlog skipped", "bytes", skipped)
	}
	r.offset = info.Size()
	r.discarding = false
	return nil
}

// ReadNew returns the complete lines appended since the last call.
// Malformed lines and positions outside {-1, 0, 1} are logged and skipped.
func (r *Reader) ReadNew() ([]types.Signal, error) {
	f, err := os.Open(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open signals file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat signals file: %w", err)
	}
	if info.Size() < r.offset {
		r.logger.Warn("signals file shrank, reading from start", "path", r.path, "offset", r.offset, "size", info.Size())
		r.offset = 0
		r.discarding = false
	}
	if info.Size() == r.offset {
		return nil, nil
	}

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek signals file: %w", err)
	}
	buf, err := io.ReadAll(io.LimitReader(f, r.limit))
	if err != nil {
		return nil, fmt.Errorf("read signals file: %w", err)
	}

	if r.discarding {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			r.offset += int64(len(buf))
			return nil, nil
		}
		r.offset += int64(nl + 1)
		buf = buf[nl+1:]
		r.discarding = false
		r.logger.Info("oversized signal line skipped, resuming", "offset", r.offset)
	}

	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		if int64(len(buf)) >= r.limit {
			r.logger.Warn("signal line exceeds read limit, skipping to next newline",
				"offset", r.offset,
				"limit_bytes", r.limit,
			)
			r.recorder.RecordError("signal_oversize")
			r.offset += int64(len(buf))
			r.discarding = true
		}
		return nil, nil
	}
	complete := buf[:end+1]
	r.offset += int64(len(complete))

	var out []types.Signal
	for _, line := range bytes.Split(complete, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		sig, err := Parse(line)
		if err != nil {
			r.logger.Warn("skipping malformed signal", "line", string(line), "err", err)
			r.recorder.RecordError("signal_parse")
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

// Parse decodes one signal line.
func Parse(line []byte) (types.Signal, error) {
	var sig types.Signal
	if err := json.Unmarshal(line, &sig); err != nil {
		return types.Signal{}, err
	}
	if _, ok := types.SideFromDirection(sig.Position); !ok {
		return types.Signal{}, fmt.Errorf("position %d is not -1, 0 or 1", sig.Position)
	}
	return sig, nil
}
