// Package txfile persists generated requests for the write/read file mode:
// a priming round writes one JSON line per request and per worker, and the
// measured round replays them in order.
package txfile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gateway-fm/chainbench/internal/connector"
)

// ErrNoFile is returned when a round has no transaction file for a worker.
var ErrNoFile = errors.New("transaction file not found")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store locates transaction files under a directory.
type Store struct {
	Dir string
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tx file dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

// Path returns the file of one worker in one sub-round.
func (s *Store) Path(label string, subRound, worker int) string {
	name := fmt.Sprintf("tx-%s-%d-w%d.jsonl", unsafeChars.ReplaceAllString(label, "_"), subRound, worker)
	return filepath.Join(s.Dir, name)
}

// Writer appends requests to a file.
type Writer struct {
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
	n   int
}

// Create truncates and opens the file for writing.
func (s *Store) Create(label string, subRound, worker int) (*Writer, error) {
	f, err := os.Create(s.Path(label, subRound, worker))
	if err != nil {
		return nil, fmt.Errorf("create tx file: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &Writer{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Write appends one request.
func (w *Writer) Write(req connector.Request) error {
	if err := w.enc.Encode(req); err != nil {
		return fmt.Errorf("write tx %d: %w", w.n, err)
	}
	w.n++
	return nil
}

// Count returns the number of requests written.
func (w *Writer) Count() int { return w.n }

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("flush tx file: %w", err)
	}
	return w.f.Close()
}

// Reader replays requests in the order they were written.
type Reader struct {
	f   *os.File
	dec *json.Decoder
}

// Open opens the file for reading. It returns ErrNoFile when the priming
// round did not produce one.
func (s *Store) Open(label string, subRound, worker int) (*Reader, error) {
	path := s.Path(label, subRound, worker)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoFile, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open tx file: %w", err)
	}
	return &Reader{f: f, dec: json.NewDecoder(bufio.NewReader(f))}, nil
}

// Next returns the next request, or io.EOF once the file is exhausted.
func (r *Reader) Next() (connector.Request, error) {
	var req connector.Request
	if err := r.dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return connector.Request{}, io.EOF
		}
		return connector.Request{}, fmt.Errorf("read tx file: %w", err)
	}
	return req, nil
}

// Close closes the file.
func (r *Reader) Close() error { return r.f.Close() }
