package txfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gateway-fm/chainbench/internal/connector"
)

func TestWriteThenRead(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "txs"))
	if err != nil {
		t.Fatal(err)
	}

	reqs := []connector.Request{
		{Signed: "0x01"},
		{Target: "eth.transfer", Args: []any{"0xabc", float64(3)}},
		{Signed: "0x02"},
	}
	w, err := s.Create("my round", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range reqs {
		if err := w.Write(r); err != nil {
			t.Fatal(err)
		}
	}
	if w.Count() != 3 {
		t.Errorf("Count() = %d", w.Count())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := s.Open("my round", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for i, want := range reqs {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() %d: %v", i, err)
		}
		if got.Signed != want.Signed || got.Target != want.Target || len(got.Args) != len(want.Args) {
			t.Errorf("request %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestPath(t *testing.T) {
	s := &Store{Dir: "/tmp/x"}
	got := s.Path("a/b c", 2, 3)
	if filepath.Dir(got) != "/tmp/x" || !strings.HasSuffix(got, "tx-a_b_c-2-w3.jsonl") {
		t.Errorf("Path() = %s", got)
	}
	if s.Path("r", 0, 0) == s.Path("r", 0, 1) {
		t.Error("workers share a file")
	}
}

func TestOpenMissing(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	if _, err := s.Open("none", 0, 0); !errors.Is(err, ErrNoFile) {
		t.Errorf("error = %v, want ErrNoFile", err)
	}
}

func TestCorruptFile(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	if err := os.WriteFile(s.Path("bad", 0, 0), []byte("{not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := s.Open("bad", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("expected decode error, got %v", err)
	}
}
