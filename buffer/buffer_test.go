package buffer

import (
	"bytes"
	"testing"

	"github.com/nczempin/uproxy-go-uring/errors"
)

func TestBuffer_WriteRead(t *testing.T) {
	b := New(8)

	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Expected 5 bytes written, got %d (%v)", n, err)
	}
	if b.Len() != 5 || b.Free() != 3 {
		t.Errorf("Expected len 5 free 3, got len %d free %d", b.Len(), b.Free())
	}

	out := make([]byte, 3)
	b.Read(out)
	if string(out) != "hel" {
		t.Errorf("Expected %q, got %q", "hel", out)
	}
	if string(b.Readable()) != "lo" {
		t.Errorf("Expected readable %q, got %q", "lo", b.Readable())
	}
}

func TestBuffer_WriteOverflow(t *testing.T) {
	b := New(4)

	n, err := b.Write([]byte("abcdef"))
	if err != errors.ErrOutputFull {
		t.Fatalf("Expected ErrOutputFull, got %v", err)
	}
	if n != 4 {
		t.Errorf("Expected 4 bytes written, got %d", n)
	}
	if !b.Full() {
		t.Error("Expected buffer to be full")
	}
}

func TestBuffer_WriteCompacts(t *testing.T) {
	b := New(6)
	b.Write([]byte("abcdef"))
	b.Skip(4)

	if _, err := b.Write([]byte("ghij")); err != nil {
		t.Fatalf("Expected write to fit after compaction, got %v", err)
	}
	if string(b.Readable()) != "efghij" {
		t.Errorf("Expected %q, got %q", "efghij", b.Readable())
	}
}

func TestBuffer_SkipRewinds(t *testing.T) {
	b := New(4)
	b.Write([]byte("ab"))
	b.Skip(2)

	if b.Free() != 4 {
		t.Errorf("Expected cursors to rewind when empty, free %d", b.Free())
	}
}

func TestBuffer_CommitWritable(t *testing.T) {
	b := New(8)
	n := copy(b.Writable(), "xyz")
	b.Commit(n)

	if string(b.Readable()) != "xyz" {
		t.Errorf("Expected %q, got %q", "xyz", b.Readable())
	}
}

func TestBuffer_ResetMatchesNew(t *testing.T) {
	b := New(16)
	b.Write([]byte("some bytes"))
	b.Skip(3)
	b.Reset()
	b.Reset()

	fresh := New(16)
	if !bytes.Equal(b.Bytes(), fresh.Bytes()) || b.r != fresh.r || b.w != fresh.w {
		t.Error("Expected reset buffer to equal a fresh buffer")
	}
}

func TestBuffer_ResetKeep(t *testing.T) {
	b := New(8)
	b.Write([]byte("GET /a"))
	b.Skip(4)
	b.ResetKeep()

	if string(b.Readable()) != "/a" {
		t.Errorf("Expected %q, got %q", "/a", b.Readable())
	}
	if !bytes.Equal(b.Bytes()[2:], make([]byte, 6)) {
		t.Error("Expected tail to be zeroed")
	}
}

func TestBuffer_Fits(t *testing.T) {
	b := New(4)
	b.Write([]byte("abcd"))
	b.Skip(2)

	if !b.Fits(2) {
		t.Error("Expected 2 bytes to fit after compaction")
	}
	if b.Fits(3) {
		t.Error("Expected 3 bytes not to fit")
	}
}
