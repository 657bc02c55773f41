package reassembly

import (
	"bytes"
	"testing"
)

func TestInOrderPutAdvancesMergedLen(t *testing.T) {
	b := New(1000, 4096)
	if r := b.Put(1000, []byte("hello")); r != PutOK {
		t.Fatalf("expected PutOK, got %v", r)
	}
	if got := b.MergedLen(); got != 5 {
		t.Fatalf("expected mergedLen 5, got %d", got)
	}
	if !bytes.Equal(b.Bytes(), []byte("hello")) {
		t.Fatalf("unexpected buffer contents: %q", b.Bytes())
	}
}

func TestOutOfOrderThenGapFill(t *testing.T) {
	b := New(0, 4096)
	b.Put(5, []byte("world")) // out of order, ahead of head
	if got := b.MergedLen(); got != 0 {
		t.Fatalf("expected no merge yet, got %d", got)
	}
	b.Put(0, []byte("hello"))
	if got := b.MergedLen(); got != 10 {
		t.Fatalf("expected full merge after gap fill, got %d", got)
	}
	if !bytes.Equal(b.Bytes(), []byte("helloworld")) {
		t.Fatalf("unexpected merged contents: %q", b.Bytes())
	}
}

func TestBelowHeadDropped(t *testing.T) {
	b := New(1000, 4096)
	if r := b.Put(900, []byte("stale")); r != PutBelowHead {
		t.Fatalf("expected PutBelowHead, got %v", r)
	}
}

func TestOverflowRejected(t *testing.T) {
	b := New(0, 16)
	if r := b.Put(10, make([]byte, 10)); r != PutOverflow {
		t.Fatalf("expected PutOverflow, got %v", r)
	}
}

func TestIdempotentPut(t *testing.T) {
	b1 := New(0, 4096)
	b1.Put(0, []byte("repeat"))
	first := b1.MergedLen()
	firstBytes := append([]byte(nil), b1.Bytes()...)

	b1.Put(0, []byte("repeat"))
	if b1.MergedLen() != first {
		t.Fatalf("expected idempotent mergedLen, got %d want %d", b1.MergedLen(), first)
	}
	if !bytes.Equal(b1.Bytes(), firstBytes) {
		t.Fatalf("expected idempotent contents")
	}
}

func TestDualReaderRemove(t *testing.T) {
	b := New(0, 4096)
	b.Put(0, []byte("0123456789"))

	b.Remove(4, ReaderEngine)
	if b.HeadSeq() != 0 {
		t.Fatalf("headSeq must not advance until both readers pass the offset, got %d", b.HeadSeq())
	}
	b.Remove(4, ReaderApp)
	if b.HeadSeq() != 4 {
		t.Fatalf("expected headSeq to advance to 4 once both readers passed it, got %d", b.HeadSeq())
	}
	if got := b.RcvNxt(); got != 10 {
		t.Fatalf("expected rcvNxt to remain 10 after retirement, got %d", got)
	}
}

func TestRcvWndShrinksAsDataArrives(t *testing.T) {
	b := New(0, 100)
	if b.RcvWnd() != 100 {
		t.Fatalf("expected full window initially, got %d", b.RcvWnd())
	}
	b.Put(0, make([]byte, 30))
	if b.RcvWnd() != 70 {
		t.Fatalf("expected window to shrink by merged bytes, got %d", b.RcvWnd())
	}
}
