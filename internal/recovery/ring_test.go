package recovery

import (
	"bytes"
	"testing"
)

func TestContextRing_OrderPreserved(t *testing.T) {
	r := NewContextRing(1024)
	r.Append([]byte("one "))
	r.Append([]byte("two "))
	r.Append([]byte("three"))
	if got := string(r.Bytes()); got != "one two three" {
		t.Fatalf("got %q", got)
	}
}

func TestContextRing_EvictsOldest(t *testing.T) {
	r := NewContextRing(10)
	r.Append([]byte("aaaaa"))
	r.Append([]byte("bbbbb"))
	r.Append([]byte("ccccc"))

	out := r.Bytes()
	if len(out) > 10 {
		t.Fatalf("ring over cap: %d bytes", len(out))
	}
	if bytes.Contains(out, []byte("aaaaa")) {
		t.Fatalf("oldest chunk not evicted: %q", out)
	}
	if !bytes.Contains(out, []byte("ccccc")) {
		t.Fatalf("newest chunk missing: %q", out)
	}
}

func TestContextRing_OversizedChunkKeepsTail(t *testing.T) {
	r := NewContextRing(4)
	r.Append([]byte("0123456789"))
	if got := string(r.Bytes()); got != "6789" {
		t.Fatalf("got %q", got)
	}
}

func TestContextRing_EmptyAppendIgnored(t *testing.T) {
	r := NewContextRing(8)
	r.Append(nil)
	r.Append([]byte{})
	if got := r.Bytes(); len(got) != 0 {
		t.Fatalf("got %q", got)
	}
}

func TestContextRing_Clear(t *testing.T) {
	r := NewContextRing(64)
	r.Append([]byte("content"))
	r.Clear()
	if got := r.Bytes(); len(got) != 0 {
		t.Fatalf("got %q", got)
	}
}

func TestContextRing_CallerCannotMutate(t *testing.T) {
	r := NewContextRing(64)
	chunk := []byte("stable")
	r.Append(chunk)
	chunk[0] = 'X'
	if got := string(r.Bytes()); got != "stable" {
		t.Fatalf("ring aliased caller memory: %q", got)
	}
}
