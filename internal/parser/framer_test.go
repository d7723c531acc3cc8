package parser

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

const stream = "{\"a\":1}\n\n  {\"b\":2}  \r\n\n{\"c\":3}\npartial"

var wantPackets = []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}

func collect(f *Framer, chunks [][]byte) []string {
	var got []string
	for _, c := range chunks {
		f.Feed(c, func(p string) { got = append(got, p) })
	}
	return got
}

func TestFramerWholeStream(t *testing.T) {
	f := NewFramer()
	got := collect(f, [][]byte{[]byte(stream)})
	if !reflect.DeepEqual(got, wantPackets) {
		t.Fatalf("packets = %q, want %q", got, wantPackets)
	}
	if f.Pending() != len("partial") {
		t.Errorf("pending = %d, want %d", f.Pending(), len("partial"))
	}
}

func TestFramerOneByteAtATime(t *testing.T) {
	var chunks [][]byte
	for i := 0; i < len(stream); i++ {
		chunks = append(chunks, []byte{stream[i]})
	}
	got := collect(NewFramer(), chunks)
	if !reflect.DeepEqual(got, wantPackets) {
		t.Fatalf("packets = %q, want %q", got, wantPackets)
	}
}

func TestFramerRandomChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := []byte(stream)
	for trial := 0; trial < 200; trial++ {
		var chunks [][]byte
		for i := 0; i < len(data); {
			n := 1 + rng.Intn(9)
			if i+n > len(data) {
				n = len(data) - i
			}
			chunks = append(chunks, data[i:i+n])
			i += n
		}
		got := collect(NewFramer(), chunks)
		if !reflect.DeepEqual(got, wantPackets) {
			t.Fatalf("trial %d: packets = %q, want %q", trial, got, wantPackets)
		}
	}
}

func TestFramerSplitAcrossChunks(t *testing.T) {
	f := NewFramer()
	var got []string
	emit := func(p string) { got = append(got, p) }

	if n := f.Feed([]byte(`{"battery":{"perc`), emit); n != 0 {
		t.Fatalf("emitted %d packets before newline", n)
	}
	f.Feed([]byte(`ent":80}}`+"\n"+`{"x"`), emit)
	if len(got) != 1 || got[0] != `{"battery":{"percent":80}}` {
		t.Fatalf("got %q", got)
	}
	f.Feed([]byte(":1}\n"), emit)
	if len(got) != 2 || got[1] != `{"x":1}` {
		t.Fatalf("got %q", got)
	}
	if f.Pending() != 0 {
		t.Errorf("pending = %d, want 0", f.Pending())
	}
}

func TestFramerEmptyLinesDropped(t *testing.T) {
	got := collect(NewFramer(), [][]byte{[]byte("\n\n   \n\t\r\n")})
	if len(got) != 0 {
		t.Fatalf("expected no packets, got %q", got)
	}
}

func TestFramerInvalidUTF8Substituted(t *testing.T) {
	got := collect(NewFramer(), [][]byte{{'a', 0xff, 0xfe, 'b', '\n'}})
	if len(got) != 1 {
		t.Fatalf("got %d packets", len(got))
	}
	if got[0] != "a�b" {
		t.Errorf("packet = %q", got[0])
	}
}

func TestFramerOverflowDiscardsPartialLine(t *testing.T) {
	f := NewFramer()
	f.SetMaxPending(16)
	f.Write([]byte(strings.Repeat("x", 20)))
	if f.Pending() != 0 || f.Overflows() != 1 {
		t.Fatalf("pending=%d overflows=%d", f.Pending(), f.Overflows())
	}
	got := collect(f, [][]byte{[]byte("xxxx"), []byte("xx\nok\n")})
	if len(got) != 1 || got[0] != "ok" {
		t.Fatalf("got %q after overflow, want only the next full line", got)
	}
	if f.Overflows() != 1 {
		t.Errorf("overflows = %d, want 1", f.Overflows())
	}
}
