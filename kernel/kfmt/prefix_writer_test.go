package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input string
		exp   string
	}{
		{"", ""},
		{"\n", "[vmm] \n"},
		{"no line break anywhere", "[vmm] no line break anywhere"},
		{"line feed at the end\n", "[vmm] line feed at the end\n"},
		{
			"\nnew PDPT\nnew PD\nnew PT",
			"[vmm] \n[vmm] new PDPT\n[vmm] new PD\n[vmm] new PT",
		},
	}

	var buf bytes.Buffer

	for specIndex, spec := range specs {
		buf.Reset()
		w := PrefixWriter{Sink: &buf, Prefix: []byte("[vmm] ")}

		wrote, err := w.Write([]byte(spec.input))
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if expLen := len(spec.input); expLen != wrote {
			t.Errorf("[spec %d] expected writer to write %d bytes; wrote %d", specIndex, expLen, wrote)
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output:\n%q\ngot:\n%q", specIndex, spec.exp, got)
		}
	}
}

func TestPrefixWriterAcrossWrites(t *testing.T) {
	var buf bytes.Buffer
	w := PrefixWriter{Sink: &buf, Prefix: []byte("> ")}

	_, _ = w.Write([]byte("par"))
	_, _ = w.Write([]byte("tial\nnext"))

	if exp, got := "> partial\n> next", buf.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}
}

func TestPrefixWriterErrors(t *testing.T) {
	expErr := errors.New("write failed")

	w := PrefixWriter{Sink: writerThatAlwaysErrors{expErr}, Prefix: []byte("> ")}
	if _, err := w.Write([]byte("data")); err != expErr {
		t.Fatalf("expected error %v; got %v", expErr, err)
	}
}

type writerThatAlwaysErrors struct {
	err error
}

func (w writerThatAlwaysErrors) Write(_ []byte) (int, error) {
	return 0, w.err
}
