package smtpd

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestReadDataNormalizesLineEndings(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf untouched", "a\r\nb\r\n", "a\r\nb\r\n"},
		{"bare lf", "a\nb\n", "a\r\nb\r\n"},
		{"bare cr", "a\rb\r", "a\r\nb\r\n"},
		{"double cr", "a\r\rb", "a\r\n\r\nb\r\n"},
		{"mixed", "a\r\nb\nc\rd", "a\r\nb\r\nc\r\nd\r\n"},
		{"missing final line ending", "a\r\nb", "a\r\nb\r\n"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readData(strings.NewReader(tt.in), 0)
			if err != nil {
				t.Fatalf("readData: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadDataAcrossChunkBoundaries(t *testing.T) {
	// One byte per Read puts every CR and LF in separate chunks.
	got, err := readData(iotest.OneByteReader(strings.NewReader("a\r\nb\rc\n")), 0)
	if err != nil {
		t.Fatalf("readData: %v", err)
	}
	if string(got) != "a\r\nb\r\nc\r\n" {
		t.Errorf("got %q", got)
	}
}

func TestReadDataSizeLimit(t *testing.T) {
	body := strings.Repeat("x", 98) + "\r\n" // 100 bytes

	got, err := readData(strings.NewReader(body), 100)
	if err != nil {
		t.Fatalf("message at the limit refused: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("got %d bytes", len(got))
	}

	if _, err := readData(strings.NewReader(body), 99); err != errMessageTooBig {
		t.Fatalf("message one byte over: got %v, want 552", err)
	}

	// Normalization counts: 99 bare LFs become 198 bytes.
	if _, err := readData(strings.NewReader(strings.Repeat("\n", 99)), 150); err != errMessageTooBig {
		t.Fatalf("normalized size not counted: got %v", err)
	}
}

func TestReadDataDrainsOversizedStream(t *testing.T) {
	r := strings.NewReader(strings.Repeat("y", 10000))
	if _, err := readData(r, 10); err != errMessageTooBig {
		t.Fatalf("got %v, want 552", err)
	}
	if r.Len() != 0 {
		t.Fatalf("%d bytes left unread", r.Len())
	}
}

func TestReadDataPropagatesReadErrors(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := readData(io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(boom)), 0)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
}
