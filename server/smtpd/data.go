package smtpd

import (
	"bytes"
	"errors"
	"io"

	"github.com/emersion/go-smtp"
)

var errMessageTooBig = &smtp.SMTPError{
	Code:         552,
	EnhancedCode: smtp.EnhancedCode{5, 3, 4},
	Message:      "Message size exceeds fixed maximum message size",
}

// readData buffers a DATA stream with every line ending rewritten to CRLF:
// bare LF and bare CR both become CRLF and a missing final line ending is
// added. Once the normalized size passes limit the rest of the stream is
// still consumed, so the reply is sent at the terminator, but nothing more
// is kept. A limit of zero disables the check.
func readData(r io.Reader, limit int64) ([]byte, error) {
	var (
		buf   bytes.Buffer
		n     int64
		prev  byte
		over  bool
		chunk = make([]byte, 32*1024)
	)
	emit := func(b byte) {
		n++
		if limit > 0 && n > limit {
			over = true
			return
		}
		buf.WriteByte(b)
	}

	for {
		k, err := r.Read(chunk)
		for _, c := range chunk[:k] {
			switch {
			case c == '\n' && prev != '\r':
				emit('\r')
				emit('\n')
			case prev == '\r' && c != '\n':
				emit('\n')
				if c == '\r' {
					emit('\r')
				} else {
					emit(c)
				}
			default:
				emit(c)
			}
			prev = c
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, smtp.ErrDataTooLarge) {
				return nil, errMessageTooBig
			}
			return nil, err
		}
	}

	switch {
	case prev == '\r':
		emit('\n')
	case n > 0 && prev != '\n':
		emit('\r')
		emit('\n')
	}
	if over {
		return nil, errMessageTooBig
	}
	return buf.Bytes(), nil
}
