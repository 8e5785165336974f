package checks

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/migadu/smtpd/server/policy"
	"github.com/migadu/smtpd/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClamd answers one INSTREAM request with reply and returns what it
// received.
func fakeClamd(t *testing.T, reply string) (string, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		cmd, err := r.ReadString(0)
		if err != nil || cmd != "zINSTREAM\x00" {
			return
		}
		var body []byte
		for {
			var size [4]byte
			if _, err := io.ReadFull(r, size[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(size[:])
			if n == 0 {
				break
			}
			chunk := make([]byte, n)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return
			}
			body = append(body, chunk...)
		}
		got <- body
		_, _ = conn.Write([]byte(reply + "\x00"))
	}()
	return ln.Addr().String(), got
}

func TestClamdScan(t *testing.T) {
	tests := []struct {
		reply string
		want  policy.ScanResult
	}{
		{"stream: OK", policy.ScanClean},
		{"stream: Eicar-Test-Signature FOUND", policy.ScanInfected},
		{"stream: Heuristics.Phishing.Email.SpoofedDomain FOUND", policy.ScanPhishing},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			addr, got := fakeClamd(t, tt.reply)
			payload := []byte(strings.Repeat("x", clamdChunkSize+10))

			res, err := NewClamd(addr).Scan(context.Background(), payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
			assert.Equal(t, payload, <-got)
		})
	}
}

func TestParseClamdReplyErrors(t *testing.T) {
	_, err := parseClamdReply("garbage")
	assert.Error(t, err)
	_, err = parseClamdReply("stream: INSTREAM size limit exceeded. ERROR")
	assert.Error(t, err)
}

func TestClamdUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewClamd(addr).Scan(context.Background(), []byte("x"))
	assert.Error(t, err)
}

func TestDNSBLName(t *testing.T) {
	assert.Equal(t, "4.3.2.1.zen.example.", dnsblName(net.ParseIP("1.2.3.4"), "zen.example"))
	assert.Equal(t, "4.3.2.1.zen.example.", dnsblName(net.ParseIP("1.2.3.4"), "zen.example."))

	v6 := dnsblName(net.ParseIP("2001:db8::1"), "bl.example")
	assert.True(t, strings.HasPrefix(v6, "1.0.0.0.0.0.0.0."))
	assert.True(t, strings.HasSuffix(v6, "8.b.d.0.1.0.0.2.bl.example."))
}

func TestDNSBLWithoutZones(t *testing.T) {
	listed, err := NewDNSBL(nil).Listed(context.Background(), net.ParseIP("192.0.2.1"))
	require.NoError(t, err)
	assert.False(t, listed)
}

func TestDKIMUnsignedAndMalformed(t *testing.T) {
	d := NewDKIM()

	res, err := d.VerifyDKIM(context.Background(), []byte("From: a@b\r\nSubject: s\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	assert.Equal(t, policy.DKIMNone, res)

	res, err = d.VerifyDKIM(context.Background(), []byte("DKIM-Signature: v=1; a=rsa-sha256; d=example.org\r\nFrom: a@b\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	assert.Equal(t, policy.DKIMInvalid, res)
}

func TestHeaderSpamFilter(t *testing.T) {
	spamMsg := []byte("From: promo@shop.example\r\nSubject: Deals\r\nX-Spam-Flag: YES\r\n\r\nbuy\r\n")
	hamMsg := []byte("From: friend@example.org\r\nSubject: Lunch\r\n\r\nhi\r\n")

	f := NewHeaderSpamFilter("", 0, nil)
	v, err := f.CheckSpam(context.Background(), 1, spamMsg)
	require.NoError(t, err)
	assert.True(t, v.Spam)
	assert.NotEmpty(t, v.Signature)

	v, err = f.CheckSpam(context.Background(), 1, hamMsg)
	require.NoError(t, err)
	assert.False(t, v.Spam)
}

func TestHeaderSpamFilterScore(t *testing.T) {
	f := NewHeaderSpamFilter("X-Spam-Score", 5, nil)
	for score, want := range map[string]bool{"7.5": true, "5": true, "2.1": false} {
		v, err := f.CheckSpam(context.Background(), 1, []byte("X-Spam-Score: "+score+"\r\n\r\n"))
		require.NoError(t, err)
		assert.Equal(t, want, v.Spam, score)
	}
}

func TestHeaderSpamFilterLearnsCorrections(t *testing.T) {
	_, client := testutils.NewRedis(t)
	f := NewHeaderSpamFilter("", 0, client)
	ctx := context.Background()
	msg := []byte("From: promo@shop.example\r\nSubject: Deals\r\nX-Spam-Flag: YES\r\n\r\nbuy\r\n")

	v, err := f.CheckSpam(ctx, 1, msg)
	require.NoError(t, err)
	require.True(t, v.Spam)

	require.NoError(t, f.Train(ctx, 1, v.Signature, ClassHam))
	again, err := f.CheckSpam(ctx, 1, msg)
	require.NoError(t, err)
	assert.False(t, again.Spam)

	other, err := f.CheckSpam(ctx, 2, msg)
	require.NoError(t, err)
	assert.True(t, other.Spam, "corrections are per account")

	// A reply in the same thread shares the signature.
	reply, err := f.CheckSpam(ctx, 1, []byte("From: promo@shop.example\r\nSubject: Re: Deals\r\nX-Spam-Flag: YES\r\n\r\n"))
	require.NoError(t, err)
	assert.False(t, reply.Spam)

	assert.Error(t, f.Train(ctx, 1, v.Signature, "maybe"))
}
