package smtpd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.test"},
		DNSNames:     []string{"mx.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

func withTLS(cfg *tls.Config) harnessOption {
	return func(o *Options, d *Dependencies) {
		o.TLSConfig = cfg
	}
}

// command sends one line and returns the reply code and text.
func command(t *testing.T, tp *textproto.Conn, line string) (int, string) {
	t.Helper()
	id, err := tp.Cmd("%s", line)
	require.NoError(t, err)
	tp.StartResponse(id)
	defer tp.EndResponse(id)
	code, msg, err := tp.ReadResponse(0)
	require.NoError(t, err)
	return code, msg
}

func TestAuthOnlyAfterStartTLS(t *testing.T) {
	auth := &fakeAuth{
		passwords: map[string]string{"alice@example.org": "secret"},
		accounts:  map[string]int64{"alice@example.org": 7},
	}
	h := startHarness(t, nil, withOutbound(&fakeRelay{}, auth, "alice@example.org"), withTLS(selfSignedConfig(t)))
	plain := "AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\x00alice@example.org\x00secret"))

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()
	tp := textproto.NewConn(conn)
	_, _, err = tp.ReadResponse(220)
	require.NoError(t, err)

	code, ext := command(t, tp, "EHLO client.test")
	require.Equal(t, 250, code)
	assert.Contains(t, ext, "STARTTLS")
	assert.NotContains(t, ext, "AUTH")

	code, _ = command(t, tp, plain)
	assert.Equal(t, 523, code, "credentials refused in clear text")

	code, _ = command(t, tp, "STARTTLS")
	require.Equal(t, 220, code)
	tlsConn := tls.Client(conn, &tls.Config{ServerName: "mx.test", InsecureSkipVerify: true})
	require.NoError(t, tlsConn.Handshake())
	tp = textproto.NewConn(tlsConn)

	code, ext = command(t, tp, "EHLO client.test")
	require.Equal(t, 250, code)
	assert.Contains(t, ext, "AUTH")
	assert.NotContains(t, ext, "STARTTLS")

	code, _ = command(t, tp, plain)
	require.Equal(t, 235, code)

	code, _ = command(t, tp, "STARTTLS")
	assert.Equal(t, 502, code, "no second handshake after AUTH")
	require.Eventually(t, func() bool { return h.backend.GetAuthenticatedConnections() == 1 }, time.Second, 10*time.Millisecond)
}
