package checks

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/migadu/smtpd/server/policy"
)

const clamdChunkSize = 64 * 1024

// Clamd scans messages with a clamd daemon over its INSTREAM command.
type Clamd struct {
	network string
	addr    string
}

// NewClamd accepts "host:port" or a unix socket path.
func NewClamd(addr string) *Clamd {
	network := "tcp"
	if strings.HasPrefix(addr, "/") {
		network = "unix"
	}
	return &Clamd{network: network, addr: addr}
}

func (c *Clamd) Scan(ctx context.Context, raw []byte) (policy.ScanResult, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return policy.ScanClean, fmt.Errorf("clamd dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return policy.ScanClean, fmt.Errorf("clamd write: %w", err)
	}
	var size [4]byte
	for len(raw) > 0 {
		n := min(len(raw), clamdChunkSize)
		binary.BigEndian.PutUint32(size[:], uint32(n))
		if _, err := conn.Write(size[:]); err != nil {
			return policy.ScanClean, fmt.Errorf("clamd write: %w", err)
		}
		if _, err := conn.Write(raw[:n]); err != nil {
			return policy.ScanClean, fmt.Errorf("clamd write: %w", err)
		}
		raw = raw[n:]
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := conn.Write(size[:]); err != nil {
		return policy.ScanClean, fmt.Errorf("clamd write: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && reply == "" {
		return policy.ScanClean, fmt.Errorf("clamd read: %w", err)
	}
	return parseClamdReply(strings.TrimRight(reply, "\x00\r\n"))
}

// parseClamdReply reads "stream: OK" or "stream: <signature> FOUND".
func parseClamdReply(reply string) (policy.ScanResult, error) {
	_, verdict, ok := strings.Cut(reply, ": ")
	if !ok {
		return policy.ScanClean, fmt.Errorf("clamd: unexpected reply %q", reply)
	}
	switch {
	case verdict == "OK":
		return policy.ScanClean, nil
	case strings.HasSuffix(verdict, " FOUND"):
		signature := strings.TrimSuffix(verdict, " FOUND")
		if strings.Contains(strings.ToLower(signature), "phishing") {
			return policy.ScanPhishing, nil
		}
		return policy.ScanInfected, nil
	default:
		return policy.ScanClean, fmt.Errorf("clamd: %s", verdict)
	}
}
