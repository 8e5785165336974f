package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/metrics"
)

// ConnectionLimiter bounds the number of concurrent sessions, in total and
// per client address. Trusted networks skip the per-address limit.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]int64
	mu               sync.Mutex
	protocol         string
	trustedNets      []*net.IPNet
}

func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int, trustedNets []*net.IPNet) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]int64),
		protocol:         protocol,
		trustedNets:      trustedNets,
	}
}

func (cl *ConnectionLimiter) isTrusted(ip net.IP) bool {
	for _, n := range cl.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Accept registers a new connection and returns a function to release it
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	ip := IPFromAddr(remoteAddr)
	key := remoteAddr.String()
	if ip != nil {
		key = ip.String()
	}
	perIP := cl.maxPerIP > 0 && !cl.isTrusted(ip)

	cl.mu.Lock()
	if cl.maxConnections > 0 && cl.currentTotal.Load() >= int64(cl.maxConnections) {
		cl.mu.Unlock()
		return nil, fmt.Errorf("maximum connections reached (%d)", cl.maxConnections)
	}
	if perIP && cl.perIPConnections[key] >= int64(cl.maxPerIP) {
		cl.mu.Unlock()
		return nil, fmt.Errorf("maximum connections per IP reached for %s (%d)", key, cl.maxPerIP)
	}
	cl.currentTotal.Add(1)
	if perIP {
		cl.perIPConnections[key]++
	}
	cl.mu.Unlock()
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			metrics.ConnectionsCurrent.Dec()
			cl.mu.Lock()
			cl.currentTotal.Add(-1)
			if perIP {
				if cl.perIPConnections[key]--; cl.perIPConnections[key] <= 0 {
					delete(cl.perIPConnections, key)
				}
			}
			cl.mu.Unlock()
		})
	}, nil
}

// Current returns the number of registered connections.
func (cl *ConnectionLimiter) Current() int64 {
	return cl.currentTotal.Load()
}

// LimitListener refuses connections over the limits at accept time, so a
// session never starts for them.
func LimitListener(l net.Listener, cl *ConnectionLimiter) net.Listener {
	return &connectionLimitingListener{Listener: l, limiter: cl}
}

type connectionLimitingListener struct {
	net.Listener
	limiter *ConnectionLimiter
}

func (l *connectionLimitingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		release, err := l.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("Connection limiter: connection rejected", "protocol", l.limiter.protocol, "remote", conn.RemoteAddr(), "error", err)
			metrics.ConnectionsRejected.WithLabelValues("limit").Inc()
			conn.Close()
			continue
		}
		return &connectionLimitingConn{Conn: conn, release: release}, nil
	}
}

// connectionLimitingConn releases its slot on Close.
type connectionLimitingConn struct {
	net.Conn
	release func()
}

func (c *connectionLimitingConn) Close() error {
	c.release()
	return c.Conn.Close()
}

// Unwrap returns the underlying connection.
func (c *connectionLimitingConn) Unwrap() net.Conn {
	return c.Conn
}
