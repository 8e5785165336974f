package server

import (
	"net"
	"sync"
	"testing"
	"time"
)

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345}
}

// Release may run from both the normal close path and a panic recovery.
func TestConnectionLimiterDoubleReleaseRace(t *testing.T) {
	limiter := NewConnectionLimiter("TEST", 100, 10, nil)

	release, err := limiter.Accept(tcpAddr("192.0.2.1"))
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if limiter.Current() != 1 {
		t.Fatalf("Expected total=1, got %d", limiter.Current())
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()

	if total := limiter.Current(); total != 0 {
		t.Errorf("Double release detected! Expected total=0, got %d", total)
	}
	if n := len(limiter.perIPConnections); n != 0 {
		t.Errorf("per-IP entries left behind: %v", limiter.perIPConnections)
	}
}

func TestConnectionLimiterLimits(t *testing.T) {
	_, trusted, _ := net.ParseCIDR("10.0.0.0/8")

	tests := []struct {
		name     string
		maxTotal int
		maxPerIP int
		addrs    []string
		refused  int // index of the first refused connection, -1 for none
	}{
		{"under limits", 10, 5, []string{"192.0.2.1", "192.0.2.1", "192.0.2.2"}, -1},
		{"total limit", 2, 0, []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"}, 2},
		{"per address limit", 10, 2, []string{"192.0.2.1", "192.0.2.1", "192.0.2.1"}, 2},
		{"other address unaffected", 10, 1, []string{"192.0.2.1", "192.0.2.2"}, -1},
		{"trusted skips per address", 10, 1, []string{"10.1.1.1", "10.1.1.1", "10.1.1.1"}, -1},
		{"trusted still counts toward total", 2, 1, []string{"10.1.1.1", "10.1.1.1", "10.1.1.1"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewConnectionLimiter("TEST", tt.maxTotal, tt.maxPerIP, []*net.IPNet{trusted})
			for i, a := range tt.addrs {
				_, err := limiter.Accept(tcpAddr(a))
				if i == tt.refused {
					if err == nil {
						t.Fatalf("connection %d from %s accepted, want refused", i, a)
					}
					return
				}
				if err != nil {
					t.Fatalf("connection %d from %s refused: %v", i, a, err)
				}
			}
		})
	}
}

func TestConnectionLimiterConcurrentAcceptRelease(t *testing.T) {
	limiter := NewConnectionLimiter("TEST", 1000, 100, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := tcpAddr(net.IPv4(192, 0, 2, byte(i%5+1)).String())
			for j := 0; j < 20; j++ {
				release, err := limiter.Accept(addr)
				if err != nil {
					t.Errorf("Accept failed: %v", err)
					return
				}
				release()
			}
		}(i)
	}
	wg.Wait()

	if total := limiter.Current(); total != 0 {
		t.Errorf("Expected total=0 after all releases, got %d", total)
	}
}

func TestLimitListenerDropsOverLimit(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l := LimitListener(inner, NewConnectionLimiter("TEST", 1, 0, nil))
	defer l.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	first, err := net.Dial("tcp", inner.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	var held net.Conn
	select {
	case held = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("first connection not accepted")
	}

	second, err := net.Dial("tcp", inner.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	// The refused connection is closed by the server.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("second connection readable, want closed")
	}
	select {
	case <-accepted:
		t.Fatal("second connection handed to the server")
	default:
	}

	// Closing the first frees the slot.
	held.Close()
	third, err := net.Dial("tcp", inner.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer third.Close()
	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("slot not released")
	}
}
