//go:build windows

package dnsforwarder

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"pingtunnel-vpn/internal/core"
)

const (
	primaryPort     = 53
	udpFallbackPort = 5353
	perAttemptTO    = 5 * time.Second
	maxRetries      = 2 // §4.4: "retry up to 2 times"
)

// backoffSchedule is the exponential backoff between retries of the same
// upstream (§4.4: 100ms, 200ms, 400ms).
var backoffSchedule = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Forwarder is the DNS Forwarder (C4): a loopback UDP+TCP DNS server that
// tunnels queries to configured upstreams over SOCKS5 (§4.4).
type Forwarder struct {
	localSocksPort int
	upstreams      []netip.Addr
	cache          *Cache

	udpConn  net.PacketConn
	tcpLn    net.Listener
	udpPort  int
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	consecFailures atomic.Uint64

	// exchange performs one upstream round-trip; overridden in tests so the
	// retry/backoff/failover logic can run without a real SOCKS5 proxy.
	exchange func(localSocksPort int, upstream netip.Addr, query []byte, timeout time.Duration) ([]byte, error)
}

// New creates a Forwarder that will dial upstreams through
// 127.0.0.1:localSocksPort.
func New(localSocksPort int, upstreams []netip.Addr) *Forwarder {
	return &Forwarder{
		localSocksPort: localSocksPort,
		upstreams:      upstreams,
		cache:          NewCache(),
		exchange:       exchangeOverSocks5,
	}
}

// Start binds the UDP and TCP listeners and begins serving. UDP falls back
// to port 5353 if 53 is unavailable (§4.4); TCP is simply skipped (with a
// warning) if 53 is unavailable, since §6 defines no TCP fallback port.
func (f *Forwarder) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	udpConn, port, err := bindUDPWithFallback()
	if err != nil {
		cancel()
		return fmt.Errorf("dnsforwarder: bind udp: %w", err)
	}
	f.udpConn = udpConn
	f.udpPort = port

	tcpLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", primaryPort))
	if err != nil {
		core.Log.Warnf("dnsforwarder", "tcp listen on 127.0.0.1:%d failed, continuing UDP-only: %v", primaryPort, err)
	} else {
		f.tcpLn = tcpLn
	}

	f.wg.Add(1)
	go f.serveUDP(ctx)
	if f.tcpLn != nil {
		f.wg.Add(1)
		go f.serveTCP(ctx)
	}
	return nil
}

// Stop closes the listening sockets, which causes the accept loops to
// exit, and waits for in-flight query tasks to observe cancellation.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.udpConn != nil {
		f.udpConn.Close()
	}
	if f.tcpLn != nil {
		f.tcpLn.Close()
	}
	f.wg.Wait()
}

// Stats returns cumulative cache hit/miss counters (§4.4).
func (f *Forwarder) Stats() (hits, misses uint64) { return f.cache.Stats() }

func bindUDPWithFallback() (net.PacketConn, int, error) {
	conn, err := net.ListenPacket("udp", fmt.Sprintf("127.0.0.1:%d", primaryPort))
	if err == nil {
		return conn, primaryPort, nil
	}
	core.Log.Warnf("dnsforwarder", "udp bind on 127.0.0.1:%d failed (%v), falling back to %d", primaryPort, err, udpFallbackPort)
	conn, err = net.ListenPacket("udp", fmt.Sprintf("127.0.0.1:%d", udpFallbackPort))
	if err != nil {
		return nil, 0, err
	}
	return conn, udpFallbackPort, nil
}

func (f *Forwarder) serveUDP(ctx context.Context) {
	defer f.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, addr, err := f.udpConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		query := make([]byte, n)
		copy(query, buf[:n])
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.handleUDPQuery(ctx, query, addr)
		}()
	}
}

func (f *Forwarder) handleUDPQuery(ctx context.Context, query []byte, addr net.Addr) {
	if len(query) < minQueryLen {
		return
	}
	resp, err := f.resolve(ctx, query)
	if err != nil || resp == nil {
		return // §4.4: unreachable proxy -> return nothing, client times out
	}
	_, _ = f.udpConn.WriteTo(resp, addr)
}

func (f *Forwarder) serveTCP(ctx context.Context) {
	defer f.wg.Done()
	for {
		conn, err := f.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			defer conn.Close()
			f.handleTCPConn(ctx, conn)
		}()
	}
}

func (f *Forwarder) handleTCPConn(ctx context.Context, conn net.Conn) {
	conn.SetDeadline(time.Now().Add(perAttemptTO))
	query, err := readDNSFrame(conn)
	if err != nil || len(query) < minQueryLen {
		return
	}
	resp, err := f.resolve(ctx, query)
	if err != nil || resp == nil {
		return
	}
	_, _ = conn.Write(dnsFrame(resp))
}

// resolve checks the cache, then falls through to the upstream chain on a
// miss (§4.4).
func (f *Forwarder) resolve(ctx context.Context, query []byte) ([]byte, error) {
	name, qtype, qclass, err := parseQuestion(query)
	if err != nil {
		return nil, err
	}
	key := cacheKey(name, qtype, qclass)
	id := transactionID(query)

	if resp, ok := f.cache.Get(key, id); ok {
		return resp, nil
	}

	resp, err := f.queryUpstreams(ctx, query)
	if err != nil {
		return nil, err
	}
	f.cache.Put(key, resp, ttlForResponse(resp))
	return resp, nil
}

// queryUpstreams tries each configured upstream in order, retrying up to
// maxRetries times with the §4.4 backoff schedule before moving on.
func (f *Forwarder) queryUpstreams(ctx context.Context, query []byte) ([]byte, error) {
	var lastErr error
	for _, upstream := range f.upstreams {
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			resp, err := f.exchange(f.localSocksPort, upstream, query, perAttemptTO)
			if err == nil && len(resp) >= minQueryLen {
				f.onSuccess()
				return resp, nil
			}
			if err == nil {
				err = fmt.Errorf("dnsforwarder: malformed response from %s", upstream)
			}
			lastErr = err
			f.onFailure(upstream, err)
			if attempt < maxRetries {
				select {
				case <-time.After(backoffSchedule[attempt]):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
	}
	return nil, lastErr
}

func (f *Forwarder) onSuccess() {
	f.consecFailures.Store(0)
}

func (f *Forwarder) onFailure(upstream netip.Addr, err error) {
	n := f.consecFailures.Add(1)
	core.Log.Debugf("dnsforwarder", "upstream %s failed: %v", upstream, err)
	if n%10 == 0 {
		core.Log.Warnf("dnsforwarder", "%d consecutive upstream failures", n)
	}
}

// DecodeUpstreams parses the configured DNS server strings into netip.Addr,
// silently skipping malformed entries (GlobalSettings.Validate does not check
// DNSServers, so this is the only place they are parsed).
func DecodeUpstreams(servers []string) []netip.Addr {
	out := make([]netip.Addr, 0, len(servers))
	for _, s := range servers {
		if addr, err := netip.ParseAddr(s); err == nil {
			out = append(out, addr)
		}
	}
	return out
}
