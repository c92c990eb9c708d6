//go:build windows

package dnsforwarder

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

func newTestForwarder(upstreams ...string) *Forwarder {
	addrs := make([]netip.Addr, 0, len(upstreams))
	for _, s := range upstreams {
		addrs = append(addrs, netip.MustParseAddr(s))
	}
	f := New(1080, addrs)
	return f
}

func TestResolveReturnsCachedResponseOnHit(t *testing.T) {
	f := newTestForwarder("8.8.8.8")
	var calls atomic.Int32
	f.exchange = func(int, netip.Addr, []byte, time.Duration) ([]byte, error) {
		calls.Add(1)
		return buildRRResponse(120), nil
	}

	query := buildQuery(1, "example.com", 1, 1)
	first, err := f.resolve(context.Background(), query)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream exchange, got %d", calls.Load())
	}

	second, err := f.resolve(context.Background(), buildQuery(2, "example.com", 1, 1))
	if err != nil {
		t.Fatalf("resolve (cached): %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cache hit to avoid a second upstream exchange, got %d calls", calls.Load())
	}
	_ = first
	_ = second
}

func TestQueryUpstreamsFailsOverToSecondUpstream(t *testing.T) {
	f := newTestForwarder("8.8.8.8", "1.1.1.1")
	var calls []netip.Addr
	f.exchange = func(_ int, upstream netip.Addr, _ []byte, _ time.Duration) ([]byte, error) {
		calls = append(calls, upstream)
		if upstream.String() == "8.8.8.8" {
			return nil, errTooShort
		}
		return buildRRResponse(60), nil
	}

	resp, err := f.queryUpstreams(context.Background(), buildQuery(1, "example.com", 1, 1))
	if err != nil {
		t.Fatalf("queryUpstreams: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response from the second upstream")
	}
	// first upstream tried maxRetries+1 times before failing over
	if len(calls) != (maxRetries+1)+1 {
		t.Fatalf("got %d exchange calls, want %d", len(calls), (maxRetries+1)+1)
	}
	if calls[len(calls)-1].String() != "1.1.1.1" {
		t.Fatalf("last call went to %s, want 1.1.1.1", calls[len(calls)-1])
	}
}

func TestQueryUpstreamsExhaustsAllAndReturnsError(t *testing.T) {
	f := newTestForwarder("8.8.8.8")
	f.exchange = func(int, netip.Addr, []byte, time.Duration) ([]byte, error) {
		return nil, errTooShort
	}

	_, err := f.queryUpstreams(context.Background(), buildQuery(1, "example.com", 1, 1))
	if err == nil {
		t.Fatal("expected an error once every upstream is exhausted")
	}
	if f.consecFailures.Load() == 0 {
		t.Fatal("expected consecutive failure counter to have incremented")
	}
}

func TestQueryUpstreamsResetsFailureCounterOnSuccess(t *testing.T) {
	f := newTestForwarder("8.8.8.8")
	f.consecFailures.Store(5)
	f.exchange = func(int, netip.Addr, []byte, time.Duration) ([]byte, error) {
		return buildRRResponse(60), nil
	}

	if _, err := f.queryUpstreams(context.Background(), buildQuery(1, "example.com", 1, 1)); err != nil {
		t.Fatalf("queryUpstreams: %v", err)
	}
	if f.consecFailures.Load() != 0 {
		t.Fatalf("expected failure counter reset to 0, got %d", f.consecFailures.Load())
	}
}

func TestQueryUpstreamsStopsOnContextCancellation(t *testing.T) {
	f := newTestForwarder("8.8.8.8")
	ctx, cancel := context.WithCancel(context.Background())
	f.exchange = func(int, netip.Addr, []byte, time.Duration) ([]byte, error) {
		cancel()
		return nil, errTooShort
	}

	_, err := f.queryUpstreams(ctx, buildQuery(1, "example.com", 1, 1))
	if err == nil {
		t.Fatal("expected an error after context cancellation")
	}
}
