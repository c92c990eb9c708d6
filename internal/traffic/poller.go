//go:build windows

// Package traffic implements the Traffic Poller (C6): a 1-second loop that
// samples TUN and physical interface byte counters and turns them into
// rates and session totals (spec.md §4.6).
package traffic

import (
	"context"
	"sync"
	"time"

	"pingtunnel-vpn/internal/osbinding"
)

const tickInterval = 1 * time.Second

// Sample is one observation published each tick. Rates are bytes/second
// since the previous tick; totals are cumulative since the first tick
// after Start (the session baseline), per §4.6.
type Sample struct {
	TunRxBytesPerSec      float64
	TunTxBytesPerSec      float64
	PhysicalRxBytesPerSec float64
	PhysicalTxBytesPerSec float64

	TunRxBytesTotal      uint64
	TunTxBytesTotal      uint64
	PhysicalRxBytesTotal uint64
	PhysicalTxBytesTotal uint64
}

type counterSnapshot struct {
	rx, tx uint64
	at     time.Time
}

// Poller samples the TUN and physical adapter byte counters on a 1-second
// cadence and reports rates/totals via onSample.
type Poller struct {
	tunLUID  uint64
	physLUID uint64
	inv      osbinding.InterfaceInventory
	onSample func(Sample)

	mu       sync.Mutex
	baseline struct {
		tun, phys counterSnapshot
		set       bool
	}
	previous struct {
		tun, phys counterSnapshot
	}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Poller for the given TUN and physical interface LUIDs.
func New(tunLUID, physLUID uint64, inv osbinding.InterfaceInventory, onSample func(Sample)) *Poller {
	return &Poller{tunLUID: tunLUID, physLUID: physLUID, inv: inv, onSample: onSample}
}

// Start begins the sampling loop. The first tick establishes the session
// baseline (§4.6) rather than publishing a sample.
func (p *Poller) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.loop()
}

// Stop cancels the sampling loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	now := time.Now()
	tunRx, tunTx, err := p.inv.Counters(p.tunLUID)
	if err != nil {
		return
	}
	physRx, physTx, err := p.inv.Counters(p.physLUID)
	if err != nil {
		return
	}
	tun := counterSnapshot{rx: tunRx, tx: tunTx, at: now}
	phys := counterSnapshot{rx: physRx, tx: physTx, at: now}

	p.mu.Lock()
	if !p.baseline.set {
		p.baseline.tun = tun
		p.baseline.phys = phys
		p.previous.tun = tun
		p.previous.phys = phys
		p.baseline.set = true
		p.mu.Unlock()
		return // §4.6: first iteration only establishes the baseline
	}
	prevTun, prevPhys := p.previous.tun, p.previous.phys
	baseTun, basePhys := p.baseline.tun, p.baseline.phys
	p.previous.tun = tun
	p.previous.phys = phys
	p.mu.Unlock()

	elapsed := now.Sub(prevTun.at).Seconds()
	sample := Sample{
		TunRxBytesPerSec:      rate(prevTun.rx, tun.rx, elapsed),
		TunTxBytesPerSec:      rate(prevTun.tx, tun.tx, elapsed),
		PhysicalRxBytesPerSec: rate(prevPhys.rx, phys.rx, elapsed),
		PhysicalTxBytesPerSec: rate(prevPhys.tx, phys.tx, elapsed),
		TunRxBytesTotal:       delta(baseTun.rx, tun.rx),
		TunTxBytesTotal:       delta(baseTun.tx, tun.tx),
		PhysicalRxBytesTotal:  delta(basePhys.rx, phys.rx),
		PhysicalTxBytesTotal:  delta(basePhys.tx, phys.tx),
	}
	if p.onSample != nil {
		p.onSample(sample)
	}
}

// delta returns cur-base clamped to zero, absorbing counter reset/rollover
// (§4.6).
func delta(base, cur uint64) uint64 {
	if cur < base {
		return 0
	}
	return cur - base
}

// rate returns (cur-prev)/elapsed clamped to zero at the numerator.
func rate(prev, cur uint64, elapsedSeconds float64) float64 {
	if cur < prev || elapsedSeconds <= 0 {
		return 0
	}
	return float64(cur-prev) / elapsedSeconds
}
