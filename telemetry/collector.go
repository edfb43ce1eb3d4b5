package telemetry

import (
	"sync"
	"time"
)

// MemberCounter reports the size of a membership view
type MemberCounter interface {
	MemberCount() int
}

// MembershipCollector periodically samples member counts into MembersGauge
type MembershipCollector struct {
	sources  map[string]MemberCounter
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMembershipCollector creates a collector for the given named views
func NewMembershipCollector(sources map[string]MemberCounter, interval time.Duration) *MembershipCollector {
	return &MembershipCollector{
		sources:  sources,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MembershipCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MembershipCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MembershipCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MembershipCollector) collect() {
	for name, src := range mc.sources {
		if src == nil {
			continue
		}
		MembersGauge.With(name).Set(float64(src.MemberCount()))
	}
}
