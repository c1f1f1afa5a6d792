package connectivity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agrivoice/callsync/internal/connectivity"
	"github.com/agrivoice/callsync/testutil"
)

type scriptedProber struct {
	mu     sync.Mutex
	ok     bool
	probes int
}

func (p *scriptedProber) CheckConnection(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.ok
}

func (p *scriptedProber) set(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ok = ok
}

func (p *scriptedProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func TestStartProbesImmediately(t *testing.T) {
	prober := &scriptedProber{ok: true}
	sch := testutil.NewFakeScheduler()
	m := connectivity.New(prober, 15*time.Second, sch, nil)

	m.Start(context.Background())
	defer m.Stop()

	testutil.AssertEqual(t, 1, prober.count(), "immediate startup probe")
	testutil.AssertTrue(t, m.Reachable(), "reachable after healthy probe")
	testutil.AssertFalse(t, m.LastChecked().IsZero(), "last checked stamped")
}

func TestPollTracksLatestResultOnly(t *testing.T) {
	prober := &scriptedProber{ok: true}
	sch := testutil.NewFakeScheduler()
	m := connectivity.New(prober, 15*time.Second, sch, nil)

	m.Start(context.Background())
	defer m.Stop()

	prober.set(false)
	sch.Advance(15 * time.Second)
	testutil.AssertFalse(t, m.Reachable(), "unreachable after failed probe")

	prober.set(true)
	sch.Advance(15 * time.Second)
	testutil.AssertTrue(t, m.Reachable(), "reachable again after recovery")
	testutil.AssertEqual(t, 3, prober.count(), "one probe per interval")
}

func TestOnChangeFiresOnFlipsOnly(t *testing.T) {
	prober := &scriptedProber{ok: true}
	sch := testutil.NewFakeScheduler()
	m := connectivity.New(prober, 15*time.Second, sch, nil)

	var flips []bool
	m.OnChange(func(ok bool) { flips = append(flips, ok) })

	m.Start(context.Background())
	defer m.Stop()

	sch.Advance(15 * time.Second) // still true, no flip
	prober.set(false)
	sch.Advance(15 * time.Second) // flip to false
	sch.Advance(15 * time.Second) // still false, no flip

	if len(flips) != 2 || flips[0] != true || flips[1] != false {
		t.Fatalf("unexpected flip sequence: %v", flips)
	}
}

func TestStopCancelsPolling(t *testing.T) {
	prober := &scriptedProber{ok: true}
	sch := testutil.NewFakeScheduler()
	m := connectivity.New(prober, 15*time.Second, sch, nil)

	m.Start(context.Background())
	m.Stop()

	before := prober.count()
	sch.Advance(time.Minute)
	testutil.AssertEqual(t, before, prober.count(), "no probes after Stop")
	testutil.AssertEqual(t, 0, sch.Pending(), "no leaked timers")
}
