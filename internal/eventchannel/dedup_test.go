package eventchannel

import (
	"testing"
	"time"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/clock"
)

func TestDedupSuppressesRepeatWithinWindow(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	d := newDedup(clk, time.Minute)

	if d.seenBefore("cmd-1") {
		t.Fatal("first sighting reported as seen before")
	}
	if !d.seenBefore("cmd-1") {
		t.Fatal("second sighting within the window should be suppressed")
	}
}

func TestDedupAllowsRepeatAfterExpiry(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	d := newDedup(clk, time.Minute)

	d.seenBefore("cmd-1")
	clk.Advance(2 * time.Minute)

	if d.seenBefore("cmd-1") {
		t.Fatal("sighting after ttl expiry should not be suppressed")
	}
}

func TestDedupNeverSuppressesBlankID(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	d := newDedup(clk, time.Minute)

	d.seenBefore("")
	if d.seenBefore("") {
		t.Fatal("blank id should never be deduped")
	}
}
