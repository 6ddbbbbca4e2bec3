// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/events"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/registry"
)

func bruteforceConfig() config.Bruteforce {
	cfg := *config.DefaultConfig()
	cfg.Bruteforce.FailedAttemptsThreshold = 3
	return cfg.Bruteforce
}

func TestBruteforceDetector_TimedOutSYNsCountAsFailures(t *testing.T) {
	reg := registry.New()
	mc := clock.NewMockClock(time.Unix(1000, 0))
	d := NewBruteforceDetector(bruteforceConfig(), reg, mc, logging.New(logging.DefaultConfig()))

	attacker := net.IPv4(10, 0, 0, 30)
	target := net.IPv4(192, 168, 1, 10)

	for i := 0; i < 4; i++ {
		d.Handle(events.Packet{Kind: events.KindSYN, Timestamp: mc.Now(), SrcIP: attacker, DstIP: target, DstPort: 22})
		mc.Advance(time.Second)
	}

	mc.Advance(synTimeout + time.Second)
	d.tick()

	th, ok := reg.Get(registry.KindBruteforce, "10.0.0.30")
	require.True(t, ok)
	require.Equal(t, 4, th.Details["failed"])
	require.Equal(t, registry.SeverityHigh, th.Severity)
}

// TestBruteforceDetector_LowFailureRatioDoesNotFire exercises the second
// rule's ratio gate: attempts reach the threshold, but with a failure
// ratio at or below 0.7 and the raw failed count under the threshold,
// nothing fires.
func TestBruteforceDetector_LowFailureRatioDoesNotFire(t *testing.T) {
	reg := registry.New()
	mc := clock.NewMockClock(time.Unix(1000, 0))
	cfg := bruteforceConfig()
	cfg.FailedAttemptsThreshold = 10
	d := NewBruteforceDetector(cfg, reg, mc, logging.New(logging.DefaultConfig()))

	attacker := net.IPv4(10, 0, 0, 35)
	target := net.IPv4(192, 168, 1, 15)

	// 10 attempts, 8 of them answered by a real SYN_ACK (succeeded), 2
	// left pending — well under the raw failed threshold of 10, but
	// attempts (10) meets the threshold and none of the SYN_ACKs were
	// counted as failed, so ratio depends on the 2 still-pending SYNs
	// timing out.
	for i := 0; i < 8; i++ {
		d.Handle(events.Packet{Kind: events.KindSYN, Timestamp: mc.Now(), SrcIP: attacker, DstIP: target, DstPort: 22})
		d.Handle(events.Packet{Kind: events.KindSYNACK, Timestamp: mc.Now(), SrcIP: target, SrcPort: 22, DstIP: attacker})
	}
	for i := 0; i < 2; i++ {
		d.Handle(events.Packet{Kind: events.KindSYN, Timestamp: mc.Now(), SrcIP: attacker, DstIP: target, DstPort: 22})
	}

	mc.Advance(synTimeout + time.Second)
	d.tick()

	_, ok := reg.Get(registry.KindBruteforce, "10.0.0.35")
	require.False(t, ok, "8 successes out of 10 attempts keeps the ratio at 0.2, below the 0.7 rule")
}

func TestBruteforceDetector_HighFailureRatioFires(t *testing.T) {
	reg := registry.New()
	mc := clock.NewMockClock(time.Unix(1000, 0))
	cfg := bruteforceConfig()
	cfg.FailedAttemptsThreshold = 10
	d := NewBruteforceDetector(cfg, reg, mc, logging.New(logging.DefaultConfig()))

	attacker := net.IPv4(10, 0, 0, 36)
	target := net.IPv4(192, 168, 1, 16)

	// 10 attempts, only 2 answered: failed=8 stays below the raw
	// threshold of 10, but attempts(10) >= threshold and ratio 0.8 > 0.7.
	for i := 0; i < 2; i++ {
		d.Handle(events.Packet{Kind: events.KindSYN, Timestamp: mc.Now(), SrcIP: attacker, DstIP: target, DstPort: 22})
		d.Handle(events.Packet{Kind: events.KindSYNACK, Timestamp: mc.Now(), SrcIP: target, SrcPort: 22, DstIP: attacker})
	}
	for i := 0; i < 8; i++ {
		d.Handle(events.Packet{Kind: events.KindSYN, Timestamp: mc.Now(), SrcIP: attacker, DstIP: target, DstPort: 22})
	}

	mc.Advance(synTimeout + time.Second)
	d.tick()

	th, ok := reg.Get(registry.KindBruteforce, "10.0.0.36")
	require.True(t, ok)
	require.Equal(t, registry.SeverityHigh, th.Severity)
	require.Equal(t, 8, th.Details["failed"])
}

func TestBruteforceDetector_SuccessfulSYNACKDoesNotCountAsFailure(t *testing.T) {
	reg := registry.New()
	mc := clock.NewMockClock(time.Unix(1000, 0))
	d := NewBruteforceDetector(bruteforceConfig(), reg, mc, logging.New(logging.DefaultConfig()))

	attacker := net.IPv4(10, 0, 0, 31)
	target := net.IPv4(192, 168, 1, 11)

	d.Handle(events.Packet{Kind: events.KindSYN, Timestamp: mc.Now(), SrcIP: attacker, DstIP: target, DstPort: 22})
	d.Handle(events.Packet{Kind: events.KindSYNACK, Timestamp: mc.Now(), SrcIP: target, SrcPort: 22, DstIP: attacker})

	mc.Advance(synTimeout + time.Second)
	d.tick()

	_, ok := reg.Get(registry.KindBruteforce, "10.0.0.31")
	require.False(t, ok)
}

func TestBruteforceDetector_UnmonitoredPortIgnored(t *testing.T) {
	reg := registry.New()
	mc := clock.NewMockClock(time.Unix(1000, 0))
	d := NewBruteforceDetector(bruteforceConfig(), reg, mc, logging.New(logging.DefaultConfig()))

	attacker := net.IPv4(10, 0, 0, 32)
	target := net.IPv4(192, 168, 1, 12)

	for i := 0; i < 5; i++ {
		d.Handle(events.Packet{Kind: events.KindSYN, Timestamp: mc.Now(), SrcIP: attacker, DstIP: target, DstPort: 9999})
	}

	mc.Advance(synTimeout + time.Second)
	d.tick()

	_, ok := reg.Get(registry.KindBruteforce, "10.0.0.32")
	require.False(t, ok)
}

func TestBruteforceDetector_BelowThresholdDoesNotFire(t *testing.T) {
	reg := registry.New()
	mc := clock.NewMockClock(time.Unix(1000, 0))
	d := NewBruteforceDetector(bruteforceConfig(), reg, mc, logging.New(logging.DefaultConfig()))

	attacker := net.IPv4(10, 0, 0, 33)
	target := net.IPv4(192, 168, 1, 13)

	d.Handle(events.Packet{Kind: events.KindSYN, Timestamp: mc.Now(), SrcIP: attacker, DstIP: target, DstPort: 22})

	mc.Advance(synTimeout + time.Second)
	d.tick()

	_, ok := reg.Get(registry.KindBruteforce, "10.0.0.33")
	require.False(t, ok)
}

func TestBruteforceDetector_StaleSessionEvicted(t *testing.T) {
	reg := registry.New()
	mc := clock.NewMockClock(time.Unix(1000, 0))
	cfg := bruteforceConfig()
	d := NewBruteforceDetector(cfg, reg, mc, logging.New(logging.DefaultConfig()))

	attacker := net.IPv4(10, 0, 0, 34)
	target := net.IPv4(192, 168, 1, 14)
	d.Handle(events.Packet{Kind: events.KindSYN, Timestamp: mc.Now(), SrcIP: attacker, DstIP: target, DstPort: 22})

	mc.Advance(2*cfg.TimeWindow + time.Second)
	d.tick()

	d.mu.Lock()
	_, exists := d.sessions[events.ServiceKey{SrcIP: "10.0.0.34", DstIP: "192.168.1.14", DstPort: 22}]
	d.mu.Unlock()
	require.False(t, exists)
}
