package proxysession

import (
	"testing"
	"time"
)

func TestParseTargetDefaults(t *testing.T) {
	tg, err := ParseTarget("backend:8080")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if tg.Addr != "backend:8080" || tg.Weight != 1 || tg.TLS {
		t.Fatalf("target = %+v", tg)
	}
}

func TestParseTargetWeightAndTLS(t *testing.T) {
	tg, err := ParseTarget("backend:8443;weight=5;tls=1")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if tg.Addr != "backend:8443" || tg.Weight != 5 || !tg.TLS {
		t.Fatalf("target = %+v", tg)
	}
}

func TestParseTargetsRejectsEmpty(t *testing.T) {
	if _, err := ParseTargets(nil); err == nil {
		t.Fatal("expected error for empty target list")
	}
}

func TestBalancerWeightedDistribution(t *testing.T) {
	targets, err := ParseTargets([]string{"a:1;weight=2", "b:1;weight=1"})
	if err != nil {
		t.Fatalf("ParseTargets: %v", err)
	}
	b := NewBalancer(targets)

	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		tg, h, ok := b.Next()
		if !ok {
			t.Fatal("Next returned ok=false with no cooldowns active")
		}
		counts[tg.Addr]++
		h.Feedback(true)
	}
	// a has weight 2 vs b's weight 1: a should be picked roughly twice as
	// often over enough iterations.
	if counts["a:1"] <= counts["b:1"] {
		t.Fatalf("expected a:1 picked more often, got %v", counts)
	}
}

func TestBalancerCooldownSkipsFailingPeer(t *testing.T) {
	targets, _ := ParseTargets([]string{"a:1", "b:1"})
	b := NewBalancer(targets)
	b.SetCooldown(1, time.Hour)

	// Fail "a" until it's put in cooldown, by always feeding back
	// failure whenever a is selected.
	for i := 0; i < 10; i++ {
		tg, h, ok := b.Next()
		if !ok {
			t.Fatal("Next returned ok=false unexpectedly")
		}
		if tg.Addr == "a:1" {
			h.Feedback(false)
		} else {
			h.Feedback(true)
		}
	}

	for i := 0; i < 10; i++ {
		tg, _, ok := b.Next()
		if !ok {
			t.Fatal("Next returned ok=false unexpectedly")
		}
		if tg.Addr == "a:1" {
			t.Fatal("a:1 should be in cooldown and never selected")
		}
	}
}

func TestBalancerAllPeersCoolingDownReturnsNotOK(t *testing.T) {
	targets, _ := ParseTargets([]string{"a:1"})
	b := NewBalancer(targets)
	b.SetCooldown(1, time.Hour)

	_, h, ok := b.Next()
	if !ok {
		t.Fatal("first Next should succeed")
	}
	h.Feedback(false)

	if _, _, ok := b.Next(); ok {
		t.Fatal("expected ok=false once the only peer is cooling down")
	}
}
