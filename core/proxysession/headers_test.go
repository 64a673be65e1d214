package proxysession

import (
	"strings"
	"testing"
	"time"

	"github.com/pushpin/pushpin/core/zhttp"
)

func TestStripHopByHopRemovesOnlyHopByHopHeaders(t *testing.T) {
	in := []zhttp.Header{
		{Name: "Connection", Value: "keep-alive"},
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "Transfer-Encoding", Value: "chunked"},
	}
	out := StripHopByHop(in)
	if len(out) != 1 || out[0].Name != "Content-Type" {
		t.Fatalf("out = %+v", out)
	}
}

// TestXFFTruncateAndAppend is spec.md §8 scenario 4, literally: config
// x_forwarded_for = ["truncate:1","append"]; incoming X-Forwarded-For:
// a, b, c from untrusted peer p. Upstream receives X-Forwarded-For: c, p.
func TestXFFTruncateAndAppend(t *testing.T) {
	in := []zhttp.Header{{Name: "X-Forwarded-For", Value: "a, b, c"}}
	out := RewriteXFF(in, []string{"truncate:1", "append"}, "p")

	v, ok := GetHeader(out, "X-Forwarded-For")
	if !ok {
		t.Fatal("X-Forwarded-For missing from result")
	}
	if v != "c, p" {
		t.Fatalf("X-Forwarded-For = %q, want %q", v, "c, p")
	}
}

func TestXFFWithNoExistingHeaderJustAppends(t *testing.T) {
	out := RewriteXFF(nil, []string{"append"}, "203.0.113.5")
	v, ok := GetHeader(out, "X-Forwarded-For")
	if !ok || v != "203.0.113.5" {
		t.Fatalf("X-Forwarded-For = %q, ok=%v", v, ok)
	}
}

func TestDetectCDNLoopFindsToken(t *testing.T) {
	headers := []zhttp.Header{{Name: "CDN-Loop", Value: "other-edge, pushpin-edge"}}
	if !DetectCDNLoop(headers, "pushpin-edge") {
		t.Fatal("expected loop detected")
	}
	if DetectCDNLoop(headers, "different-token") {
		t.Fatal("expected no loop for a different token")
	}
}

func TestAddCDNLoopAppendsWithoutClobbering(t *testing.T) {
	headers := []zhttp.Header{{Name: "CDN-Loop", Value: "other-edge"}}
	out := AddCDNLoop(headers, "pushpin-edge")
	v, _ := GetHeader(out, "CDN-Loop")
	if v != "other-edge, pushpin-edge" {
		t.Fatalf("CDN-Loop = %q", v)
	}
}

func TestSignGripSigProducesThreeSegments(t *testing.T) {
	sig, err := SignGripSig("pushpin", "secret", time.Minute)
	if err != nil {
		t.Fatalf("SignGripSig: %v", err)
	}
	if parts := strings.Split(sig, "."); len(parts) != 3 {
		t.Fatalf("sig = %q, want 3 dot-separated segments", sig)
	}
}

func TestDetectHoldRequiresGripHold(t *testing.T) {
	if _, ok := DetectHold(nil); ok {
		t.Fatal("no headers should not report a hold")
	}
	headers := []zhttp.Header{
		{Name: "Grip-Hold", Value: "response"},
		{Name: "Grip-Channel", Value: "chan1"},
	}
	hold, ok := DetectHold(headers)
	if !ok || hold.Mode != "response" || hold.Channel != "chan1" {
		t.Fatalf("hold = %+v, ok=%v", hold, ok)
	}
}

func TestRewriteXFProtoModes(t *testing.T) {
	if out := RewriteXFProto(nil, "false", "https"); len(out) != 0 {
		t.Fatalf("mode false should not add a header, got %+v", out)
	}
	out := RewriteXFProto(nil, "true", "https")
	v, ok := GetHeader(out, "X-Forwarded-Proto")
	if !ok || v != "https" {
		t.Fatalf("X-Forwarded-Proto = %q, ok=%v", v, ok)
	}
}
