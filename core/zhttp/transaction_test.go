package zhttp

import (
	"testing"
	"time"
)

type recordingSender struct {
	sent []Message
}

func (r *recordingSender) sendMessage(m Message) error {
	r.sent = append(r.sent, m)
	return nil
}

func TestServerSideLifecycle(t *testing.T) {
	rs := &recordingSender{}
	tx := NewTransaction("req-1", false, rs)

	var headersSeen bool
	tx.OnHeaders(func(method, uri string, headers []Header) {
		headersSeen = true
		if method != "GET" || uri != "/x" {
			t.Fatalf("unexpected headers callback: %s %s", method, uri)
		}
	})

	if tx.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", tx.State())
	}

	tx.Deliver(Message{ID: "req-1", Type: KindData, Method: "GET", URI: "/x", More: true})
	if !headersSeen {
		t.Fatal("OnHeaders callback not invoked")
	}
	if tx.State() != StateStarting {
		t.Fatalf("state after first data = %s, want starting", tx.State())
	}

	tx.Deliver(Message{ID: "req-1", Type: KindCredit, Credits: 4096})
	if got := tx.SendCredits(); got != 4096 {
		t.Fatalf("SendCredits after credit frame = %d, want 4096", got)
	}
	tx.Deliver(Message{ID: "req-1", Type: KindCredit, Credits: 10})
	if got := tx.SendCredits(); got != 4106 {
		t.Fatalf("SendCredits after second credit frame = %d, want 4106 (monotonic increase)", got)
	}

	var body []byte
	tx.OnBody(func(b []byte, more bool) { body = append(body, b...) })
	tx.Deliver(Message{ID: "req-1", Type: KindData, Body: []byte("hello"), More: false})

	if string(body) != "hello" {
		t.Fatalf("body = %q, want hello", body)
	}
	if tx.State() != StateStreaming {
		t.Fatalf("server-side transaction should not auto-finish on peer end-of-body; state = %s", tx.State())
	}

	tx.Finish()
	if tx.State() != StateFinished {
		t.Fatalf("state after Finish = %s, want finished", tx.State())
	}
}

func TestClientSideLifecycleAutoFinishesOnBodyEnd(t *testing.T) {
	rs := &recordingSender{}
	tx := NewTransaction("req-2", true, rs)

	if err := tx.Start("GET", "/y", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tx.State() != StateStarting {
		t.Fatalf("state after Start = %s", tx.State())
	}
	if len(rs.sent) != 1 || rs.sent[0].Type != KindData {
		t.Fatalf("Start did not send a data frame: %v", rs.sent)
	}

	tx.Deliver(Message{ID: "req-2", Type: KindData, Code: 200, More: true})
	tx.Deliver(Message{ID: "req-2", Type: KindData, Body: []byte("ok"), More: false})

	if tx.State() != StateFinished {
		t.Fatalf("client-side transaction should auto-finish on body end, got %s", tx.State())
	}
}

func TestCreditExhaustedRefusesOversizedSend(t *testing.T) {
	rs := &recordingSender{}
	tx := NewTransaction("req-3", true, rs)
	tx.Start("POST", "/z", nil)
	tx.ReceiveCredit(4)

	if err := tx.SendBody([]byte("12345"), false); err == nil {
		t.Fatal("expected error sending 5 bytes with only 4 credits")
	}
	if tx.State() != StateErrored {
		t.Fatalf("state = %s, want errored", tx.State())
	}
	if tx.Err().Kind != ErrCreditExhausted {
		t.Fatalf("error kind = %v, want ErrCreditExhausted", tx.Err().Kind)
	}
}

func TestSendBodyWithinCreditSucceeds(t *testing.T) {
	rs := &recordingSender{}
	tx := NewTransaction("req-4", true, rs)
	tx.Start("POST", "/z", nil)
	tx.ReceiveCredit(10)

	if err := tx.SendBody([]byte("hello"), true); err != nil {
		t.Fatalf("SendBody: %v", err)
	}
	if tx.State() != StateStreaming {
		t.Fatalf("state = %s, want streaming", tx.State())
	}

	if err := tx.SendBody([]byte("!"), false); err != nil {
		t.Fatalf("SendBody(final): %v", err)
	}
	if tx.State() != StateFinishing {
		t.Fatalf("state after final chunk = %s, want finishing", tx.State())
	}
}

func TestErrorFrameIsTerminal(t *testing.T) {
	rs := &recordingSender{}
	tx := NewTransaction("req-5", false, rs)
	tx.Deliver(Message{ID: "req-5", Type: KindError, Code: 502, Reason: "bad gateway"})

	if tx.State() != StateErrored {
		t.Fatalf("state = %s, want errored", tx.State())
	}
	if tx.Err().Kind != ErrPeer || tx.Err().Code != 502 {
		t.Fatalf("err = %+v", tx.Err())
	}

	// Frames delivered after a terminal state are discarded, not panicking
	// and not resurrecting the transaction.
	tx.Deliver(Message{ID: "req-5", Type: KindData, Body: []byte("late")})
	if tx.State() != StateErrored {
		t.Fatalf("state changed after terminal: %s", tx.State())
	}
}

func TestKeepAliveDueAndTimeout(t *testing.T) {
	rs := &recordingSender{}
	tx := NewTransaction("req-6", true, rs)

	base := time.Now()
	tx.mu.Lock()
	tx.lastRecv = base
	tx.mu.Unlock()

	interval := 100 * time.Millisecond

	send, timedOut := tx.KeepAliveDue(base, interval)
	if send || timedOut {
		t.Fatalf("at t=0 expected no keep-alive due, no timeout; got send=%v timedOut=%v", send, timedOut)
	}

	send, timedOut = tx.KeepAliveDue(base.Add(60*time.Millisecond), interval)
	if !send || timedOut {
		t.Fatalf("at t=T/2+ expected keep-alive due, no timeout; got send=%v timedOut=%v", send, timedOut)
	}

	send, timedOut = tx.KeepAliveDue(base.Add(150*time.Millisecond), interval)
	if !timedOut {
		t.Fatalf("at t>T expected timeout; got send=%v timedOut=%v", send, timedOut)
	}
}

func TestProtobufWireRoundTrip(t *testing.T) {
	original := Message{
		ID: "req-8", Seq: 3, Type: KindData, Method: "GET", URI: "/p",
		Headers: []Header{{Name: "Host", Value: "example.com"}},
		Body:    []byte("payload"), More: true,
	}

	parts, err := encodeMessage(original, CodecProtobuf)
	if err != nil {
		t.Fatalf("encodeMessage(protobuf): %v", err)
	}
	if parts[0][0] != wireTypeProtobuf {
		t.Fatalf("type byte = %v, want protobuf", parts[0])
	}

	got, err := decodeMessage(parts)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if got.ID != original.ID || got.Seq != original.Seq || got.Type != original.Type {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if string(got.Body) != "payload" {
		t.Fatalf("body = %q, want payload", got.Body)
	}
	if len(got.Headers) != 1 || got.Headers[0].Name != "Host" {
		t.Fatalf("headers = %+v", got.Headers)
	}
}

func TestCancelSendsCancelFrameAndErrors(t *testing.T) {
	rs := &recordingSender{}
	tx := NewTransaction("req-7", true, rs)
	tx.Start("GET", "/w", nil)

	if err := tx.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tx.State() != StateErrored {
		t.Fatalf("state = %s, want errored", tx.State())
	}

	var sawCancel bool
	for _, m := range rs.sent {
		if m.Type == KindCancel {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatal("Cancel did not send a cancel frame")
	}
}
