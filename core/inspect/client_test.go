package inspect

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pushpin/pushpin/core/bus"
	"github.com/pushpin/pushpin/core/deferred"
)

func freeTCPEndpoint() string {
	return fmt.Sprintf("tcp://127.0.0.1:%d", 21000+int(time.Now().UnixNano()%4000))
}

// fakeHandler binds a REP socket that answers every call with a canned
// result, standing in for the external handler process.
func fakeHandler(t *testing.T, spec string, reply func(envelope) envelope) *bus.Socket {
	t.Helper()
	rep := bus.NewSocket(bus.RoleRep)
	rep.SetHandler(func(peerID string, parts [][]byte) {
		var env envelope
		if err := json.Unmarshal(parts[1], &env); err != nil {
			t.Fatalf("handler: decode request: %v", err)
		}
		out := reply(env)
		payload, _ := json.Marshal(out)
		rep.SendTo(peerID, [][]byte{[]byte(out.ID), payload})
	})
	if err := rep.Bind(spec); err != nil {
		t.Fatalf("bind handler: %v", err)
	}
	return rep
}

func waitForConnected(c *Client, method string) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.RLock()
		sock := c.endpoints[method]
		c.mu.RUnlock()
		if sock != nil && sock.PeerCount() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCallSucceeds(t *testing.T) {
	spec := freeTCPEndpoint()
	handler := fakeHandler(t, spec, func(env envelope) envelope {
		return envelope{ID: env.ID, Result: map[string]interface{}{"accept": true}}
	})
	defer handler.Close()

	c := NewClient()
	if err := c.Connect(MethodInspect, spec); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	waitForConnected(c, MethodInspect)

	q := deferred.NewQueue(0)
	done := make(chan struct{})
	var gotResult Result
	var gotErr error
	_, err := c.Call(q, MethodInspect, Args{"method": "GET"}, time.Second, func(r Result, err error) {
		gotResult, gotErr = r, err
		close(done)
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		q.Drain()
		select {
		case <-done:
			goto finished
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("callback never fired")
		}
		time.Sleep(time.Millisecond)
	}
finished:
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if gotResult["accept"] != true {
		t.Fatalf("result = %v", gotResult)
	}
}

func TestCallTimesOutWhenNoReply(t *testing.T) {
	c := NewClient()
	// A bound REP peer that receives the request but never answers: the
	// send succeeds, and only the call's deadline can complete it.
	spec := freeTCPEndpoint()
	silent := bus.NewSocket(bus.RoleRep) // bound, but handler never replies
	silent.SetHandler(func(string, [][]byte) {})
	if err := silent.Bind(spec); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer silent.Close()

	if err := c.Connect(MethodInspect, spec); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	waitForConnected(c, MethodInspect)

	q := deferred.NewQueue(0)
	done := make(chan struct{})
	var gotErr error
	_, err := c.Call(q, MethodInspect, Args{}, 20*time.Millisecond, func(_ Result, err error) {
		gotErr = err
		close(done)
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		q.Drain()
		select {
		case <-done:
			goto finished
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout callback never fired")
		}
		time.Sleep(time.Millisecond)
	}
finished:
	if gotErr != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", gotErr)
	}
	if c.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0 after timeout", c.Outstanding())
	}
}

func TestCallToUnknownMethodFails(t *testing.T) {
	c := NewClient()
	q := deferred.NewQueue(0)
	_, err := c.Call(q, "bogus", Args{}, time.Second, func(Result, error) {})
	if err != ErrNoEndpoint {
		t.Fatalf("err = %v, want ErrNoEndpoint", err)
	}
}

func TestRemoteErrorReplyIsReported(t *testing.T) {
	spec := freeTCPEndpoint()
	handler := fakeHandler(t, spec, func(env envelope) envelope {
		return envelope{ID: env.ID, Error: "denied", Code: 403}
	})
	defer handler.Close()

	c := NewClient()
	if err := c.Connect(MethodAccept, spec); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	waitForConnected(c, MethodAccept)

	q := deferred.NewQueue(0)
	done := make(chan struct{})
	var gotErr error
	if _, err := c.Call(q, MethodAccept, Args{}, time.Second, func(_ Result, err error) {
		gotErr = err
		close(done)
	}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		q.Drain()
		select {
		case <-done:
			goto finished
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("callback never fired")
		}
		time.Sleep(time.Millisecond)
	}
finished:
	re, ok := gotErr.(*RemoteError)
	if !ok {
		t.Fatalf("err = %v, want *RemoteError", gotErr)
	}
	if re.Code != 403 || re.Message != "denied" {
		t.Fatalf("remote error = %+v", re)
	}
}
