/*
Package pushpin implements the proxy worker core of a realtime reverse
proxy: it brings long-polling, HTTP streaming, Server-Sent Events, and
WebSocket-over-HTTP "hold" semantics in front of conventional
request/response backends.

A client request arrives from a front-end connection manager, is matched
against a route, optionally inspected by an external handler process, and
dispatched to an upstream. If the upstream response carries a hold
directive (Grip-Hold / Grip-Channel), the request is handed off to the
handler instead of being closed; otherwise the response streams straight
back to the client.

Modules

  - core/deferred: per-worker deferred-call queues
  - core/loop: single-threaded event loop with a timer heap and fd poller
  - core/bus: framed multipart message-bus transport (PUSH/PULL, PUB/SUB, REQ/REP)
  - core/zhttp: the ZHTTP request/response transaction engine
  - core/routes: the host+path route map, loaded from routes-file lines
  - core/proxysession: the per-request session state machine
  - core/inspect: the inspect/accept RPC client
  - core/stats: connection accounting and periodic reporting
  - core/supervisor: the multi-worker process supervisor
  - core/signals: signal handling and ordered shutdown
  - config: configuration loading
  - cmd/pushpin: the process entry point

See SPEC_FULL.md and DESIGN.md for the full specification this package
implements and the grounding behind each design decision.
*/
package pushpin
