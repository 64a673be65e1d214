package bus

import (
	"fmt"
	"net"
	"strings"
)

// Endpoint is a parsed bus address: either tcp://host:port or
// ipc:///abs/path (a Unix domain socket path).
type Endpoint struct {
	Network string // "tcp" or "unix"
	Address string
}

// ParseEndpoint parses a spec string of the form "tcp://host:port" or
// "ipc:///abs/path".
func ParseEndpoint(spec string) (Endpoint, error) {
	switch {
	case strings.HasPrefix(spec, "tcp://"):
		return Endpoint{Network: "tcp", Address: strings.TrimPrefix(spec, "tcp://")}, nil
	case strings.HasPrefix(spec, "ipc://"):
		return Endpoint{Network: "unix", Address: strings.TrimPrefix(spec, "ipc://")}, nil
	default:
		return Endpoint{}, fmt.Errorf("bus: unrecognized endpoint scheme in %q", spec)
	}
}

// WithWorkerSuffix appends "-n" to an ipc:// endpoint's path for
// multi-worker configurations, per spec: each worker binds its own
// control-channel socket so bus traffic never crosses worker boundaries
// outside the deferred-call/route-snapshot mechanisms.
func WithWorkerSuffix(spec string, worker int) string {
	if strings.HasPrefix(spec, "ipc://") {
		return fmt.Sprintf("%s-%d", spec, worker)
	}
	return spec
}

func (e Endpoint) listen() (net.Listener, error) {
	return net.Listen(e.Network, e.Address)
}

func (e Endpoint) dial() (net.Conn, error) {
	return net.Dial(e.Network, e.Address)
}

func (e Endpoint) String() string {
	if e.Network == "unix" {
		return "ipc://" + e.Address
	}
	return "tcp://" + e.Address
}
