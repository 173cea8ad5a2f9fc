package socket

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// Address network names.
const (
	NetworkTCP     = "tcp"
	NetworkUnix    = "unix"
	NetworkVsock   = "vsock"
	NetworkFCVsock = "fcvsock"
)

// Address is a parsed engine agent address. Supported forms:
//
//	tcp://host:port
//	unix:///path/to/agent.sock
//	vsock://cid:port
//	fcvsock:///path/to/firecracker.vsock?port=5000
//
// fcvsock dials a guest through Firecracker's vsock Unix-socket bridge.
type Address struct {
	Network string
	Host    string // host:port for tcp, socket path for unix and fcvsock
	CID     uint32
	Port    uint32
}

func (a Address) String() string {
	switch a.Network {
	case NetworkVsock:
		return fmt.Sprintf("vsock://%d:%d", a.CID, a.Port)
	case NetworkFCVsock:
		return fmt.Sprintf("fcvsock://%s?port=%d", a.Host, a.Port)
	default:
		return a.Network + "://" + a.Host
	}
}

// ParseAddress parses an engine agent address.
func ParseAddress(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}

	switch u.Scheme {
	case NetworkTCP:
		if u.Host == "" {
			return Address{}, fmt.Errorf("address %q: missing host", s)
		}
		return Address{Network: NetworkTCP, Host: u.Host}, nil
	case NetworkUnix:
		if u.Path == "" {
			return Address{}, fmt.Errorf("address %q: missing socket path", s)
		}
		return Address{Network: NetworkUnix, Host: u.Path}, nil
	case NetworkVsock:
		cid, port, ok := strings.Cut(u.Host, ":")
		if !ok {
			return Address{}, fmt.Errorf("address %q: want vsock://cid:port", s)
		}
		c, err := strconv.ParseUint(cid, 10, 32)
		if err != nil {
			return Address{}, fmt.Errorf("address %q: bad context id: %w", s, err)
		}
		p, err := strconv.ParseUint(port, 10, 32)
		if err != nil {
			return Address{}, fmt.Errorf("address %q: bad port: %w", s, err)
		}
		return Address{Network: NetworkVsock, CID: uint32(c), Port: uint32(p)}, nil
	case NetworkFCVsock:
		p, err := strconv.ParseUint(u.Query().Get("port"), 10, 32)
		if err != nil || u.Path == "" {
			return Address{}, fmt.Errorf("address %q: want fcvsock:///path?port=N", s)
		}
		return Address{Network: NetworkFCVsock, Host: u.Path, Port: uint32(p)}, nil
	default:
		return Address{}, fmt.Errorf("address %q: unsupported scheme %q", s, u.Scheme)
	}
}

// conn pairs a connection with the reader that must be used for it, which
// may hold bytes buffered during a handshake.
type conn struct {
	net.Conn
	reader io.Reader
}

// dial opens one connection to the agent at a.
func dial(ctx context.Context, a Address) (*conn, error) {
	switch a.Network {
	case NetworkVsock:
		c, err := vsock.Dial(a.CID, a.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", a, err)
		}
		return &conn{Conn: c, reader: c}, nil
	case NetworkFCVsock:
		return dialFirecrackerUDS(ctx, a.Host, a.Port)
	default:
		var d net.Dialer
		c, err := d.DialContext(ctx, a.Network, a.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", a, err)
		}
		return &conn{Conn: c, reader: c}, nil
	}
}

// dialFirecrackerUDS connects to Firecracker's UDS and sends the CONNECT
// handshake. Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialFirecrackerUDS(ctx context.Context, udsPath string, port uint32) (*conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(c, "CONNECT %d\n", port); err != nil {
		c.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all subsequent reads so bytes read ahead
	// of the handshake line are not lost.
	reader := bufio.NewReader(c)
	response, err := reader.ReadString('\n')
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		c.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}
	return &conn{Conn: c, reader: reader}, nil
}

// Listen opens a listener for an engine agent at a. fcvsock addresses are
// dial-only; the guest side of that bridge listens with vsock.
func Listen(a Address) (net.Listener, error) {
	switch a.Network {
	case NetworkVsock:
		l, err := vsock.Listen(a.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", a.Port, err)
		}
		return l, nil
	case NetworkTCP, NetworkUnix:
		l, err := net.Listen(a.Network, a.Host)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", a, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("cannot listen on %s", a)
	}
}
