package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Address networks.
const (
	NetworkTCP   = "tcp"
	NetworkUnix  = "unix"
	NetworkVsock = "vsock"
)

// ParseAddress splits addr into a network and a network-specific address.
// Accepted forms are "host:port", "unix:///path/to.sock", "vsock://port"
// (host context) and "vsock://cid:port".
func ParseAddress(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		address = strings.TrimPrefix(addr, "unix://")
		if address == "" {
			return "", "", fmt.Errorf("empty unix socket path in %q", addr)
		}
		return NetworkUnix, address, nil
	case strings.HasPrefix(addr, "vsock://"):
		address = strings.TrimPrefix(addr, "vsock://")
		if _, _, err := parseVsock(address); err != nil {
			return "", "", err
		}
		return NetworkVsock, address, nil
	case addr == "":
		return "", "", errors.New("empty address")
	default:
		return NetworkTCP, addr, nil
	}
}

func parseVsock(address string) (cid, port uint32, err error) {
	cid = vsock.Host
	portStr := address
	if c, p, ok := strings.Cut(address, ":"); ok {
		n, err := strconv.ParseUint(c, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid vsock context id %q: %w", c, err)
		}
		cid, portStr = uint32(n), p
	}
	n, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock port %q: %w", portStr, err)
	}
	return cid, uint32(n), nil
}

// Listen opens a listener for addr. A stale unix socket file is removed
// first.
func Listen(addr string) (net.Listener, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	switch network {
	case NetworkUnix:
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		return net.Listen(NetworkUnix, address)
	case NetworkVsock:
		_, port, _ := parseVsock(address)
		return vsock.Listen(port, nil)
	default:
		return net.Listen(NetworkTCP, address)
	}
}

// Dial creates a client connection to addr using plaintext credentials.
// The connection is established lazily on the first call.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return dialContext(ctx, network, address)
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	}
	return grpc.NewClient("passthrough:///"+address, append(base, opts...)...)
}

func dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network == NetworkVsock {
		cid, port, err := parseVsock(address)
		if err != nil {
			return nil, err
		}
		return vsock.Dial(cid, port, nil)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}
