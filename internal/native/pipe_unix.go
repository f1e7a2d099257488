//go:build !windows

package native

import (
	"context"
	"net"
)

func listenPipe(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}

func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
