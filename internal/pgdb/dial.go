package pgdb

import (
	"context"
	"net"
	"time"
)

// keepaliveDialFunc returns a pgx DialFunc that enables TCP keepalive
// with idle/interval/probe-count tuning, so connections survive long
// agent runs without the OS silently dropping an idle socket.
func keepaliveDialFunc(idle, interval time.Duration, probes int) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: idle,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
				Enable:   true,
				Idle:     idle,
				Interval: interval,
				Count:    probes,
			})
		}
		return conn, nil
	}
}
