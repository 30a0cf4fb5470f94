package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

// maxDatagram bounds one decoder datagram.
const maxDatagram = 64 * 1024

type UDPListenerConfig struct {
	Address string
	// RcvBuf sets the socket receive buffer when positive.
	RcvBuf int
	Sink   Sink
}

// UDPListener receives one JSON telemetry object per datagram.
type UDPListener struct {
	address string
	rcvBuf  int
	sink    Sink
	conn    *net.UDPConn

	packets     atomic.Int64
	undecodable atomic.Int64
}

func NewUDPListener(config UDPListenerConfig) *UDPListener {
	return &UDPListener{
		address: config.Address,
		rcvBuf:  config.RcvBuf,
		sink:    config.Sink,
	}
}

// Listen binds the socket. Start calls it when it has not been called.
func (l *UDPListener) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Warnf("source: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	l.conn = conn
	return nil
}

// LocalAddr returns the bound address, or nil before Listen.
func (l *UDPListener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start receives datagrams until ctx is cancelled or the sink refuses.
func (l *UDPListener) Start(ctx context.Context) error {
	if l.conn == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}
	conn := l.conn
	defer conn.Close()
	monitoring.Infof("source: UDP listener started on %s", conn.LocalAddr())

	buffer := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			monitoring.Debugf("source: UDP listener stopping (%d packets)", l.packets.Load())
			return err
		}
		// The deadline lets the loop notice cancellation.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Warnf("source: UDP read error: %v", err)
			continue
		}

		l.packets.Add(1)
		raw := decode(append([]byte(nil), buffer[:n]...))
		if raw == nil {
			l.undecodable.Add(1)
			monitoring.Debugf("source: undecodable datagram from %v", addr)
		}
		if err := l.sink.Add(raw); err != nil {
			return err
		}
	}
}

// Packets returns the number of datagrams received and how many of them
// were not telemetry.
func (l *UDPListener) Packets() (total, undecodable int64) {
	return l.packets.Load(), l.undecodable.Load()
}
