// Package transport implements the TCP transmitter that carries framed
// replication messages to the slave.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bft-labs/replmaster/internal/domain"
	"github.com/bft-labs/replmaster/internal/protocol"
	"github.com/bft-labs/replmaster/pkg/log"
)

// Transmitter owns one TCP session to the slave. It is single-use: a
// failed instance is discarded and the controller builds a new one, so
// no state here is ever reset after an error.
//
// Only the log shipper goroutine touches a connected transmitter; the
// struct itself is not synchronized.
type Transmitter struct {
	host           string
	port           int
	dbName         string
	connectTimeout time.Duration
	writeTimeout   time.Duration
	logger         log.Logger

	conn net.Conn
}

// New creates an unconnected transmitter for the given slave endpoint.
// writeTimeout bounds each Send so a stuck transmit cannot block the
// shipper (and through it, shutdown) indefinitely.
func New(host string, port int, dbName string, connectTimeout, writeTimeout time.Duration, logger log.Logger) *Transmitter {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Transmitter{
		host:           host,
		port:           port,
		dbName:         dbName,
		connectTimeout: connectTimeout,
		writeTimeout:   writeTimeout,
		logger:         logger,
	}
}

// Connect dials the slave and performs the handshake, all within the
// connect timeout. A deadline expiry is reported as
// domain.ErrConnectTimeout so operators can tell "slave unreachable in
// time" from "slave refused/misconfigured" (domain.ErrConnect).
func (t *Transmitter) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))

	// Dial and handshake share one deadline so the whole attempt is
	// bounded by the connect timeout: a slave that accepts but never
	// reads is as unreachable as one that never accepts.
	deadline := time.Now().Add(t.connectTimeout)
	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyConnectError(addr, err)
	}

	if err := conn.SetWriteDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %s: %v", domain.ErrConnect, addr, err)
	}
	if err := protocol.Write(conn, protocol.NewHandshakeMessage(t.dbName)); err != nil {
		conn.Close()
		return classifyConnectError(addr, err)
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %s: %v", domain.ErrConnect, addr, err)
	}

	t.conn = conn
	t.logger.Debug("connected to slave", log.String("addr", addr))
	return nil
}

// Send writes one framed message. Any fault, including a mid-write
// disconnect, is domain.ErrSend; the session is unusable afterwards.
func (t *Transmitter) Send(m protocol.Message) error {
	if t.conn == nil {
		return fmt.Errorf("%w: not connected", domain.ErrSend)
	}
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrSend, err)
		}
	}
	if err := protocol.Write(t.conn, m); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrSend, m.Type, err)
	}
	return nil
}

// Close closes the session if one was established.
func (t *Transmitter) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// RemoteAddr returns the slave endpoint for diagnostics.
func (t *Transmitter) RemoteAddr() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

// classifyConnectError maps a dial or handshake failure onto the
// connect-timeout / connect-error taxonomy.
func classifyConnectError(addr string, err error) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return fmt.Errorf("%w: %s: %v", domain.ErrConnectTimeout, addr, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrConnect, addr, err)
}
