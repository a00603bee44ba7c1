// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol
	tcpHeaderSize = 7
	tcpMaxLength  = 260
	// Default port per the protocol assignment
	tcpDefaultPort = "502"

	tcpTimeout       = 10 * time.Second
	tcpWaitConnected = 2 * time.Second
)

// ErrTCPHeaderLength informs about a wrong header length.
type ErrTCPHeaderLength int

func (length ErrTCPHeaderLength) Error() string {
	return fmt.Sprintf("modbus: length in response header '%d' must not be zero or greater than '%v'",
		length, tcpMaxLength-tcpHeaderSize+1)
}

// TCPClientHandler implements Transporter and Connector.
type TCPClientHandler struct {
	tcpTransporter
}

// NewTCPClientHandler allocates a new TCPClientHandler.
func NewTCPClientHandler(address string) *TCPClientHandler {
	h := &TCPClientHandler{}
	h.Address = address
	h.Timeout = tcpTimeout
	h.WaitConnected = tcpWaitConnected
	return h
}

// TCPClient creates TCP client with default handler and given connect string.
func TCPClient(address string) Client {
	return NewClient(NewTCPClientHandler(address))
}

// Connection lifecycle. A connection that was lost moves back to
// connDisconnected, and is redialed from there when ReconnectAfter is set.
type connState int

const (
	connDisconnected connState = iota
	connConnecting
	connConnected
)

// tcpTransporter implements Transporter with an asynchronous transaction
// engine: many requests may be outstanding at once, and responses are
// correlated back to their callers by MBAP transaction id, not by arrival
// order.
type tcpTransporter struct {
	// Connect string
	Address string
	// Default unit id. Broadcast address is 0.
	SlaveID byte
	// Response timeout for one transaction
	Timeout time.Duration
	// Timeout for dialing the remote side. Defaults to Timeout.
	ConnectTimeout time.Duration
	// Delay before the connection is re-established after a loss.
	// Zero disables automatic reconnection.
	ReconnectAfter time.Duration
	// How long a request queues behind a pending reconnect before it
	// fails. Zero fails such requests immediately.
	WaitConnected time.Duration
	// Upper bound on concurrently outstanding transactions. Zero means
	// unbounded.
	MaxInflight int
	// How many times a timed-out request is resent before the timeout
	// surfaces to the caller
	Retries int
	// Transmission logger
	Logger logger

	once         sync.Once
	gate         *gate
	transactions *transactionSet

	mu               sync.Mutex
	conn             net.Conn
	state            connState
	connected        chan struct{} // replaced on loss, closed on connect
	reconnectPending bool
	closing          bool

	// serializes frame writes to conn
	wmu sync.Mutex
}

// init prepares the engine on first use so that a zero-value transporter
// works like one from NewTCPClientHandler.
func (mb *tcpTransporter) init() {
	mb.once.Do(func() {
		mb.gate = newGate(mb.MaxInflight)
		mb.transactions = newTransactionSet()
		mb.connected = make(chan struct{})
	})
}

// SetSlave sets the default unit id for requests that do not carry one.
func (mb *tcpTransporter) SetSlave(slaveID byte) {
	mb.SlaveID = slaveID
}

// Send runs one transaction: admit through the gate, register a correlation
// id, write the frame and suspend until the read loop resolves it. A
// timed-out request is resent under a fresh transaction id up to Retries
// times; the last failure surfaces.
func (mb *tcpTransporter) Send(ctx context.Context, req *Request) (*ProtocolDataUnit, error) {
	mb.init()
	for attempt := 0; ; attempt++ {
		pdu, err := mb.sendOnce(ctx, req)
		if err == nil || !errors.Is(err, ErrTimeout) || attempt >= mb.Retries {
			return pdu, err
		}
		mb.logf("modbus: retrying timed-out request, attempt %d of %d", attempt+1, mb.Retries)
	}
}

func (mb *tcpTransporter) sendOnce(ctx context.Context, req *Request) (*ProtocolDataUnit, error) {
	if len(req.Data) > tcpMaxLength-tcpHeaderSize-1 {
		return nil, encodingErrorf("length of data '%v' must not be bigger than '%v'", len(req.Data), tcpMaxLength-tcpHeaderSize-1)
	}
	if err := mb.gate.acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	defer mb.gate.release()

	conn, err := mb.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = mb.timeout()
	}
	unitID := req.UnitID
	if unitID == 0 {
		unitID = mb.SlaveID
	}
	tx, err := mb.transactions.register(unitID, timeout)
	if err != nil {
		return nil, err
	}

	adu := encodeMBAP(tx.id, unitID, req.FunctionCode, req.Data)
	mb.logf("modbus: send % x", adu)
	mb.wmu.Lock()
	_, err = conn.Write(adu)
	mb.wmu.Unlock()
	if err != nil {
		mb.transactions.cancel(tx, err)
		mb.lost(conn, err)
		return nil, &ConnectionError{Err: err}
	}

	select {
	case <-tx.done:
		return tx.pdu, tx.err
	case <-ctx.Done():
		if mb.transactions.cancel(tx, ErrCancelled) {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		// the response raced the cancellation; deliver it
		<-tx.done
		return tx.pdu, tx.err
	}
}

// Connect establishes the connection and starts the response read loop.
// Connect and Close are exported so that multiple requests can be done with
// one session.
func (mb *tcpTransporter) Connect() error {
	mb.init()
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

// connect dials if no connection is live and starts the read loop for the
// new connection. Caller must hold the mutex.
func (mb *tcpTransporter) connect() error {
	if mb.state == connConnected {
		return nil
	}
	if mb.closing {
		return ErrClosed
	}
	mb.state = connConnecting
	timeout := mb.ConnectTimeout
	if timeout <= 0 {
		timeout = mb.timeout()
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", mb.addr())
	if err != nil {
		mb.state = connDisconnected
		return err
	}
	mb.conn = conn
	mb.state = connConnected
	close(mb.connected)
	go mb.readLoop(conn)
	mb.logf("modbus: connected to %s", mb.Address)
	return nil
}

// ensureConnected returns a live connection, dialing lazily on first use.
// While a reconnect is pending the caller queues behind it for up to
// WaitConnected instead of dialing again; requests never hang indefinitely.
func (mb *tcpTransporter) ensureConnected(ctx context.Context) (net.Conn, error) {
	for {
		mb.mu.Lock()
		if mb.closing {
			mb.mu.Unlock()
			return nil, ErrClosed
		}
		if mb.state == connConnected {
			conn := mb.conn
			mb.mu.Unlock()
			return conn, nil
		}
		if !mb.reconnectPending {
			err := mb.connect()
			mb.mu.Unlock()
			if err != nil {
				return nil, &ConnectionError{Err: err}
			}
			continue
		}
		if mb.WaitConnected <= 0 {
			mb.mu.Unlock()
			return nil, &ConnectionError{}
		}
		ch := mb.connected
		mb.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case <-time.After(mb.WaitConnected):
			return nil, &ConnectionError{}
		}
	}
}

// readLoop decodes response frames from conn and resolves the matching
// outstanding transaction. Unmatched or malformed frames are logged and
// discarded; they never fail an unrelated transaction.
func (mb *tcpTransporter) readLoop(conn net.Conn) {
	var header [tcpHeaderSize]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			mb.lost(conn, err)
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:]))
		if length <= 1 || length > tcpMaxLength-tcpHeaderSize+1 {
			// the byte stream is out of step with the frame
			// boundary and cannot be re-synchronized
			mb.lost(conn, ErrTCPHeaderLength(length))
			return
		}
		body := make([]byte, length-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			mb.lost(conn, err)
			return
		}
		if pid := binary.BigEndian.Uint16(header[2:]); pid != tcpProtocolIdentifier {
			mb.logf("modbus: discarding frame with protocol id '%v'", pid)
			continue
		}
		transactionID := binary.BigEndian.Uint16(header[:])
		tx := mb.transactions.take(transactionID)
		if tx == nil {
			// likely the late answer to a transaction that already
			// timed out or was cancelled
			mb.logf("modbus: discarding frame with unknown transaction id '%v'", transactionID)
			continue
		}
		mb.logf("modbus: recv % x% x", header[:], body)
		if header[6] != tx.unitID {
			tx.resolve(nil, protocolErrorf("response unit id '%v' does not match request '%v'", header[6], tx.unitID))
			continue
		}
		tx.resolve(&ProtocolDataUnit{FunctionCode: body[0], Data: body[1:]}, nil)
	}
}

// lost handles the loss of conn: every outstanding transaction fails with a
// ConnectionError before a reconnect is scheduled.
func (mb *tcpTransporter) lost(conn net.Conn, cause error) {
	mb.mu.Lock()
	if mb.conn != conn {
		// a newer connection already took over
		mb.mu.Unlock()
		return
	}
	conn.Close()
	mb.conn = nil
	mb.state = connDisconnected
	mb.connected = make(chan struct{})
	closing := mb.closing
	reconnect := mb.ReconnectAfter > 0 && !closing
	mb.reconnectPending = reconnect
	mb.mu.Unlock()

	if closing {
		mb.transactions.failAll(ErrClosed)
		return
	}
	mb.logf("modbus: connection lost: %v", cause)
	mb.transactions.failAll(&ConnectionError{Err: cause})
	if reconnect {
		time.AfterFunc(mb.ReconnectAfter, mb.reconnect)
	}
}

// reconnect redials after a connection loss, rescheduling itself until the
// dial succeeds or the handler is closed.
func (mb *tcpTransporter) reconnect() {
	mb.mu.Lock()
	if mb.closing || mb.state == connConnected {
		mb.reconnectPending = false
		mb.mu.Unlock()
		return
	}
	err := mb.connect()
	if err == nil {
		mb.reconnectPending = false
		mb.mu.Unlock()
		return
	}
	mb.mu.Unlock()
	mb.logf("modbus: reconnect failed: %v", err)
	time.AfterFunc(mb.ReconnectAfter, mb.reconnect)
}

// Close terminates the connection and fails every outstanding transaction.
func (mb *tcpTransporter) Close() error {
	mb.init()
	mb.mu.Lock()
	mb.closing = true
	mb.reconnectPending = false
	var err error
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	mb.state = connDisconnected
	mb.mu.Unlock()
	mb.transactions.close()
	return err
}

func (mb *tcpTransporter) timeout() time.Duration {
	if mb.Timeout > 0 {
		return mb.Timeout
	}
	return tcpTimeout
}

// addr appends the default port when the configured address carries none.
func (mb *tcpTransporter) addr() string {
	if _, _, err := net.SplitHostPort(mb.Address); err != nil {
		return net.JoinHostPort(mb.Address, tcpDefaultPort)
	}
	return mb.Address
}

func (mb *tcpTransporter) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

// encodeMBAP adds the modbus application protocol header:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
//	Function code: 1 byte
//	Data: n bytes
func encodeMBAP(transactionID uint16, unitID, functionCode byte, data []byte) []byte {
	adu := make([]byte, tcpHeaderSize+1+len(data))
	binary.BigEndian.PutUint16(adu, transactionID)
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	// Length = sizeof(UnitID) + sizeof(FunctionCode) + Data
	binary.BigEndian.PutUint16(adu[4:], uint16(1+1+len(data)))
	adu[6] = unitID
	adu[tcpHeaderSize] = functionCode
	copy(adu[tcpHeaderSize+1:], data)
	return adu
}
