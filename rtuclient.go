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
	"sync"
	"time"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256

	rtuExceptionSize = 5

	// Default device processing wait granted on top of the computed
	// frame transmission times
	rtuExtraWait = 400 * time.Millisecond
)

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateReadLength
	stateReadLength16
	stateReadPayload
	stateCRC
)

// RTUClientHandler implements Transporter and Connector.
type RTUClientHandler struct {
	rtuSerialTransporter
}

// NewRTUClientHandler allocates and initializes a RTUClientHandler.
func NewRTUClientHandler(address string) *RTUClientHandler {
	handler := &RTUClientHandler{}
	handler.Address = address
	handler.Config.Timeout = serialTimeout
	return handler
}

// RTUClient creates RTU client with default handler and given connect string.
func RTUClient(address string) Client {
	return NewClient(NewRTUClientHandler(address))
}

// rtuSerialTransporter implements Transporter on a half-duplex serial line.
// The line carries no correlation field, so at most one transaction is
// outstanding at any instant; a one-slot gate serializes callers first come
// first served.
type rtuSerialTransporter struct {
	SerialPort
	// Default station address. Broadcast address is 0.
	SlaveID byte
	// ExtraWait is the device processing latency granted on top of the
	// computed request and response transmission times.
	ExtraWait time.Duration
	// How many times a timed-out request is resent before the timeout
	// surfaces to the caller
	Retries int

	once sync.Once
	gate *gate

	lastActivity time.Time
}

func (mb *rtuSerialTransporter) init() {
	mb.once.Do(func() {
		// structural bound, not configuration: the line is half-duplex
		mb.gate = newGate(1)
	})
}

// SetSlave sets the default station address for requests that do not carry
// one.
func (mb *rtuSerialTransporter) SetSlave(slaveID byte) {
	mb.SlaveID = slaveID
}

func (mb *rtuSerialTransporter) timing() rtuTiming {
	return rtuTiming{
		baudRate: mb.BaudRate,
		dataBits: mb.DataBits,
		parity:   mb.Parity,
		stopBits: mb.StopBits,
	}
}

// Send runs one transaction over the serial line. Requests are strictly
// serialized; a timed-out request is resent up to Retries times.
func (mb *rtuSerialTransporter) Send(ctx context.Context, req *Request) (*ProtocolDataUnit, error) {
	mb.init()
	for attempt := 0; ; attempt++ {
		pdu, err := mb.sendOnce(ctx, req)
		if err == nil || !errors.Is(err, ErrTimeout) || attempt >= mb.Retries {
			return pdu, err
		}
		mb.logf("modbus: retrying timed-out request, attempt %d of %d", attempt+1, mb.Retries)
	}
}

func (mb *rtuSerialTransporter) sendOnce(ctx context.Context, req *Request) (*ProtocolDataUnit, error) {
	unitID := req.UnitID
	if unitID == 0 {
		unitID = mb.SlaveID
	}
	adu, err := encodeRTU(unitID, req.FunctionCode, req.Data)
	if err != nil {
		return nil, err
	}

	if err := mb.gate.acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	defer mb.gate.release()

	// The port is opened on first use and then held; transactions never
	// reopen it.
	mb.mu.Lock()
	err = mb.connect()
	port := mb.port
	mb.mu.Unlock()
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	timing := mb.timing()
	// Let t3.5 of silence pass since the line was last active so the
	// device sees a frame boundary.
	if wait := timing.frameDelay() - time.Since(mb.lastActivity); wait > 0 {
		time.Sleep(wait)
	}

	mb.logf("modbus: send % x", adu)
	if _, err := port.Write(adu); err != nil {
		mb.lastActivity = time.Now()
		return nil, &ConnectionError{Err: err}
	}

	// Write returns once the frame is buffered; it still has to cross the
	// wire, and so does the response, before anything can arrive.
	extraWait := req.Timeout
	if extraWait <= 0 {
		extraWait = mb.ExtraWait
	}
	if extraWait <= 0 {
		extraWait = rtuExtraWait
	}
	responseLen := calculateResponseLength(adu)
	deadline := time.Now().Add(timing.turnaround(len(adu), responseLen, extraWait))

	pdu, err := mb.readResponse(port, unitID, req.FunctionCode, deadline)
	mb.lastActivity = time.Now()
	return pdu, err
}

// readResponse reads frames off the line until one passes CRC validation or
// the turnaround deadline fires. A frame failing the CRC is line noise and
// is dropped without failing the transaction; the deadline eventually fires
// if nothing valid follows.
func (mb *rtuSerialTransporter) readResponse(port io.Reader, slaveID, functionCode byte, deadline time.Time) (*ProtocolDataUnit, error) {
	for {
		adu, err := readFrame(slaveID, functionCode, port, deadline)
		if err != nil {
			return nil, err
		}
		mb.logf("modbus: recv % x", adu)
		pdu, err := decodeRTU(adu)
		if err != nil {
			mb.logf("modbus: discarding frame: %v", err)
			continue
		}
		return pdu, nil
	}
}

// InvalidLengthError is returned by readFrame when the declared response
// length would overflow the frame buffer. It unwraps to a ProtocolError.
type InvalidLengthError struct {
	length int // length received which triggered the error
}

// Error implements the error interface
func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.length)
}

func (e *InvalidLengthError) Unwrap() error {
	return protocolErrorf("invalid length received: %d", e.length)
}

// readFrame accumulates one frame byte-wise, walking the declared structure
// of the expected response. The station address and function code gate the
// state machine so leading line noise is skipped rather than delivered.
func readFrame(slaveID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	data := make([]byte, rtuMaxSize)

	state := stateSlaveID
	var toRead byte
	var n, crcCount, lenBytes int
	buf := make([]byte, 1)

	for {
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			if !time.Now().Before(deadline) {
				// the port's read timeout fired past the
				// transaction deadline
				return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return nil, &ConnectionError{Err: err}
		}
		switch state {
		case stateSlaveID:
			if buf[0] == slaveID {
				state = stateFunctionCode
				data[n] = buf[0]
				n++
			}
		case stateFunctionCode:
			switch buf[0] {
			case functionCode:
				switch functionCode {
				case FuncCodeReadDiscreteInputs,
					FuncCodeReadCoils,
					FuncCodeReadHoldingRegisters,
					FuncCodeReadInputRegisters,
					FuncCodeReadWriteMultipleRegisters:

					state = stateReadLength
				case FuncCodeReadFIFOQueue:
					// byte count is 2 bytes wide
					state = stateReadLength16
				case FuncCodeWriteSingleCoil,
					FuncCodeWriteSingleRegister,
					FuncCodeWriteMultipleRegisters,
					FuncCodeWriteMultipleCoils,
					FuncCodeDiagnostics:

					state = stateReadPayload
					toRead = 4
				case FuncCodeMaskWriteRegister:
					state = stateReadPayload
					toRead = 6
				case FuncCodeReadExceptionStatus:
					state = stateReadPayload
					toRead = 1
				default:
					return nil, protocolErrorf("function code not handled: %d", functionCode)
				}
				data[n] = buf[0]
				n++
			case functionCode | 0x80:
				// exception response, only the exception code
				// follows before the CRC
				state = stateReadPayload
				data[n] = buf[0]
				n++
				toRead = 1
			default:
				// noise between frames, restart
				state = stateSlaveID
				n = 0
			}
		case stateReadLength:
			length := int(buf[0])
			// max length = rtuMaxSize - SlaveID(1) - FunctionCode(1) - length(1) - CRC(2)
			if length == 0 || length > rtuMaxSize-5 {
				return nil, &InvalidLengthError{length: length}
			}
			toRead = byte(length)
			data[n] = buf[0]
			n++
			state = stateReadPayload
		case stateReadLength16:
			data[n] = buf[0]
			n++
			lenBytes++
			if lenBytes < 2 {
				continue
			}
			length := int(data[n-2])<<8 | int(data[n-1])
			// max length = rtuMaxSize - SlaveID(1) - FunctionCode(1) - length(2) - CRC(2)
			if length == 0 || length > rtuMaxSize-6 {
				return nil, &InvalidLengthError{length: length}
			}
			toRead = byte(length)
			state = stateReadPayload
		case stateReadPayload:
			data[n] = buf[0]
			toRead--
			n++
			if toRead == 0 {
				state = stateCRC
			}
		case stateCRC:
			data[n] = buf[0]
			crcCount++
			n++
			if crcCount == 2 {
				return data[:n], nil
			}
		}
	}
}

// encodeRTU wraps a PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 byte
func encodeRTU(slaveID, functionCode byte, data []byte) ([]byte, error) {
	length := len(data) + 4
	if length > rtuMaxSize {
		return nil, encodingErrorf("length of data '%v' must not be bigger than '%v'", length, rtuMaxSize)
	}
	adu := make([]byte, length)

	adu[0] = slaveID
	adu[1] = functionCode
	copy(adu[2:], data)

	// Append crc
	var crc crc
	crc.reset().pushBytes(adu[0 : length-2])
	checksum := crc.value()

	adu[length-1] = byte(checksum >> 8)
	adu[length-2] = byte(checksum)
	return adu, nil
}

// decodeRTU extracts the PDU from an RTU frame and verifies the CRC.
func decodeRTU(adu []byte) (*ProtocolDataUnit, error) {
	length := len(adu)
	// Minimum size (including address, function and CRC)
	if length < rtuMinSize {
		return nil, protocolErrorf("response length '%v' does not meet minimum '%v'", length, rtuMinSize)
	}
	// Calculate checksum
	var crc crc
	crc.reset().pushBytes(adu[0 : length-2])
	checksum := uint16(adu[length-1])<<8 | uint16(adu[length-2])
	if checksum != crc.value() {
		return nil, protocolErrorf("response crc '%v' does not match expected '%v'", checksum, crc.value())
	}
	return &ProtocolDataUnit{FunctionCode: adu[1], Data: adu[2 : length-2]}, nil
}

// calculateResponseLength estimates the response ADU length for a request.
// The expected byte count is protocol-known for each function code.
func calculateResponseLength(adu []byte) int {
	length := rtuMinSize
	switch adu[1] {
	case FuncCodeReadDiscreteInputs,
		FuncCodeReadCoils:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count/8
		if count%8 != 0 {
			length++
		}
	case FuncCodeReadInputRegisters,
		FuncCodeReadHoldingRegisters,
		FuncCodeReadWriteMultipleRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case FuncCodeWriteSingleCoil,
		FuncCodeWriteMultipleCoils,
		FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleRegisters:
		length += 4
	case FuncCodeMaskWriteRegister:
		length += 6
	case FuncCodeReadExceptionStatus:
		length++
	case FuncCodeDiagnostics:
		length += 4
	case FuncCodeReadFIFOQueue:
		// the count is not known ahead of time; budget the 31-register
		// maximum so the turnaround deadline covers any response
		length += 2 + 2 + 31*2
	default:
	}
	return length
}
