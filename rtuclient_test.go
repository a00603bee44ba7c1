// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func TestRTUEncodeDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		slaveID := rapid.Byte().Draw(t, "slaveID")
		functionCode := rapid.Byte().Draw(t, "functionCode")
		data := rapid.SliceOfN(rapid.Byte(), 0, rtuMaxSize-4).Draw(t, "data")

		adu, err := encodeRTU(slaveID, functionCode, data)
		if err != nil {
			t.Fatal(err)
		}
		pdu, err := decodeRTU(adu)
		if err != nil {
			t.Fatal(err)
		}
		want := &ProtocolDataUnit{FunctionCode: functionCode, Data: data}
		if !cmp.Equal(want, pdu, cmp.Comparer(bytesEqual)) {
			t.Fatalf("mismatch: %s", cmp.Diff(want, pdu, cmp.Comparer(bytesEqual)))
		}
	})
}

func bytesEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func TestEncodeRTUOversize(t *testing.T) {
	_, err := encodeRTU(1, 3, make([]byte, rtuMaxSize-3))
	var encErr *EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected encoding error, got %v", err)
	}
}

func TestReadFrame(t *testing.T) {
	readResp, err := encodeRTU(1, FuncCodeReadHoldingRegisters, []byte{2, 0xCA, 0xFE})
	if err != nil {
		t.Fatal(err)
	}
	writeResp, err := encodeRTU(1, FuncCodeWriteSingleRegister, []byte{0, 4, 0, 3})
	if err != nil {
		t.Fatal(err)
	}
	exceptionResp, err := encodeRTU(1, FuncCodeReadHoldingRegisters|0x80, []byte{ExceptionCodeIllegalDataAddress})
	if err != nil {
		t.Fatal(err)
	}
	fifoResp, err := encodeRTU(1, FuncCodeReadFIFOQueue, []byte{0x00, 0x06, 0x00, 0x02, 0x01, 0xB8, 0x12, 0x84})
	if err != nil {
		t.Fatal(err)
	}
	statusResp, err := encodeRTU(1, FuncCodeReadExceptionStatus, []byte{0x6D})
	if err != nil {
		t.Fatal(err)
	}
	diagResp, err := encodeRTU(1, FuncCodeDiagnostics, []byte{0x00, 0x00, 0xA5, 0x37})
	if err != nil {
		t.Fatal(err)
	}
	noise := append([]byte{0x05, 0x01, 0x99}, readResp...)

	for _, tt := range []struct {
		name         string
		functionCode byte
		input        []byte
		want         []byte
	}{
		{"read response", FuncCodeReadHoldingRegisters, readResp, readResp},
		{"write response", FuncCodeWriteSingleRegister, writeResp, writeResp},
		{"exception response", FuncCodeReadHoldingRegisters, exceptionResp, exceptionResp},
		{"fifo queue response", FuncCodeReadFIFOQueue, fifoResp, fifoResp},
		{"exception status response", FuncCodeReadExceptionStatus, statusResp, statusResp},
		{"diagnostics response", FuncCodeDiagnostics, diagResp, diagResp},
		{"leading noise skipped", FuncCodeReadHoldingRegisters, noise, readResp},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readFrame(1, tt.functionCode, bytes.NewReader(tt.input), time.Now().Add(time.Second))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(tt.want, got) {
				t.Fatalf("expected % x, actual % x", tt.want, got)
			}
		})
	}

	t.Run("expired deadline", func(t *testing.T) {
		_, err := readFrame(1, FuncCodeReadHoldingRegisters, bytes.NewReader(nil), time.Now().Add(-time.Second))
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
	})

	t.Run("invalid length", func(t *testing.T) {
		_, err := readFrame(1, FuncCodeReadHoldingRegisters, bytes.NewReader([]byte{0x01, 0x03, 0x00}), time.Now().Add(time.Second))
		var lenErr *InvalidLengthError
		if !errors.As(err, &lenErr) {
			t.Fatalf("expected invalid length error, got %v", err)
		}
		// a malformed length is a protocol level failure
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("invalid length error outside the protocol error class: %v", err)
		}
	})

	t.Run("invalid fifo length", func(t *testing.T) {
		_, err := readFrame(1, FuncCodeReadFIFOQueue, bytes.NewReader([]byte{0x01, 0x18, 0x00, 0x00}), time.Now().Add(time.Second))
		var lenErr *InvalidLengthError
		if !errors.As(err, &lenErr) {
			t.Fatalf("expected invalid length error, got %v", err)
		}
	})

	t.Run("truncated frame", func(t *testing.T) {
		_, err := readFrame(1, FuncCodeReadHoldingRegisters, bytes.NewReader([]byte{0x01, 0x03}), time.Now().Add(time.Second))
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected connection error, got %v", err)
		}
	})
}

var errFakePortTimeout = errors.New("read timeout")

// fakePort stands in for an opened serial port. A response produced by
// respond is buffered on Write and drained by subsequent Reads; an empty
// buffer behaves like a serial read timeout after readTimeout.
type fakePort struct {
	respond     func(request []byte) []byte
	readTimeout time.Duration

	mu       sync.Mutex
	written  [][]byte
	rbuf     bytes.Buffer
	inflight bool
	overlap  bool
	closed   bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight {
		p.overlap = true
	}
	request := append([]byte(nil), b...)
	p.written = append(p.written, request)
	if p.respond != nil {
		if resp := p.respond(request); resp != nil {
			p.rbuf.Write(resp)
			p.inflight = true
		}
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.readTimeout)
	for {
		p.mu.Lock()
		if p.rbuf.Len() > 0 {
			n, _ := p.rbuf.Read(b)
			if p.rbuf.Len() == 0 {
				p.inflight = false
			}
			p.mu.Unlock()
			return n, nil
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		if !time.Now().Before(deadline) {
			return 0, errFakePortTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newFakeRTUHandler(port *fakePort) *RTUClientHandler {
	h := NewRTUClientHandler("/dev/null")
	h.SlaveID = 1
	h.port = port
	return h
}

func TestRTUSend(t *testing.T) {
	port := &fakePort{
		readTimeout: 100 * time.Millisecond,
		respond: func(request []byte) []byte {
			resp, err := encodeRTU(request[0], request[1], []byte{2, 0xCA, 0xFE})
			if err != nil {
				t.Error(err)
				return nil
			}
			return resp
		},
	}
	h := newFakeRTUHandler(port)
	client := NewClient(h)

	results, err := client.ReadHoldingRegisters(context.Background(), 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(results, []byte{0xCA, 0xFE}) {
		t.Fatalf("unexpected results: % x", results)
	}

	expected, err := encodeRTU(1, FuncCodeReadHoldingRegisters, []byte{0, 4, 0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(port.written) != 1 || !bytes.Equal(expected, port.written[0]) {
		t.Fatalf("unexpected request on the wire: %v", port.written)
	}
}

func TestRTUReadFIFOQueue(t *testing.T) {
	port := &fakePort{
		readTimeout: 100 * time.Millisecond,
		respond: func(request []byte) []byte {
			resp, err := encodeRTU(request[0], request[1], []byte{0x00, 0x06, 0x00, 0x02, 0x01, 0xB8, 0x12, 0x84})
			if err != nil {
				t.Error(err)
				return nil
			}
			return resp
		},
	}
	h := newFakeRTUHandler(port)
	client := NewClient(h)

	results, err := client.ReadFIFOQueue(context.Background(), 0x04DE)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(results, []byte{0x01, 0xB8, 0x12, 0x84}) {
		t.Fatalf("unexpected results: % x", results)
	}
}

func TestRTUCorruptFrameDiscarded(t *testing.T) {
	port := &fakePort{
		readTimeout: 100 * time.Millisecond,
		respond: func(request []byte) []byte {
			valid, err := encodeRTU(request[0], request[1], []byte{2, 0xCA, 0xFE})
			if err != nil {
				t.Error(err)
				return nil
			}
			// structurally valid frame with a flipped payload bit,
			// followed by the real response
			corrupt := append([]byte(nil), valid...)
			corrupt[3] ^= 0x10
			return append(corrupt, valid...)
		},
	}
	h := newFakeRTUHandler(port)
	h.ExtraWait = time.Second
	client := NewClient(h)

	results, err := client.ReadHoldingRegisters(context.Background(), 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(results, []byte{0xCA, 0xFE}) {
		t.Fatalf("unexpected results: % x", results)
	}
}

func TestRTUTimeoutRetries(t *testing.T) {
	port := &fakePort{readTimeout: 100 * time.Millisecond}
	h := newFakeRTUHandler(port)
	h.ExtraWait = 20 * time.Millisecond
	h.Retries = 2
	client := NewClient(h)

	_, err := client.ReadHoldingRegisters(context.Background(), 0, 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if len(port.written) != 3 {
		t.Fatalf("expected 3 attempts on the wire, saw %d", len(port.written))
	}
}

func TestRTUSerializedSends(t *testing.T) {
	port := &fakePort{
		readTimeout: 100 * time.Millisecond,
		respond: func(request []byte) []byte {
			resp, err := encodeRTU(request[0], request[1], []byte{2, 0, 0})
			if err != nil {
				t.Error(err)
				return nil
			}
			return resp
		},
	}
	h := newFakeRTUHandler(port)
	client := NewClient(h)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.ReadHoldingRegisters(context.Background(), 0, 1); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if port.overlap {
		t.Fatal("a request was written while a response was still pending")
	}
	if len(port.written) != 4 {
		t.Fatalf("expected 4 requests on the wire, saw %d", len(port.written))
	}
}

func TestRTUSendCancelled(t *testing.T) {
	port := &fakePort{readTimeout: time.Second}
	h := newFakeRTUHandler(port)
	h.ExtraWait = 10 * time.Second
	client := NewClient(h)

	// occupy the line so the second request waits at the gate
	go client.ReadHoldingRegisters(context.Background(), 0, 1)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := client.ReadHoldingRegisters(ctx, 0, 1)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}
