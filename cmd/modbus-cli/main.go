package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/grid-x/serial"

	modbus "github.com/pazzarpj/gomodbus"
)

type option struct {
	address string
	slaveID int
	timeout time.Duration
	retries int
	logger  *debugAdapter

	tcp struct {
		maxInflight    int
		reconnectAfter time.Duration
	}

	rtu struct {
		baudrate  int
		dataBits  int
		parity    string
		stopBits  int
		extraWait time.Duration
		rs485     struct {
			enabled            bool
			delayRtsBeforeSend time.Duration
			delayRtsAfterSend  time.Duration
			rtsHighDuringSend  bool
			rtsHighAfterSend   bool
			rxDuringTx         bool
		}
	}
}

func main() {
	var opt option
	// general
	flag.StringVar(&opt.address, "address", "tcp://127.0.0.1:502", "Example: tcp://127.0.0.1:502, rtu:///dev/ttyUSB0")
	flag.IntVar(&opt.slaveID, "slaveID", 1, "Is used for intra-system routing purpose, typically for serial connections, TCP default 0xFF")
	flag.DurationVar(&opt.timeout, "timeout", 10*time.Second, "Modbus response timeout")
	flag.IntVar(&opt.retries, "retries", 0, "Times a timed-out request is resent")
	// tcp
	flag.IntVar(&opt.tcp.maxInflight, "tcp-max-inflight", 0, "Bound on concurrently outstanding transactions, 0 = unbounded")
	flag.DurationVar(&opt.tcp.reconnectAfter, "tcp-reconnect-after", 0, "Delay before redialing a lost connection, 0 disables")
	// rtu
	flag.IntVar(&opt.rtu.baudrate, "rtu-baudrate", 19200, "Symbol rate, e.g.: 300, 600, 1200, 2400, 4800, 9600, 19200, 38400")
	flag.IntVar(&opt.rtu.dataBits, "rtu-databits", 8, "5, 6, 7 or 8")
	flag.StringVar(&opt.rtu.parity, "rtu-parity", "E", "Parity: N - None, E - Even, O - Odd")
	flag.IntVar(&opt.rtu.stopBits, "rtu-stopbits", 1, "1 or 2")
	flag.DurationVar(&opt.rtu.extraWait, "rtu-extra-wait", 400*time.Millisecond, "Device processing wait on top of the computed transmission time")
	// rs485
	flag.BoolVar(&opt.rtu.rs485.enabled, "rs485-enable", false, "enables rs485 cfg")
	flag.DurationVar(&opt.rtu.rs485.delayRtsBeforeSend, "rs485-delayRtsBeforeSend", 0, "Delay rts before send")
	flag.DurationVar(&opt.rtu.rs485.delayRtsAfterSend, "rs485-delayRtsAfterSend", 0, "Delay rts after send")
	flag.BoolVar(&opt.rtu.rs485.rtsHighDuringSend, "rs485-rtsHighDuringSend", false, "Allow rts high during send")
	flag.BoolVar(&opt.rtu.rs485.rtsHighAfterSend, "rs485-rtsHighAfterSend", false, "Allow rts high after send")
	flag.BoolVar(&opt.rtu.rs485.rxDuringTx, "rs485-rxDuringTx", false, "Allow bidirectional rx during tx")

	var (
		register   = flag.Int("register", -1, "Starting address")
		fnCode     = flag.Int("fn-code", 0x03, "Function code to execute")
		quantity   = flag.Int("quantity", 1, "Quantity of registers or coils")
		writeValue = flag.Int("write-value", -1, "Value for single-write function codes")
		logframe   = flag.Bool("log-frame", false, "prints received and sent modbus frames")
	)

	flag.Parse()

	if len(os.Args) == 1 {
		flag.PrintDefaults()
		return
	}

	logger := slog.Default()
	if *register < 0 || *register > 0xFFFF {
		logger.Error(fmt.Sprintf("invalid register value: %d", *register))
		os.Exit(-1)
	}
	if *logframe {
		opt.logger = &debugAdapter{logger}
	}

	handler, err := newHandler(opt)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
	if err := handler.Connect(); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
	defer handler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opt.timeout+5*time.Second)
	defer cancel()

	result, err := exec(ctx, modbus.NewClient(handler), *fnCode, uint16(*register), uint16(*quantity), *writeValue)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}

	fmt.Printf("raw: % x\n", result)
	for i := 0; i+1 < len(result); i += 2 {
		fmt.Printf("register %d: %d\n", *register+i/2, binary.BigEndian.Uint16(result[i:]))
	}
}

func exec(ctx context.Context, client modbus.Client, fnCode int, register, quantity uint16, writeValue int) ([]byte, error) {
	switch fnCode {
	case modbus.FuncCodeReadCoils:
		return client.ReadCoils(ctx, register, quantity)
	case modbus.FuncCodeReadDiscreteInputs:
		return client.ReadDiscreteInputs(ctx, register, quantity)
	case modbus.FuncCodeReadHoldingRegisters:
		return client.ReadHoldingRegisters(ctx, register, quantity)
	case modbus.FuncCodeReadInputRegisters:
		return client.ReadInputRegisters(ctx, register, quantity)
	case modbus.FuncCodeWriteSingleCoil:
		if writeValue != 0 {
			writeValue = 0xFF00
		}
		return client.WriteSingleCoil(ctx, register, uint16(writeValue))
	case modbus.FuncCodeWriteSingleRegister:
		if writeValue < 0 || writeValue > 0xFFFF {
			return nil, fmt.Errorf("invalid write value: %d", writeValue)
		}
		return client.WriteSingleRegister(ctx, register, uint16(writeValue))
	case modbus.FuncCodeReadFIFOQueue:
		return client.ReadFIFOQueue(ctx, register)
	case modbus.FuncCodeReadExceptionStatus:
		status, err := client.ReadExceptionStatus(ctx)
		return []byte{status}, err
	}
	return nil, fmt.Errorf("unsupported function code: %d", fnCode)
}

func newHandler(o option) (modbus.ClientHandler, error) {
	u, err := url.Parse(o.address)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "rtu":
		h := modbus.NewRTUClientHandler(u.Path)
		h.Timeout = o.timeout
		h.SlaveID = byte(o.slaveID)
		if o.logger != nil {
			h.Logger = o.logger
		}
		h.BaudRate = o.rtu.baudrate
		h.DataBits = o.rtu.dataBits
		h.Parity = o.rtu.parity
		h.StopBits = o.rtu.stopBits
		h.RS485 = serial.RS485Config{
			Enabled:            o.rtu.rs485.enabled,
			DelayRtsBeforeSend: o.rtu.rs485.delayRtsBeforeSend,
			DelayRtsAfterSend:  o.rtu.rs485.delayRtsAfterSend,
			RtsHighDuringSend:  o.rtu.rs485.rtsHighDuringSend,
			RtsHighAfterSend:   o.rtu.rs485.rtsHighAfterSend,
			RxDuringTx:         o.rtu.rs485.rxDuringTx,
		}
		h.ExtraWait = o.rtu.extraWait
		h.Retries = o.retries
		return h, nil
	case "tcp":
		h := modbus.NewTCPClientHandler(u.Host)
		h.Timeout = o.timeout
		h.SlaveID = byte(o.slaveID)
		h.MaxInflight = o.tcp.maxInflight
		h.ReconnectAfter = o.tcp.reconnectAfter
		h.Retries = o.retries
		if o.logger != nil {
			h.Logger = o.logger
		}
		return h, nil
	}

	return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
}
