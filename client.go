// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
)

// logger is the interface to the required logging functions
type logger interface {
	Printf(format string, v ...interface{})
}

type client struct {
	transporter Transporter
}

// NewClient creates a new modbus client with given backend handler.
func NewClient(handler ClientHandler) Client {
	return &client{transporter: handler}
}

// NewClient2 creates a new modbus client with given backend transporter.
func NewClient2(transporter Transporter) Client {
	return &client{transporter: transporter}
}

// Request:
//
//	Function code         : 1 byte (0x01)
//	Starting address      : 2 bytes
//	Quantity of coils     : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x01)
//	Byte count            : 1 byte
//	Coil status           : N* bytes (=N or N+1)
func (mb *client) ReadCoils(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 2000 {
		return nil, encodingErrorf("quantity '%v' must be between '%v' and '%v'", quantity, 1, 2000)
	}
	request := Request{
		FunctionCode: FuncCodeReadCoils,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, protocolErrorf("response data size '%v' does not match count '%v'", length, count)
	}
	return response.Data[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x02)
//	Starting address      : 2 bytes
//	Quantity of inputs    : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x02)
//	Byte count            : 1 byte
//	Input status          : N* bytes (=N or N+1)
func (mb *client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 2000 {
		return nil, encodingErrorf("quantity '%v' must be between '%v' and '%v'", quantity, 1, 2000)
	}
	request := Request{
		FunctionCode: FuncCodeReadDiscreteInputs,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, protocolErrorf("response data size '%v' does not match count '%v'", length, count)
	}
	return response.Data[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x03)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x03)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
func (mb *client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 125 {
		return nil, encodingErrorf("quantity '%v' must be between '%v' and '%v'", quantity, 1, 125)
	}
	request := Request{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, protocolErrorf("response data size '%v' does not match count '%v'", length, count)
	}
	return response.Data[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x04)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x04)
//	Byte count            : 1 byte
//	Input registers       : N bytes
func (mb *client) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 125 {
		return nil, encodingErrorf("quantity '%v' must be between '%v' and '%v'", quantity, 1, 125)
	}
	request := Request{
		FunctionCode: FuncCodeReadInputRegisters,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, protocolErrorf("response data size '%v' does not match count '%v'", length, count)
	}
	return response.Data[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
func (mb *client) WriteSingleCoil(ctx context.Context, address, value uint16) ([]byte, error) {
	// The requested ON/OFF state can only be 0xFF00 and 0x0000
	if value != 0xFF00 && value != 0x0000 {
		return nil, encodingErrorf("state '%v' must be either 0xFF00 (ON) or 0x0000 (OFF)", value)
	}
	request := Request{
		FunctionCode: FuncCodeWriteSingleCoil,
		Data:         dataBlock(address, value),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return nil, protocolErrorf("response data size '%v' does not match expected '%v'", len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if address != respValue {
		return nil, protocolErrorf("response address '%v' does not match request '%v'", respValue, address)
	}
	results := response.Data[2:]
	respValue = binary.BigEndian.Uint16(results)
	if value != respValue {
		return nil, protocolErrorf("response value '%v' does not match request '%v'", respValue, value)
	}
	return results, nil
}

// Request:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
func (mb *client) WriteSingleRegister(ctx context.Context, address, value uint16) ([]byte, error) {
	request := Request{
		FunctionCode: FuncCodeWriteSingleRegister,
		Data:         dataBlock(address, value),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return nil, protocolErrorf("response data size '%v' does not match expected '%v'", len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if address != respValue {
		return nil, protocolErrorf("response address '%v' does not match request '%v'", respValue, address)
	}
	results := response.Data[2:]
	respValue = binary.BigEndian.Uint16(results)
	if value != respValue {
		return nil, protocolErrorf("response value '%v' does not match request '%v'", respValue, value)
	}
	return results, nil
}

// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
func (mb *client) WriteMultipleCoils(ctx context.Context, address, quantity uint16, value []byte) ([]byte, error) {
	if quantity < 1 || quantity > 1968 {
		return nil, encodingErrorf("quantity '%v' must be between '%v' and '%v'", quantity, 1, 1968)
	}
	request := Request{
		FunctionCode: FuncCodeWriteMultipleCoils,
		Data:         dataBlockSuffix(value, address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return nil, protocolErrorf("response data size '%v' does not match expected '%v'", len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if address != respValue {
		return nil, protocolErrorf("response address '%v' does not match request '%v'", respValue, address)
	}
	results := response.Data[2:]
	respValue = binary.BigEndian.Uint16(results)
	if quantity != respValue {
		return nil, protocolErrorf("response quantity '%v' does not match request '%v'", respValue, quantity)
	}
	return results, nil
}

// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
func (mb *client) WriteMultipleRegisters(ctx context.Context, address, quantity uint16, value []byte) ([]byte, error) {
	if quantity < 1 || quantity > 123 {
		return nil, encodingErrorf("quantity '%v' must be between '%v' and '%v'", quantity, 1, 123)
	}
	request := Request{
		FunctionCode: FuncCodeWriteMultipleRegisters,
		Data:         dataBlockSuffix(value, address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return nil, protocolErrorf("response data size '%v' does not match expected '%v'", len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if address != respValue {
		return nil, protocolErrorf("response address '%v' does not match request '%v'", respValue, address)
	}
	results := response.Data[2:]
	respValue = binary.BigEndian.Uint16(results)
	if quantity != respValue {
		return nil, protocolErrorf("response quantity '%v' does not match request '%v'", respValue, quantity)
	}
	return results, nil
}

// Request:
//
//	Function code         : 1 byte (0x16)
//	Reference address     : 2 bytes
//	AND-mask              : 2 bytes
//	OR-mask               : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x16)
//	Reference address     : 2 bytes
//	AND-mask              : 2 bytes
//	OR-mask               : 2 bytes
func (mb *client) MaskWriteRegister(ctx context.Context, address, andMask, orMask uint16) ([]byte, error) {
	request := Request{
		FunctionCode: FuncCodeMaskWriteRegister,
		Data:         dataBlock(address, andMask, orMask),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	// Fixed response length
	if len(response.Data) != 6 {
		return nil, protocolErrorf("response data size '%v' does not match expected '%v'", len(response.Data), 6)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if address != respValue {
		return nil, protocolErrorf("response address '%v' does not match request '%v'", respValue, address)
	}
	respValue = binary.BigEndian.Uint16(response.Data[2:])
	if andMask != respValue {
		return nil, protocolErrorf("response AND-mask '%v' does not match request '%v'", respValue, andMask)
	}
	respValue = binary.BigEndian.Uint16(response.Data[4:])
	if orMask != respValue {
		return nil, protocolErrorf("response OR-mask '%v' does not match request '%v'", respValue, orMask)
	}
	return response.Data[2:], nil
}

// Request:
//
//	Function code         : 1 byte (0x17)
//	Read starting address : 2 bytes
//	Quantity to read      : 2 bytes
//	Write starting address: 2 bytes
//	Quantity to write     : 2 bytes
//	Write byte count      : 1 byte
//	Write registers value : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x17)
//	Byte count            : 1 byte
//	Read registers value  : Nx2 bytes
func (mb *client) ReadWriteMultipleRegisters(ctx context.Context, readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	if readQuantity < 1 || readQuantity > 125 {
		return nil, encodingErrorf("quantity to read '%v' must be between '%v' and '%v'", readQuantity, 1, 125)
	}
	if writeQuantity < 1 || writeQuantity > 121 {
		return nil, encodingErrorf("quantity to write '%v' must be between '%v' and '%v'", writeQuantity, 1, 121)
	}
	request := Request{
		FunctionCode: FuncCodeReadWriteMultipleRegisters,
		Data:         dataBlockSuffix(value, readAddress, readQuantity, writeAddress, writeQuantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	count := int(response.Data[0])
	if count != (len(response.Data) - 1) {
		return nil, protocolErrorf("response data size '%v' does not match count '%v'", len(response.Data)-1, count)
	}
	return response.Data[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x18)
//	FIFO pointer address  : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x18)
//	Byte count            : 2 bytes
//	FIFO count            : 2 bytes
//	FIFO count            : 2 bytes (<=31)
//	FIFO value register   : Nx2 bytes
func (mb *client) ReadFIFOQueue(ctx context.Context, address uint16) ([]byte, error) {
	request := Request{
		FunctionCode: FuncCodeReadFIFOQueue,
		Data:         dataBlock(address),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	if len(response.Data) < 4 {
		return nil, protocolErrorf("response data size '%v' is less than expected '%v'", len(response.Data), 4)
	}
	// The byte count covers the bytes following it
	count := int(binary.BigEndian.Uint16(response.Data))
	if count != (len(response.Data) - 2) {
		return nil, protocolErrorf("response data size '%v' does not match count '%v'", len(response.Data)-2, count)
	}
	count = int(binary.BigEndian.Uint16(response.Data[2:]))
	if count > 31 {
		return nil, protocolErrorf("fifo count '%v' is greater than expected '%v'", count, 31)
	}
	return response.Data[4:], nil
}

// Request:
//
//	Function code         : 1 byte (0x07)
//
// Response:
//
//	Function code         : 1 byte (0x07)
//	Output data           : 1 byte
func (mb *client) ReadExceptionStatus(ctx context.Context) (byte, error) {
	request := Request{
		FunctionCode: FuncCodeReadExceptionStatus,
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return 0, err
	}
	if len(response.Data) != 1 {
		return 0, protocolErrorf("response data size '%v' does not match expected '%v'", len(response.Data), 1)
	}
	return response.Data[0], nil
}

// Request:
//
//	Function code         : 1 byte (0x08)
//	Sub-function          : 2 bytes
//	Data                  : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x08)
//	Sub-function          : 2 bytes
//	Data                  : 2 bytes
func (mb *client) Diagnostics(ctx context.Context, subFunction, data uint16) ([]byte, error) {
	request := Request{
		FunctionCode: FuncCodeDiagnostics,
		Data:         dataBlock(subFunction, data),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, err
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return nil, protocolErrorf("response data size '%v' does not match expected '%v'", len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if subFunction != respValue {
		return nil, protocolErrorf("response sub-function '%v' does not match request '%v'", respValue, subFunction)
	}
	return response.Data[2:], nil
}

// Helpers

// send runs the request and checks for a device exception in the response.
func (mb *client) send(ctx context.Context, request *Request) (*ProtocolDataUnit, error) {
	response, err := mb.transporter.Send(ctx, request)
	if err != nil {
		return nil, err
	}
	switch {
	case response.FunctionCode == request.FunctionCode|0x80:
		return nil, responseError(response)
	case response.FunctionCode != request.FunctionCode:
		return nil, protocolErrorf("response function code '%v' does not match request '%v'", response.FunctionCode, request.FunctionCode)
	}
	if len(response.Data) == 0 {
		// Empty response
		return nil, protocolErrorf("response data is empty")
	}
	return response, nil
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and append the suffix plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

func responseError(response *ProtocolDataUnit) error {
	mbError := &Error{FunctionCode: response.FunctionCode}
	if len(response.Data) > 0 {
		mbError.ExceptionCode = response.Data[0]
	}
	return mbError
}

// PackBits packs coil values LSB-first into the byte layout used by write
// multiple coils.
func PackBits(values ...bool) []byte {
	data := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			data[i/8] |= 1 << (i % 8)
		}
	}
	return data
}

// UnpackBits expands a coil response into booleans, LSB-first, truncated to
// count values.
func UnpackBits(data []byte, count int) []bool {
	values := make([]bool, 0, len(data)*8)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			values = append(values, b>>i&1 == 1)
		}
	}
	if count >= 0 && count < len(values) {
		values = values[:count]
	}
	return values
}
