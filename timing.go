package modbus

import "time"

// See MODBUS over Serial Line - Specification and Implementation Guide
// (page 13): above 19200 baud the inter-frame delay is a fixed 1750us
// instead of being derived from the character time.
const (
	highBaudThreshold  = 19200
	highBaudFrameDelay = 1750 * time.Microsecond
)

// rtuTiming models character transmission time on an asynchronous serial
// line and derives turnaround deadlines from it.
type rtuTiming struct {
	baudRate int
	dataBits int
	parity   string // "N", "E" or "O"
	stopBits int
}

// charDuration is the time one character occupies the wire: one start bit,
// the data bits, a parity bit when parity is enabled and the stop bits.
func (t rtuTiming) charDuration() time.Duration {
	baud := t.baudRate
	if baud <= 0 {
		baud = highBaudThreshold
	}
	dataBits := t.dataBits
	if dataBits == 0 {
		dataBits = 8
	}
	stopBits := t.stopBits
	if stopBits == 0 {
		stopBits = 1
	}
	bits := 1 + dataBits + stopBits
	if t.parity != "" && t.parity != "N" {
		bits++
	}
	return time.Duration(bits) * time.Second / time.Duration(baud)
}

// transmissionTime is the time n characters take to cross the wire.
func (t rtuTiming) transmissionTime(n int) time.Duration {
	return time.Duration(n) * t.charDuration()
}

// frameDelay is the inter-frame silence (t3.5) delimiting RTU frames.
func (t rtuTiming) frameDelay() time.Duration {
	if t.baudRate <= 0 || t.baudRate > highBaudThreshold {
		return highBaudFrameDelay
	}
	return t.charDuration() * 7 / 2
}

// turnaround is the response deadline for a request, measured from the end
// of its write: the time the request frame occupies the wire, the time the
// expected response occupies it, and the configured device processing wait.
// The device cannot begin answering before it has received the full request,
// so the caller tunes only the processing wait, not the physical
// transmission time.
func (t rtuTiming) turnaround(requestLen, responseLen int, extraWait time.Duration) time.Duration {
	return t.transmissionTime(requestLen) + t.transmissionTime(responseLen) + extraWait
}
