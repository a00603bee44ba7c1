// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// crc computes the MODBUS CRC16 checksum with polynomial 0xA001 and initial
// value 0xFFFF. The low byte of value() goes on the wire first.
type crc struct {
	sum uint16
}

func (c *crc) reset() *crc {
	c.sum = 0xFFFF
	return c
}

func (c *crc) pushBytes(bs []byte) *crc {
	for _, b := range bs {
		c.sum ^= uint16(b)
		for i := 0; i < 8; i++ {
			if c.sum&1 != 0 {
				c.sum = c.sum>>1 ^ 0xA001
			} else {
				c.sum >>= 1
			}
		}
	}
	return c
}

func (c *crc) value() uint16 {
	return c.sum
}
