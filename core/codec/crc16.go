package codec

import "github.com/sigurn/crc16"

// crcTable is the CRC-16/CCITT table used by the link firmware: polynomial
// 0x1021, initial value 0, no reflection, no final XOR (CRC-16/XMODEM).
var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checksum computes the link CRC-16 of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// ValidResidue reports whether body, including its trailing big-endian CRC,
// checksums to zero.
func ValidResidue(body []byte) bool {
	return Checksum(body) == 0
}
