// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ubx implements the binary UBX framing spoken by u-blox GNSS
// receivers: sync bytes, 8-bit Fletcher checksum, and the small set of
// message payloads this project sends and expects back.
package ubx

import "encoding/binary"

const (
	Sync1 = 0xB5
	Sync2 = 0x62
)

// Message classes and IDs used by this project.
const (
	ClassACK = 0x05
	ClassCFG = 0x06

	IDAckNak  = 0x00
	IDAckAck  = 0x01
	IDCfgGNSS = 0x3E
)

// CFG-GNSS gnssId values.
const (
	GnssIDGPS     = 0
	GnssIDSBAS    = 1
	GnssIDQZSS    = 5
	GnssIDGLONASS = 6
)

// CFG-GNSS sigCfgMask bits (bits 16..23 of the block flags).
const (
	SigL1CA uint32 = 0x01
	SigL1S  uint32 = 0x04
)

// Header is the fixed part of a UBX frame following the two sync bytes.
type Header struct {
	Class  uint8
	ID     uint8
	Length uint16
}

// Checksum computes the 8-bit Fletcher checksum over data. The checksum
// range of a frame is class, id, length and payload (sync bytes and the
// checksum itself excluded).
func Checksum(data []byte) (ckA, ckB uint8) {
	for _, b := range data {
		ckA += b
		ckB += ckA
	}
	return ckA, ckB
}

// Encode builds a complete frame: sync bytes, header, payload, checksum.
func Encode(class, id uint8, payload []byte) []byte {
	buf := make([]byte, 0, 8+len(payload))
	buf = append(buf, Sync1, Sync2, class, id)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	ckA, ckB := Checksum(buf[2:])
	buf = append(buf, ckA, ckB)
	return buf
}

// ParseHeader reads the frame header from the start of buf. It reports
// false when buf is too short or does not begin with the sync bytes.
func ParseHeader(buf []byte) (Header, bool) {
	if len(buf) < 8 || buf[0] != Sync1 || buf[1] != Sync2 {
		return Header{}, false
	}
	return Header{
		Class:  buf[2],
		ID:     buf[3],
		Length: binary.LittleEndian.Uint16(buf[4:6]),
	}, true
}

// VerifyChecksum checks the trailing checksum of a complete frame
// (sync bytes through checksum).
func VerifyChecksum(frame []byte) bool {
	if len(frame) < 8 {
		return false
	}
	ckA, ckB := Checksum(frame[2 : len(frame)-2])
	return frame[len(frame)-2] == ckA && frame[len(frame)-1] == ckB
}

// Frames extracts every well-formed frame from a byte stream, skipping
// any interleaved non-UBX bytes (NMEA text, line noise). Frames with a
// bad checksum are dropped.
func Frames(buf []byte) [][]byte {
	var frames [][]byte
	for i := 0; i+8 <= len(buf); {
		h, ok := ParseHeader(buf[i:])
		if !ok {
			i++
			continue
		}
		end := i + 8 + int(h.Length)
		if end > len(buf) {
			break
		}
		frame := buf[i:end]
		if VerifyChecksum(frame) {
			frames = append(frames, frame)
		}
		i = end
	}
	return frames
}

// Ack is a decoded ACK-ACK or ACK-NAK message. Class and ID identify the
// acknowledged message, OK distinguishes ACK from NAK.
type Ack struct {
	Class uint8
	ID    uint8
	OK    bool
}

// ParseAck decodes frame as an acknowledgement. It reports false for
// anything that is not a valid ACK-ACK or ACK-NAK frame.
func ParseAck(frame []byte) (Ack, bool) {
	h, ok := ParseHeader(frame)
	if !ok || h.Class != ClassACK || h.Length != 2 || len(frame) != 10 {
		return Ack{}, false
	}
	if h.ID != IDAckAck && h.ID != IDAckNak {
		return Ack{}, false
	}
	if !VerifyChecksum(frame) {
		return Ack{}, false
	}
	return Ack{
		Class: frame[6],
		ID:    frame[7],
		OK:    h.ID == IDAckAck,
	}, true
}

// CfgGNSSBlock is one per-constellation configuration block of a
// CFG-GNSS message. Flags carries the enable bit (bit 0) and the signal
// configuration mask (bits 16-23).
type CfgGNSSBlock struct {
	GnssID   uint8
	ResTrkCh uint8
	MaxTrkCh uint8
	Flags    uint32
}

// CfgGNSS builds a complete CFG-GNSS frame from the given configuration
// blocks. Tracking channel assignment is left to the receiver
// (numTrkChUse = 0xFF).
func CfgGNSS(blocks []CfgGNSSBlock) []byte {
	payload := make([]byte, 0, 4+8*len(blocks))
	payload = append(payload, 0, 0, 0xFF, uint8(len(blocks)))
	for _, b := range blocks {
		payload = append(payload, b.GnssID, b.ResTrkCh, b.MaxTrkCh, 0)
		payload = binary.LittleEndian.AppendUint32(payload, b.Flags)
	}
	return Encode(ClassCFG, IDCfgGNSS, payload)
}
