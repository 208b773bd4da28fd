// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cbor layers the BPv7 block CRC protocol (spec §4.B) on top of
// github.com/dtn7/cboring's streaming primitives. A CRC, when present, is
// always a block's last field, so the "reserve a zero slot, backfill later"
// protocol never needs to seek backwards: every byte written ahead of the
// CRC field is mirrored into a Reservation buffer; once that's exhausted,
// Finish appends the zero-filled, CRC-width placeholder mandated by spec §4.B step 1
// and computes the checksum over the result, exactly as if the zeros had
// been streamed in place.
package cbor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/howeyc/crc16"
)

// Type indicates which CRC algorithm protects a block, as specified in
// section 4.1.1 of BPv7.
type Type uint64

const (
	// None means no CRC is present.
	None Type = 0

	// CRC16 is CRC-16/X-25 (poly 0x1021, init/xor-out 0xFFFF, reflected).
	CRC16 Type = 1

	// CRC32C is CRC-32C/Castagnoli (poly 0x1EDC6F41, init/xor-out 0xFFFFFFFF, reflected).
	CRC32C Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case CRC16:
		return "crc-16"
	case CRC32C:
		return "crc-32c"
	default:
		return "unknown"
	}
}

// Width returns the CRC value's byte-string width, or 0 for None.
func (t Type) Width() int {
	switch t {
	case None:
		return 0
	case CRC16:
		return 2
	case CRC32C:
		return 4
	default:
		return 0
	}
}

var (
	crc16Table = crc16.MakeTable(crc16.CCITT)
	crc32Table = crc32.MakeTable(crc32.Castagnoli)
)

// EmptyCRC returns the zero-valued placeholder a block's CRC field would
// carry while the real CRC is being computed, at the correct width for t.
func EmptyCRC(t Type) ([]byte, error) {
	switch t {
	case None:
		return nil, nil
	case CRC16, CRC32C:
		return make([]byte, t.Width()), nil
	default:
		return nil, fmt.Errorf("cbor: unknown CRC type %d", t)
	}
}

// Calculate computes the CRC of buf, which must already include the
// zero-filled placeholder in its trailing CRC field position.
func Calculate(buf []byte, t Type) ([]byte, error) {
	out, err := EmptyCRC(t)
	if err != nil {
		return nil, err
	}

	switch t {
	case None:
	case CRC16:
		binary.BigEndian.PutUint16(out, crc16.Checksum(buf, crc16Table))
	case CRC32C:
		binary.BigEndian.PutUint32(out, crc32.Checksum(buf, crc32Table))
	default:
		return nil, fmt.Errorf("cbor: unknown CRC type %d", t)
	}

	return out, nil
}

// Reservation accumulates the bytes of a block's CRC-covered prefix (every
// field preceding the CRC byte string itself).
type Reservation struct {
	buf *bytes.Buffer
	typ Type
}

// NewReservation wraps w so every byte subsequently written through the
// returned Writer also lands in the Reservation, for later CRC computation.
// If typ is None, w is returned unchanged and Finish is a no-op.
func NewReservation(w io.Writer, typ Type) (io.Writer, *Reservation) {
	if typ == None {
		return w, &Reservation{typ: None}
	}
	buf := new(bytes.Buffer)
	return io.MultiWriter(w, buf), &Reservation{buf: buf, typ: typ}
}

// TeeReservation is NewReservation's decode-side counterpart: it mirrors
// everything read through r into the Reservation.
func TeeReservation(r io.Reader, typ Type) (io.Reader, *Reservation) {
	if typ == None {
		return r, &Reservation{typ: None}
	}
	buf := new(bytes.Buffer)
	return io.TeeReader(r, buf), &Reservation{buf: buf, typ: typ}
}

// Finish appends the zero-filled CRC placeholder to the accumulated bytes
// and computes the checksum, ready to compare against (decode) or marshal
// as (encode) the block's actual CRC field.
func (r *Reservation) Finish() ([]byte, error) {
	if r.typ == None {
		return nil, nil
	}
	placeholder, err := EmptyCRC(r.typ)
	if err != nil {
		return nil, err
	}
	full := append(append([]byte(nil), r.buf.Bytes()...), placeholder...)
	return Calculate(full, r.typ)
}
