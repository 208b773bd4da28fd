// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"fmt"

	"github.com/dtn7/cboring"

	"github.com/dtn7/bplibgo/pkg/cbor"
)

// CRCType indicates which CRC type protects a block, as specified in
// section 4.1.1 of BPv7.
type CRCType uint64

const (
	// CRCNo means no CRC is present.
	CRCNo CRCType = 0

	// CRC16 represents "a standard X-25 CRC-16".
	CRC16 CRCType = 1

	// CRC32 represents "a standard CRC32C (Castagnoli) CRC-32".
	CRC32 CRCType = 2
)

func (c CRCType) String() string {
	switch c {
	case CRCNo:
		return "no"
	case CRC16:
		return "16"
	case CRC32:
		return "32"
	default:
		return "unknown"
	}
}

// toCborType maps a block-level CRCType onto the cbor package's Type, the
// block codec's invocation point into Component B's CRC machinery.
func (c CRCType) toCborType() (cbor.Type, error) {
	switch c {
	case CRCNo:
		return cbor.None, nil
	case CRC16:
		return cbor.CRC16, nil
	case CRC32:
		return cbor.CRC32C, nil
	default:
		return cbor.None, fmt.Errorf("unknown CRCType %d", c)
	}
}

// calculateCRCBuff calculates a block's CRC value for serialization, given a
// buffer already holding every field preceding the CRC slot. Per §4.B, the
// CRC covers the block's own CRC field taken as zeros at its exact wire
// width and CBOR byte-string framing, so the zero placeholder is appended
// to buff in its real wire shape before the checksum (invoking Component B)
// is computed.
func calculateCRCBuff(buff *bytes.Buffer, crcType CRCType) ([]byte, error) {
	t, err := crcType.toCborType()
	if err != nil {
		return nil, err
	}

	placeholder, err := cbor.EmptyCRC(t)
	if err != nil {
		return nil, err
	}
	if err := cboring.WriteByteString(placeholder, buff); err != nil {
		return nil, err
	}

	return cbor.Calculate(buff.Bytes(), t)
}

// emptyCRC returns the zero-valued CRC placeholder for crcType.
func emptyCRC(crcType CRCType) ([]byte, error) {
	t, err := crcType.toCborType()
	if err != nil {
		return nil, err
	}
	return cbor.EmptyCRC(t)
}
