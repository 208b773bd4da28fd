// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/bplibgo/pkg/bpe"
)

// CanonicalBlock represents the canonical bundle block defined in section 4.2.3.
//
// Beyond the decoded Value, a block produced by UnmarshalCbor, or one that
// MarshalCbor has encoded once, also retains its exact wire bytes and the offset/length of its content byte string
// within them (spec §3.3), so a forwarding path can re-emit the block
// without re-encoding it and can CRC-validate the content directly. The raw
// form is invalidated by any setter that changes what would be encoded;
// callers that mutate Value in place must call InvalidateRaw themselves.
type CanonicalBlock struct {
	BlockNumber       uint64
	BlockControlFlags BlockControlFlags
	CRCType           CRCType
	CRC               []byte
	Value             ExtensionBlock

	rawBytes      []byte
	contentOffset int
	contentLength int
}

// NewCanonicalBlock based on its number, some control flags and an Extension Block.
func NewCanonicalBlock(no uint64, bcf BlockControlFlags, value ExtensionBlock) CanonicalBlock {
	return CanonicalBlock{
		BlockNumber:       no,
		BlockControlFlags: bcf,
		CRCType:           CRCNo,
		CRC:               nil,
		Value:             value,
	}
}

// TypeCode returns the block type code.
func (cb CanonicalBlock) TypeCode() uint64 {
	return cb.Value.BlockTypeCode()
}

// HasCRC returns if the CRCType indicates a CRC is present for this block.
func (cb CanonicalBlock) HasCRC() bool {
	return cb.GetCRCType() != CRCNo
}

// GetCRCType returns the CRCType of this block.
func (cb CanonicalBlock) GetCRCType() CRCType {
	return cb.CRCType
}

// SetCRCType sets the CRC type, invalidating any cached raw encoding.
func (cb *CanonicalBlock) SetCRCType(crcType CRCType) {
	cb.CRCType = crcType
	cb.InvalidateRaw()
}

// InvalidateRaw discards this block's cached raw wire bytes, forcing the
// next MarshalCbor to re-encode from Value instead of replaying them. Any
// caller mutating Value (or a field above) in place after decode must call
// this, or a stale raw form would be re-emitted.
func (cb *CanonicalBlock) InvalidateRaw() {
	cb.rawBytes = nil
	cb.contentOffset = 0
	cb.contentLength = 0
}

// RawBytes returns this block's exact wire bytes and true, or (nil, false)
// if it has been neither decoded nor encoded yet, or its raw form was
// invalidated since.
func (cb CanonicalBlock) RawBytes() ([]byte, bool) {
	if cb.rawBytes == nil {
		return nil, false
	}
	return cb.rawBytes, true
}

// RawContent returns the content byte string's payload -- the raw bytes
// that GetExtensionBlockManager().ReadBlock decoded into Value -- sliced
// directly out of RawBytes at its recorded offset and length, with no
// re-encoding. Returns (nil, false) under the same conditions as RawBytes.
func (cb CanonicalBlock) RawContent() ([]byte, bool) {
	if cb.rawBytes == nil {
		return nil, false
	}
	return cb.rawBytes[cb.contentOffset : cb.contentOffset+cb.contentLength], true
}

// MarshalCbor writes this Canonical Block's CBOR representation. If a
// cached raw form is present (a block decoded by UnmarshalCbor or encoded
// by an earlier MarshalCbor, not invalidated since), it is replayed
// verbatim instead of re-encoding Value.
func (cb *CanonicalBlock) MarshalCbor(w io.Writer) error {
	if raw, ok := cb.RawBytes(); ok {
		_, err := w.Write(raw)
		return err
	}

	rawBuf := new(bytes.Buffer)
	w = io.MultiWriter(w, rawBuf)

	var blockLen uint64 = 5
	if cb.HasCRC() {
		blockLen = 6
	}

	crcBuff := new(bytes.Buffer)
	crcW := io.Writer(w)
	if cb.HasCRC() {
		crcW = io.MultiWriter(w, crcBuff)
	}

	if err := cboring.WriteArrayLength(blockLen, crcW); err != nil {
		return err
	}

	fields := []uint64{cb.TypeCode(), cb.BlockNumber,
		uint64(cb.BlockControlFlags), uint64(cb.CRCType)}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, crcW); err != nil {
			return err
		}
	}

	content, err := GetExtensionBlockManager().WriteBlockRaw(cb.Value, crcW)
	if err != nil {
		return fmt.Errorf("%w: marshalling value failed: %v", bpe.ErrBundleParse, err)
	}
	contentEnd := rawBuf.Len()

	if cb.HasCRC() {
		if crcVal, crcErr := calculateCRCBuff(crcBuff, cb.CRCType); crcErr != nil {
			return crcErr
		} else if err := cboring.WriteByteString(crcVal, crcW); err != nil {
			return err
		} else {
			cb.CRC = crcVal
		}
	}

	cb.rawBytes = append([]byte(nil), rawBuf.Bytes()...)
	cb.contentLength = len(content)
	cb.contentOffset = contentEnd - cb.contentLength

	return nil
}

// UnmarshalCbor creates this Canonical Block based on a CBOR representation,
// retaining the raw wire bytes and the content's offset/length within them.
func (cb *CanonicalBlock) UnmarshalCbor(r io.Reader) error {
	rawBuf := new(bytes.Buffer)
	r = io.TeeReader(r, rawBuf)

	var blockLen uint64
	if bl, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if bl != 5 && bl != 6 {
		return fmt.Errorf("%w: expected array with length 5 or 6, got %d", bpe.ErrBundleParse, bl)
	} else {
		blockLen = bl
	}

	// Pipe incoming bytes into a separate CRC buffer, replaying the array
	// header already consumed above.
	crcBuff := new(bytes.Buffer)
	if blockLen == 6 {
		if err := cboring.WriteArrayLength(blockLen, crcBuff); err != nil {
			return err
		}
		r = io.TeeReader(r, crcBuff)
	}

	var blockType uint64
	if bt, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		blockType = bt
	}

	if bn, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		cb.BlockNumber = bn
	}

	if bcf, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		cb.BlockControlFlags = BlockControlFlags(bcf)
	}

	if crcT, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		cb.CRCType = CRCType(crcT)
	}

	b, content, err := GetExtensionBlockManager().ReadBlockRaw(blockType, r)
	if err != nil {
		return fmt.Errorf("%w: unmarshalling block type %d failed: %v", bpe.ErrBundleParse, blockType, err)
	}
	cb.Value = b
	contentEnd := rawBuf.Len()

	if blockLen == 6 {
		if crcCalc, crcErr := calculateCRCBuff(crcBuff, cb.CRCType); crcErr != nil {
			return crcErr
		} else if crcVal, err := cboring.ReadByteString(r); err != nil {
			return err
		} else if !bytes.Equal(crcCalc, crcVal) {
			return fmt.Errorf("%w: invalid CRC value: %x instead of expected %x", bpe.ErrBadCRC, crcVal, crcCalc)
		} else {
			cb.CRC = crcVal
		}
	}

	cb.rawBytes = append([]byte(nil), rawBuf.Bytes()...)
	cb.contentLength = len(content)
	cb.contentOffset = contentEnd - cb.contentLength

	return nil
}

// MarshalJSON writes a JSON object for this Canonical Block.
func (cb CanonicalBlock) MarshalJSON() ([]byte, error) {
	var dataField interface{}

	if _, ok := cb.Value.(json.Marshaler); ok {
		dataField = cb.Value
	} else {
		var buff bytes.Buffer
		if err := GetExtensionBlockManager().WriteBlock(cb.Value, &buff); err != nil {
			return nil, err
		}
		dataField = buff.Bytes()
	}

	return json.Marshal(&struct {
		BlockNumber   uint64            `json:"blockNumber"`
		BlockTypeCode uint64            `json:"blockTypeCode"`
		BlockType     string            `json:"blockType"`
		ControlFlags  BlockControlFlags `json:"blockControlFlags"`
		Data          interface{}       `json:"data"`
	}{
		BlockNumber:   cb.BlockNumber,
		BlockType:     cb.Value.BlockTypeName(),
		BlockTypeCode: cb.Value.BlockTypeCode(),
		ControlFlags:  cb.BlockControlFlags,
		Data:          dataField,
	})
}

// CheckValid returns an array of errors for incorrect data.
func (cb CanonicalBlock) CheckValid() (errs error) {
	if bcfErr := cb.BlockControlFlags.CheckValid(); bcfErr != nil {
		errs = multierror.Append(errs, bcfErr)
	}

	if extErr := cb.Value.CheckValid(); extErr != nil {
		errs = multierror.Append(errs, extErr)
	}

	if cb.Value.BlockTypeCode() == ExtBlockTypePayloadBlock && cb.BlockNumber != 1 {
		errs = multierror.Append(errs, fmt.Errorf(
			"%w: CanonicalBlock is a PayloadBlock with a block number %d != 1", bpe.ErrParm, cb.BlockNumber))
	}

	return
}

func (cb CanonicalBlock) String() string {
	var b strings.Builder

	_, _ = fmt.Fprintf(&b, "block type code: %d, ", cb.Value.BlockTypeCode())
	_, _ = fmt.Fprintf(&b, "block number: %d, ", cb.BlockNumber)
	_, _ = fmt.Fprintf(&b, "block processing control flags: %b, ", cb.BlockControlFlags)
	_, _ = fmt.Fprintf(&b, "crc type: %v, ", cb.CRCType)
	_, _ = fmt.Fprintf(&b, "data: %v", cb.Value)

	if cb.HasCRC() {
		_, _ = fmt.Fprintf(&b, ", crc: %x", cb.CRC)
	}

	return b.String()
}
