// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Field tags. Fixed assignments; never renumber an existing tag, only
// append new ones, so old decoders keep skipping what they don't know.
const (
	tagContentLength   = 1
	tagPresharedKey    = 2
	tagStatus          = 3
	tagMetadata        = 4
	tagSyncRequest     = 5
	tagSyncResponse    = 6
	tagSenderTimestamp = 7
	tagExpiration      = 8
	tagConversationID  = 9
	tagCompression     = 10
)

// Wire types. The wire type alone must be enough to skip an unknown tag's
// value without understanding its semantics.
const (
	wireVarint = 0 // unsigned LEB128 varint
	wireFixed  = 1 // varint length prefix followed by that many bytes, length checked against the tag's known width when the tag is recognized
	wireBytes  = 2 // varint length prefix followed by that many bytes
	wireBool   = 3 // single 0/1 byte
)

// lengthPrefixSize is the width of the frame's outer length prefix.
const lengthPrefixSize = 4

// EncodeHeader serializes h into its wire representation: the 4-byte
// little-endian length prefix followed by the TLV header block. The
// result never depends on map iteration order.
func EncodeHeader(h *Header) ([]byte, error) {
	var body bytes.Buffer

	writeVarintField(&body, tagContentLength, h.ContentLength)

	if h.PresharedKey != nil {
		if len(h.PresharedKey) != PresharedKeyLength {
			return nil, fmt.Errorf("%w: PresharedKey must be %d bytes, got %d", ErrMalformed, PresharedKeyLength, len(h.PresharedKey))
		}
		writeFixedField(&body, tagPresharedKey, h.PresharedKey)
	}

	writeVarintField(&body, tagStatus, uint64(h.Status))

	if h.HasMetadata() {
		em, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
		if err != nil {
			return nil, fmt.Errorf("%w: metadata encoder: %v", ErrMalformed, err)
		}
		mb, err := em.Marshal(h.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata encode: %v", ErrMalformed, err)
		}
		writeBytesField(&body, tagMetadata, mb)
	}

	if h.SyncRequest {
		writeBoolField(&body, tagSyncRequest, true)
	}
	if h.SyncResponse {
		writeBoolField(&body, tagSyncResponse, true)
	}
	if h.SenderTimestamp != nil {
		writeVarintField(&body, tagSenderTimestamp, zigzagEncode(h.SenderTimestamp.UnixMilli()))
	}
	if h.Expiration != nil {
		writeVarintField(&body, tagExpiration, zigzagEncode(h.Expiration.UnixMilli()))
	}
	if h.ConversationID != nil {
		if len(h.ConversationID) != ConversationIDLength {
			return nil, fmt.Errorf("%w: ConversationId must be %d bytes, got %d", ErrMalformed, ConversationIDLength, len(h.ConversationID))
		}
		writeFixedField(&body, tagConversationID, h.ConversationID)
	}
	if h.Compression != CompressionNone {
		writeVarintField(&body, tagCompression, uint64(h.Compression))
	}

	if body.Len() > int(^uint32(0)) {
		return nil, fmt.Errorf("%w: header too large to frame", ErrMalformed)
	}

	out := make([]byte, lengthPrefixSize+body.Len())
	binary.LittleEndian.PutUint32(out[:lengthPrefixSize], uint32(body.Len()))
	copy(out[lengthPrefixSize:], body.Bytes())
	return out, nil
}

// DecodeHeader parses a TLV header block (without the outer length
// prefix — the caller has already consumed and sized it). Unknown tags
// are skipped using their wire type's length rule.
func DecodeHeader(block []byte) (*Header, error) {
	h := &Header{}
	seen := make(map[uint64]bool)
	r := bytes.NewReader(block)

	for r.Len() > 0 {
		tag, err := readVarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading tag: %v", ErrMalformed, err)
		}
		wt, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: reading wire type: %v", ErrMalformed, err)
		}

		if seen[tag] && requiredTag(tag) {
			return nil, fmt.Errorf("%w: duplicate required tag %d", ErrMalformed, tag)
		}
		seen[tag] = true

		switch tag {
		case tagContentLength:
			v, err := expectVarint(r, wt)
			if err != nil {
				return nil, err
			}
			h.ContentLength = v
		case tagPresharedKey:
			v, err := expectFixed(r, wt, PresharedKeyLength)
			if err != nil {
				return nil, err
			}
			h.PresharedKey = v
		case tagStatus:
			v, err := expectVarint(r, wt)
			if err != nil {
				return nil, err
			}
			h.Status = Status(v)
		case tagMetadata:
			v, err := expectBytes(r, wt)
			if err != nil {
				return nil, err
			}
			md := map[string]interface{}{}
			if len(v) > 0 {
				if err := cbor.Unmarshal(v, &md); err != nil {
					return nil, fmt.Errorf("%w: metadata decode: %v", ErrMalformed, err)
				}
			}
			h.Metadata = md
		case tagSyncRequest:
			v, err := expectBool(r, wt)
			if err != nil {
				return nil, err
			}
			h.SyncRequest = v
		case tagSyncResponse:
			v, err := expectBool(r, wt)
			if err != nil {
				return nil, err
			}
			h.SyncResponse = v
		case tagSenderTimestamp:
			v, err := expectVarint(r, wt)
			if err != nil {
				return nil, err
			}
			t := time.UnixMilli(zigzagDecode(v)).UTC()
			h.SenderTimestamp = &t
		case tagExpiration:
			v, err := expectVarint(r, wt)
			if err != nil {
				return nil, err
			}
			t := time.UnixMilli(zigzagDecode(v)).UTC()
			h.Expiration = &t
		case tagConversationID:
			v, err := expectFixed(r, wt, ConversationIDLength)
			if err != nil {
				return nil, err
			}
			h.ConversationID = v
		case tagCompression:
			v, err := expectVarint(r, wt)
			if err != nil {
				return nil, err
			}
			h.Compression = Compression(v)
		default:
			if err := skipValue(r, wt); err != nil {
				return nil, fmt.Errorf("%w: skipping unknown tag %d: %v", ErrMalformed, tag, err)
			}
		}
	}

	if h.SyncRequest && h.SyncResponse {
		return nil, fmt.Errorf("%w: message is both SyncRequest and SyncResponse", ErrMalformed)
	}

	return h, nil
}

func requiredTag(tag uint64) bool {
	return tag == tagContentLength || tag == tagStatus
}

func writeVarintField(b *bytes.Buffer, tag uint64, v uint64) {
	writeVarint(b, tag)
	b.WriteByte(wireVarint)
	writeVarint(b, v)
}

func writeBoolField(b *bytes.Buffer, tag uint64, v bool) {
	writeVarint(b, tag)
	b.WriteByte(wireBool)
	if v {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
}

func writeFixedField(b *bytes.Buffer, tag uint64, v []byte) {
	writeVarint(b, tag)
	b.WriteByte(wireFixed)
	writeVarint(b, uint64(len(v)))
	b.Write(v)
}

func writeBytesField(b *bytes.Buffer, tag uint64, v []byte) {
	writeVarint(b, tag)
	b.WriteByte(wireBytes)
	writeVarint(b, uint64(len(v)))
	b.Write(v)
}

func expectVarint(r *bytes.Reader, wt byte) (uint64, error) {
	if wt != wireVarint {
		return 0, fmt.Errorf("%w: expected varint wire type, got %d", ErrMalformed, wt)
	}
	return readVarint(r)
}

func expectBool(r *bytes.Reader, wt byte) (bool, error) {
	if wt != wireBool {
		return false, fmt.Errorf("%w: expected bool wire type, got %d", ErrMalformed, wt)
	}
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("%w: reading bool: %v", ErrMalformed, err)
	}
	if b > 1 {
		return false, fmt.Errorf("%w: invalid bool byte %d", ErrMalformed, b)
	}
	return b == 1, nil
}

func expectFixed(r *bytes.Reader, wt byte, n int) ([]byte, error) {
	if wt != wireFixed {
		return nil, fmt.Errorf("%w: expected fixed wire type, got %d", ErrMalformed, wt)
	}
	length, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading fixed field length: %v", ErrMalformed, err)
	}
	if length != uint64(n) {
		return nil, fmt.Errorf("%w: fixed field must be %d bytes, got %d", ErrMalformed, n, length)
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading fixed field: %v", ErrMalformed, err)
	}
	return buf, nil
}

func expectBytes(r *bytes.Reader, wt byte) ([]byte, error) {
	if wt != wireBytes {
		return nil, fmt.Errorf("%w: expected bytes wire type, got %d", ErrMalformed, wt)
	}
	n, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading bytes length: %v", ErrMalformed, err)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: bytes field length %d exceeds remaining header", ErrMalformed, n)
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading bytes field: %v", ErrMalformed, err)
	}
	return buf, nil
}

// skipValue advances r past a value of the given wire type without
// interpreting it, the mechanism that keeps unknown tags forward
// compatible.
func skipValue(r *bytes.Reader, wt byte) error {
	switch wt {
	case wireVarint:
		_, err := readVarint(r)
		return err
	case wireBool:
		_, err := r.ReadByte()
		return err
	case wireFixed, wireBytes:
		// Both wire types are length-prefixed, so an unknown tag of
		// either kind is skippable without knowing its semantics: read
		// the varint length, then seek past that many bytes.
		n, err := readVarint(r)
		if err != nil {
			return err
		}
		if n > uint64(r.Len()) {
			return fmt.Errorf("field length %d exceeds remaining header", n)
		}
		_, err = r.Seek(int64(n), 1)
		return err
	default:
		return fmt.Errorf("unknown wire type %d", wt)
	}
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("short read")
		}
	}
	return n, nil
}

func writeVarint(b *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		b.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	b.WriteByte(byte(v))
}

func readVarint(r *bytes.Reader) (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; i < 10; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("varint too long")
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
