// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/edgeo-scada/bacnet/bacnet"
)

// TagClass distinguishes application tags from context tags
type TagClass uint8

const (
	TagClassApplication TagClass = 0
	TagClassContext     TagClass = 1
)

// appendTag appends a tag header for a primitive value of length octets.
func appendTag(buf []byte, num uint8, class TagClass, length int) []byte {
	first := uint8(class) << 3
	if num < 15 {
		first |= num << 4
	} else {
		first |= 0xF0
	}

	if length < 5 {
		first |= uint8(length)
	} else {
		first |= 0x05
	}
	buf = append(buf, first)
	if num >= 15 {
		buf = append(buf, num)
	}

	switch {
	case length < 5:
	case length < 254:
		buf = append(buf, byte(length))
	case length < 65536:
		buf = append(buf, 254)
		buf = binary.BigEndian.AppendUint16(buf, uint16(length))
	default:
		buf = append(buf, 255)
		buf = binary.BigEndian.AppendUint32(buf, uint32(length))
	}
	return buf
}

// AppendOpening appends an opening tag for constructed data
func AppendOpening(buf []byte, num uint8) []byte {
	if num < 15 {
		return append(buf, num<<4|0x0E)
	}
	return append(buf, 0xFE, num)
}

// AppendClosing appends a closing tag for constructed data
func AppendClosing(buf []byte, num uint8) []byte {
	if num < 15 {
		return append(buf, num<<4|0x0F)
	}
	return append(buf, 0xFF, num)
}

func unsignedOctets(v uint32) []byte {
	switch {
	case v < 0x100:
		return []byte{byte(v)}
	case v < 0x10000:
		return []byte{byte(v >> 8), byte(v)}
	case v < 0x1000000:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return binary.BigEndian.AppendUint32(nil, v)
	}
}

func signedOctets(v int32) []byte {
	switch {
	case v >= -128 && v < 128:
		return []byte{byte(v)}
	case v >= -32768 && v < 32768:
		return []byte{byte(v >> 8), byte(v)}
	case v >= -8388608 && v < 8388608:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return binary.BigEndian.AppendUint32(nil, uint32(v))
	}
}

// AppendContextUnsigned appends an unsigned integer under context tag num
func AppendContextUnsigned(buf []byte, num uint8, v uint32) []byte {
	data := unsignedOctets(v)
	return append(appendTag(buf, num, TagClassContext, len(data)), data...)
}

// AppendContextObjectID appends an object identifier under context tag num
func AppendContextObjectID(buf []byte, num uint8, oid bacnet.ObjectIdentifier) []byte {
	buf = appendTag(buf, num, TagClassContext, 4)
	return binary.BigEndian.AppendUint32(buf, oid.Encode())
}

// AppendValue appends v as an application-tagged primitive. The Go value
// is converted to the type the tag asks for, so an integer may be sent
// as a REAL and a float64 decoded from JSON as UNSIGNED.
func AppendValue(buf []byte, v bacnet.TaggedValue) ([]byte, error) {
	num := uint8(v.Tag)
	put := func(data []byte) []byte {
		return append(appendTag(buf, num, TagClassApplication, len(data)), data...)
	}

	switch v.Tag {
	case bacnet.TagNull:
		return appendTag(buf, num, TagClassApplication, 0), nil

	case bacnet.TagBoolean:
		b, ok := v.Value.(bool)
		if !ok {
			return nil, conversionError(v)
		}
		// the value lives in the length field
		length := 0
		if b {
			length = 1
		}
		return appendTag(buf, num, TagClassApplication, length), nil

	case bacnet.TagUnsignedInt, bacnet.TagEnumerated:
		n, ok := toUint32(v.Value)
		if !ok {
			return nil, conversionError(v)
		}
		return put(unsignedOctets(n)), nil

	case bacnet.TagSignedInt:
		n, ok := toInt32(v.Value)
		if !ok {
			return nil, conversionError(v)
		}
		return put(signedOctets(n)), nil

	case bacnet.TagReal:
		f, ok := toFloat64(v.Value)
		if !ok {
			return nil, conversionError(v)
		}
		return put(binary.BigEndian.AppendUint32(nil, math.Float32bits(float32(f)))), nil

	case bacnet.TagDouble:
		f, ok := toFloat64(v.Value)
		if !ok {
			return nil, conversionError(v)
		}
		return put(binary.BigEndian.AppendUint64(nil, math.Float64bits(f))), nil

	case bacnet.TagOctetString:
		b, ok := v.Value.([]byte)
		if !ok {
			return nil, conversionError(v)
		}
		return put(b), nil

	case bacnet.TagCharacterString:
		s, ok := v.Value.(string)
		if !ok {
			return nil, conversionError(v)
		}
		// character set 0 is UTF-8
		return put(append([]byte{0}, s...)), nil

	case bacnet.TagBitString:
		bits, ok := v.Value.([]bool)
		if !ok {
			return nil, conversionError(v)
		}
		return put(packBits(bits)), nil

	case bacnet.TagDate, bacnet.TagTime:
		b, ok := v.Value.([]byte)
		if !ok || len(b) != 4 {
			return nil, conversionError(v)
		}
		return put(b), nil

	case bacnet.TagObjectID:
		oid, ok := v.Value.(bacnet.ObjectIdentifier)
		if !ok {
			return nil, conversionError(v)
		}
		return put(binary.BigEndian.AppendUint32(nil, oid.Encode())), nil

	default:
		return nil, fmt.Errorf("%w: application tag %d", ErrInvalidTag, v.Tag)
	}
}

func conversionError(v bacnet.TaggedValue) error {
	return fmt.Errorf("codec: cannot encode %T as %s", v.Value, v.Tag)
}

func packBits(bits []bool) []byte {
	n := (len(bits) + 7) / 8
	out := make([]byte, 1+n)
	out[0] = byte(n*8 - len(bits)) // unused bits in the last octet
	for i, set := range bits {
		if set {
			out[1+i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

func unpackBits(data []byte) []bool {
	if len(data) < 1 {
		return nil
	}
	unused := int(data[0])
	total := (len(data)-1)*8 - unused
	if total < 0 {
		return nil
	}
	bits := make([]bool, total)
	for i := range bits {
		bits[i] = data[1+i/8]&(0x80>>(i%8)) != 0
	}
	return bits
}

func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint8:
		return uint32(n), true
	case uint16:
		return uint32(n), true
	case uint32:
		return n, true
	case uint64:
		return uint32(n), n <= math.MaxUint32
	case uint:
		return uint32(n), uint64(n) <= math.MaxUint32
	case int:
		return uint32(n), n >= 0 && int64(n) <= math.MaxUint32
	case int32:
		return uint32(n), n >= 0
	case int64:
		return uint32(n), n >= 0 && n <= math.MaxUint32
	case float64:
		return uint32(n), n >= 0 && n <= math.MaxUint32 && n == math.Trunc(n)
	default:
		return 0, false
	}
}

func toInt32(v any) (int32, bool) {
	switch n := v.(type) {
	case int32:
		return n, true
	case int:
		return int32(n), n >= math.MinInt32 && n <= math.MaxInt32
	case int64:
		return int32(n), n >= math.MinInt32 && n <= math.MaxInt32
	case int8:
		return int32(n), true
	case int16:
		return int32(n), true
	case uint32:
		return int32(n), n <= math.MaxInt32
	case float64:
		return int32(n), n >= math.MinInt32 && n <= math.MaxInt32 && n == math.Trunc(n)
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

// Tag is a decoded tag header.
type Tag struct {
	Number  uint8
	Class   TagClass
	Length  int
	Opening bool
	Closing bool
}

// Decoder reads tagged values sequentially from a service payload.
type Decoder struct {
	data []byte
	off  int
}

// NewDecoder returns a decoder over data
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Len returns the number of unread octets
func (d *Decoder) Len() int {
	return len(d.data) - d.off
}

// peek decodes the tag at the current offset without consuming it and
// returns it with the header size.
func (d *Decoder) peek() (Tag, int, error) {
	data := d.data[d.off:]
	if len(data) < 1 {
		return Tag{}, 0, fmt.Errorf("%w: unexpected end of data", ErrInvalidTag)
	}

	t := Tag{
		Number: data[0] >> 4,
		Class:  TagClass((data[0] >> 3) & 0x01),
		Length: int(data[0] & 0x07),
	}
	hdr := 1
	if t.Number == 0x0F {
		if len(data) < 2 {
			return Tag{}, 0, ErrInvalidTag
		}
		t.Number = data[1]
		hdr = 2
	}

	if t.Class == TagClassContext {
		switch t.Length {
		case 6:
			t.Opening, t.Length = true, 0
			return t, hdr, nil
		case 7:
			t.Closing, t.Length = true, 0
			return t, hdr, nil
		}
	}

	// application booleans carry their value in the length field
	if t.Class == TagClassApplication && t.Number == uint8(bacnet.TagBoolean) {
		return t, hdr, nil
	}

	if t.Length == 5 {
		if len(data) < hdr+1 {
			return Tag{}, 0, ErrInvalidTag
		}
		switch ext := data[hdr]; {
		case ext < 254:
			t.Length = int(ext)
			hdr++
		case ext == 254:
			if len(data) < hdr+3 {
				return Tag{}, 0, ErrInvalidTag
			}
			t.Length = int(binary.BigEndian.Uint16(data[hdr+1:]))
			hdr += 3
		default:
			if len(data) < hdr+5 {
				return Tag{}, 0, ErrInvalidTag
			}
			t.Length = int(binary.BigEndian.Uint32(data[hdr+1:]))
			hdr += 5
		}
	}

	if len(data) < hdr+t.Length {
		return Tag{}, 0, fmt.Errorf("%w: length %d exceeds data", ErrInvalidTag, t.Length)
	}
	return t, hdr, nil
}

// Next consumes one tag and returns it with its content octets.
func (d *Decoder) Next() (Tag, []byte, error) {
	t, hdr, err := d.peek()
	if err != nil {
		return Tag{}, nil, err
	}
	start := d.off + hdr
	content := d.data[start : start+contentLength(t)]
	d.off = start + contentLength(t)
	return t, content, nil
}

func contentLength(t Tag) int {
	if t.Opening || t.Closing {
		return 0
	}
	if t.Class == TagClassApplication && t.Number == uint8(bacnet.TagBoolean) {
		return 0
	}
	return t.Length
}

// Context consumes the primitive context tag num if it comes next. It
// reports false, consuming nothing, when the next tag is something else.
func (d *Decoder) Context(num uint8) ([]byte, bool, error) {
	if d.Len() == 0 {
		return nil, false, nil
	}
	t, _, err := d.peek()
	if err != nil {
		return nil, false, err
	}
	if t.Class != TagClassContext || t.Opening || t.Closing || t.Number != num {
		return nil, false, nil
	}
	_, content, err := d.Next()
	return content, true, err
}

// ContextUnsigned consumes a required unsigned context tag
func (d *Decoder) ContextUnsigned(num uint8) (uint32, error) {
	content, ok, err := d.Context(num)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: missing context tag %d", ErrInvalidTag, num)
	}
	return decodeUnsigned(content)
}

// ContextObjectID consumes a required object identifier context tag
func (d *Decoder) ContextObjectID(num uint8) (bacnet.ObjectIdentifier, error) {
	content, ok, err := d.Context(num)
	if err != nil {
		return bacnet.ObjectIdentifier{}, err
	}
	if !ok || len(content) != 4 {
		return bacnet.ObjectIdentifier{}, fmt.Errorf("%w: missing object identifier [%d]", ErrInvalidTag, num)
	}
	return bacnet.DecodeObjectIdentifier(binary.BigEndian.Uint32(content)), nil
}

// Opening consumes the opening tag num
func (d *Decoder) Opening(num uint8) error {
	t, _, err := d.Next()
	if err != nil {
		return err
	}
	if !t.Opening || t.Number != num {
		return fmt.Errorf("%w: expected opening tag %d", ErrInvalidTag, num)
	}
	return nil
}

// AtClosing reports whether the closing tag num comes next, consuming it
// if so.
func (d *Decoder) AtClosing(num uint8) (bool, error) {
	t, _, err := d.peek()
	if err != nil {
		return false, err
	}
	if !t.Closing || t.Number != num {
		return false, nil
	}
	_, _, err = d.Next()
	return true, err
}

// Value consumes an application-tagged primitive
func (d *Decoder) Value() (bacnet.TaggedValue, error) {
	t, content, err := d.Next()
	if err != nil {
		return bacnet.TaggedValue{}, err
	}
	if t.Class != TagClassApplication {
		return bacnet.TaggedValue{}, fmt.Errorf("%w: context tag %d where a value was expected", ErrInvalidTag, t.Number)
	}

	tag := bacnet.ApplicationTag(t.Number)
	v, err := decodeValue(tag, t, content)
	if err != nil {
		return bacnet.TaggedValue{}, err
	}
	return bacnet.TaggedValue{Tag: tag, Value: v}, nil
}

func decodeValue(tag bacnet.ApplicationTag, t Tag, content []byte) (any, error) {
	switch tag {
	case bacnet.TagNull:
		return nil, nil
	case bacnet.TagBoolean:
		return t.Length == 1, nil
	case bacnet.TagUnsignedInt, bacnet.TagEnumerated:
		return decodeUnsigned(content)
	case bacnet.TagSignedInt:
		return decodeSigned(content)
	case bacnet.TagReal:
		if len(content) != 4 {
			return nil, fmt.Errorf("%w: REAL of %d octets", ErrInvalidTag, len(content))
		}
		return math.Float32frombits(binary.BigEndian.Uint32(content)), nil
	case bacnet.TagDouble:
		if len(content) != 8 {
			return nil, fmt.Errorf("%w: DOUBLE of %d octets", ErrInvalidTag, len(content))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(content)), nil
	case bacnet.TagOctetString, bacnet.TagDate, bacnet.TagTime:
		return append([]byte(nil), content...), nil
	case bacnet.TagCharacterString:
		if len(content) < 1 {
			return "", nil
		}
		return string(content[1:]), nil
	case bacnet.TagBitString:
		return unpackBits(content), nil
	case bacnet.TagObjectID:
		if len(content) != 4 {
			return nil, fmt.Errorf("%w: object identifier of %d octets", ErrInvalidTag, len(content))
		}
		return bacnet.DecodeObjectIdentifier(binary.BigEndian.Uint32(content)), nil
	default:
		return append([]byte(nil), content...), nil
	}
}

func decodeUnsigned(data []byte) (uint32, error) {
	if len(data) < 1 || len(data) > 4 {
		return 0, fmt.Errorf("%w: unsigned of %d octets", ErrInvalidTag, len(data))
	}
	var v uint32
	for _, b := range data {
		v = v<<8 | uint32(b)
	}
	return v, nil
}

func decodeSigned(data []byte) (int32, error) {
	if len(data) < 1 || len(data) > 4 {
		return 0, fmt.Errorf("%w: signed of %d octets", ErrInvalidTag, len(data))
	}
	v := int32(int8(data[0]))
	for _, b := range data[1:] {
		v = v<<8 | int32(b)
	}
	return v, nil
}
