package codec

import (
	"fmt"

	"github.com/edgeo-scada/bacnet/bacnet"
)

// IAm is the decoded payload of an I-Am announcement
type IAm struct {
	Device        bacnet.ObjectIdentifier
	MaxAPDULength uint16
	Segmentation  bacnet.Segmentation
	VendorID      uint16
}

// EncodeWhoIs builds the Who-Is service data. The range is only encoded
// when both limits are given.
func EncodeWhoIs(low, high *uint32) []byte {
	if low == nil || high == nil {
		return nil
	}
	var buf []byte
	buf = AppendContextUnsigned(buf, 0, *low)
	return AppendContextUnsigned(buf, 1, *high)
}

// DecodeWhoIs parses Who-Is service data. Both limits are nil when the
// request has no range.
func DecodeWhoIs(data []byte) (low, high *uint32, err error) {
	if len(data) == 0 {
		return nil, nil, nil
	}
	d := NewDecoder(data)
	lo, err := d.ContextUnsigned(0)
	if err != nil {
		return nil, nil, err
	}
	hi, err := d.ContextUnsigned(1)
	if err != nil {
		return nil, nil, err
	}
	return &lo, &hi, nil
}

// EncodeIAm builds the I-Am service data
func EncodeIAm(a IAm) []byte {
	buf, _ := AppendValue(nil, bacnet.TaggedValue{Tag: bacnet.TagObjectID, Value: a.Device})
	buf, _ = AppendValue(buf, bacnet.TaggedValue{Tag: bacnet.TagUnsignedInt, Value: uint32(a.MaxAPDULength)})
	buf, _ = AppendValue(buf, bacnet.TaggedValue{Tag: bacnet.TagEnumerated, Value: uint32(a.Segmentation)})
	buf, _ = AppendValue(buf, bacnet.TaggedValue{Tag: bacnet.TagUnsignedInt, Value: uint32(a.VendorID)})
	return buf
}

// DecodeIAm parses I-Am service data
func DecodeIAm(data []byte) (IAm, error) {
	d := NewDecoder(data)
	want := []bacnet.ApplicationTag{
		bacnet.TagObjectID, bacnet.TagUnsignedInt, bacnet.TagEnumerated, bacnet.TagUnsignedInt,
	}
	values := make([]any, len(want))
	for i, tag := range want {
		v, err := d.Value()
		if err != nil {
			return IAm{}, fmt.Errorf("decode I-Am: %w", err)
		}
		if v.Tag != tag {
			return IAm{}, fmt.Errorf("%w: I-Am field %d is %s, want %s", ErrInvalidTag, i, v.Tag, tag)
		}
		values[i] = v.Value
	}

	oid := values[0].(bacnet.ObjectIdentifier)
	if oid.Type != bacnet.ObjectTypeDevice {
		return IAm{}, fmt.Errorf("%w: I-Am for %s", ErrInvalidTag, oid)
	}
	return IAm{
		Device:        oid,
		MaxAPDULength: uint16(values[1].(uint32)),
		Segmentation:  bacnet.Segmentation(values[2].(uint32)),
		VendorID:      uint16(values[3].(uint32)),
	}, nil
}

// EncodeReadProperty builds the ReadProperty request data
func EncodeReadProperty(oid bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier, arrayIndex *uint32) []byte {
	buf := make([]byte, 0, 16)
	buf = AppendContextObjectID(buf, 0, oid)
	buf = AppendContextUnsigned(buf, 1, uint32(prop))
	if arrayIndex != nil {
		buf = AppendContextUnsigned(buf, 2, *arrayIndex)
	}
	return buf
}

// DecodeReadProperty parses ReadProperty request data
func DecodeReadProperty(data []byte) (bacnet.ObjectIdentifier, bacnet.PropertyIdentifier, *uint32, error) {
	d := NewDecoder(data)
	oid, err := d.ContextObjectID(0)
	if err != nil {
		return oid, 0, nil, err
	}
	prop, err := d.ContextUnsigned(1)
	if err != nil {
		return oid, 0, nil, err
	}
	idx, err := optionalUnsigned(d, 2)
	return oid, bacnet.PropertyIdentifier(prop), idx, err
}

// EncodeReadPropertyAck builds the ReadProperty Complex-ACK data
func EncodeReadPropertyAck(ack bacnet.ReadAck) ([]byte, error) {
	buf := EncodeReadProperty(ack.ObjectID, ack.PropertyID, ack.ArrayIndex)
	buf = AppendOpening(buf, 3)
	for _, v := range ack.Values {
		var err error
		if buf, err = AppendValue(buf, v); err != nil {
			return nil, err
		}
	}
	return AppendClosing(buf, 3), nil
}

// DecodeReadPropertyAck parses the ReadProperty Complex-ACK data and
// returns every value inside the property-value envelope.
func DecodeReadPropertyAck(data []byte) (*bacnet.ReadAck, error) {
	d := NewDecoder(data)
	oid, err := d.ContextObjectID(0)
	if err != nil {
		return nil, err
	}
	prop, err := d.ContextUnsigned(1)
	if err != nil {
		return nil, err
	}
	idx, err := optionalUnsigned(d, 2)
	if err != nil {
		return nil, err
	}

	values, err := decodeValueList(d, 3)
	if err != nil {
		return nil, err
	}
	return &bacnet.ReadAck{
		ObjectID:   oid,
		PropertyID: bacnet.PropertyIdentifier(prop),
		ArrayIndex: idx,
		Values:     values,
	}, nil
}

// EncodeWriteProperty builds the WriteProperty request data
func EncodeWriteProperty(oid bacnet.ObjectIdentifier, prop bacnet.PropertyIdentifier, arrayIndex *uint32, values []bacnet.TaggedValue, priority *uint8) ([]byte, error) {
	buf := EncodeReadProperty(oid, prop, arrayIndex)
	buf = AppendOpening(buf, 3)
	for _, v := range values {
		var err error
		if buf, err = AppendValue(buf, v); err != nil {
			return nil, err
		}
	}
	buf = AppendClosing(buf, 3)
	if priority != nil {
		buf = AppendContextUnsigned(buf, 4, uint32(*priority))
	}
	return buf, nil
}

// WriteRequest is a decoded WriteProperty request
type WriteRequest struct {
	ObjectID   bacnet.ObjectIdentifier
	PropertyID bacnet.PropertyIdentifier
	ArrayIndex *uint32
	Values     []bacnet.TaggedValue
	Priority   *uint8
}

// DecodeWriteProperty parses WriteProperty request data
func DecodeWriteProperty(data []byte) (*WriteRequest, error) {
	d := NewDecoder(data)
	oid, err := d.ContextObjectID(0)
	if err != nil {
		return nil, err
	}
	prop, err := d.ContextUnsigned(1)
	if err != nil {
		return nil, err
	}
	idx, err := optionalUnsigned(d, 2)
	if err != nil {
		return nil, err
	}
	values, err := decodeValueList(d, 3)
	if err != nil {
		return nil, err
	}
	prio, err := optionalUnsigned(d, 4)
	if err != nil {
		return nil, err
	}

	req := &WriteRequest{
		ObjectID:   oid,
		PropertyID: bacnet.PropertyIdentifier(prop),
		ArrayIndex: idx,
		Values:     values,
	}
	if prio != nil {
		p := uint8(*prio)
		req.Priority = &p
	}
	return req, nil
}

// EncodeError builds the data of an Error PDU
func EncodeError(class bacnet.ErrorClass, code bacnet.ErrorCode) []byte {
	buf, _ := AppendValue(nil, bacnet.TaggedValue{Tag: bacnet.TagEnumerated, Value: uint32(class)})
	buf, _ = AppendValue(buf, bacnet.TaggedValue{Tag: bacnet.TagEnumerated, Value: uint32(code)})
	return buf
}

// DecodeError parses the data of an Error PDU
func DecodeError(data []byte) (*bacnet.BACnetError, error) {
	d := NewDecoder(data)
	class, err := d.Value()
	if err != nil {
		return nil, err
	}
	code, err := d.Value()
	if err != nil {
		return nil, err
	}
	c1, ok1 := class.Value.(uint32)
	c2, ok2 := code.Value.(uint32)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: error class/code are %s/%s", ErrInvalidTag, class.Tag, code.Tag)
	}
	return bacnet.NewBACnetError(bacnet.ErrorClass(c1), bacnet.ErrorCode(c2)), nil
}

func optionalUnsigned(d *Decoder, num uint8) (*uint32, error) {
	content, ok, err := d.Context(num)
	if err != nil || !ok {
		return nil, err
	}
	v, err := decodeUnsigned(content)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeValueList(d *Decoder, num uint8) ([]bacnet.TaggedValue, error) {
	if err := d.Opening(num); err != nil {
		return nil, err
	}
	var values []bacnet.TaggedValue
	for {
		done, err := d.AtClosing(num)
		if err != nil {
			return nil, err
		}
		if done {
			return values, nil
		}
		v, err := d.Value()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
}
