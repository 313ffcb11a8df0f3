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

// Package codec implements the BACnet/IP framing (BVLC, NPDU, APDU) and
// the tag encoding used by the ReadProperty, WriteProperty, Who-Is and
// I-Am services.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Framing errors
var (
	ErrInvalidBVLC    = errors.New("codec: invalid BVLC header")
	ErrInvalidNPDU    = errors.New("codec: invalid NPDU")
	ErrInvalidAPDU    = errors.New("codec: invalid APDU")
	ErrInvalidTag     = errors.New("codec: invalid tag")
	ErrNetworkLayer   = errors.New("codec: network layer message")
	ErrUnsupportedPDU = errors.New("codec: unsupported PDU")
)

const bvlcTypeBACnetIP = 0x81

// BVLCFunction is the BACnet Virtual Link Control function code
type BVLCFunction uint8

const (
	BVLCResult                BVLCFunction = 0x00
	BVLCForwardedNPDU         BVLCFunction = 0x04
	BVLCRegisterForeignDevice BVLCFunction = 0x05
	BVLCOriginalUnicastNPDU   BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU BVLCFunction = 0x0B
)

// NPDUControl is the network layer control octet
type NPDUControl uint8

const (
	NPDUControlNetworkLayerMessage NPDUControl = 0x80
	NPDUControlDestSpecifier       NPDUControl = 0x20
	NPDUControlSourceSpecifier     NPDUControl = 0x08
	NPDUControlExpectingReply      NPDUControl = 0x04
	NPDUControlPriorityNormal      NPDUControl = 0x00
)

// PDUType is the application layer PDU type (high nibble of the first octet)
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

// ConfirmedService is a confirmed service choice
type ConfirmedService uint8

const (
	ServiceReadProperty  ConfirmedService = 12
	ServiceWriteProperty ConfirmedService = 15
)

// UnconfirmedService is an unconfirmed service choice
type UnconfirmedService uint8

const (
	ServiceIAm   UnconfirmedService = 0
	ServiceWhoIs UnconfirmedService = 8
)

// Frame is a decoded BACnet/IP datagram.
type Frame struct {
	Function BVLCFunction

	// Origin is the original sender of a forwarded NPDU. It is invalid
	// for frames that were not forwarded by a BBMD.
	Origin netip.AddrPort

	// SrcNet and SrcAddr are set when the message was routed from a
	// remote BACnet network.
	SrcNet  uint16
	SrcAddr []byte

	APDU APDU
}

// APDU is the application layer part of a frame.
type APDU struct {
	Type      PDUType
	Segmented bool
	InvokeID  uint8

	// Service holds the service choice, or the reason code of a
	// Reject or Abort.
	Service uint8

	// Server is set on an Abort sent by the server.
	Server bool
	Data   []byte
}

// EncodeFrame wraps an APDU in an NPDU and BVLC header for a device on
// the local network.
func EncodeFrame(fn BVLCFunction, expectingReply bool, apdu []byte) []byte {
	return encodeFrame(fn, expectingReply, nil, apdu)
}

// Route is the remote BACnet network and MAC of a routed destination
type Route struct {
	Net uint16
	MAC []byte
}

// EncodeRoutedFrame is EncodeFrame for a device behind a router.
func EncodeRoutedFrame(fn BVLCFunction, expectingReply bool, route Route, apdu []byte) []byte {
	return encodeFrame(fn, expectingReply, &route, apdu)
}

func encodeFrame(fn BVLCFunction, expectingReply bool, route *Route, apdu []byte) []byte {
	control := NPDUControlPriorityNormal
	if expectingReply {
		control |= NPDUControlExpectingReply
	}

	npdu := []byte{0x01, 0}
	if route != nil {
		control |= NPDUControlDestSpecifier
		npdu = binary.BigEndian.AppendUint16(npdu, route.Net)
		npdu = append(npdu, byte(len(route.MAC)))
		npdu = append(npdu, route.MAC...)
		npdu = append(npdu, 0xFF) // hop count
	}
	npdu[1] = byte(control)

	total := 4 + len(npdu) + len(apdu)
	buf := make([]byte, 4, total)
	buf[0] = bvlcTypeBACnetIP
	buf[1] = byte(fn)
	binary.BigEndian.PutUint16(buf[2:], uint16(total))
	buf = append(buf, npdu...)
	return append(buf, apdu...)
}

// DecodeFrame parses a BACnet/IP datagram down to its APDU. Network
// layer messages are reported as ErrNetworkLayer.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < 4 || data[0] != bvlcTypeBACnetIP {
		return nil, ErrInvalidBVLC
	}
	if n := int(binary.BigEndian.Uint16(data[2:4])); n != len(data) {
		return nil, fmt.Errorf("%w: length %d, datagram %d", ErrInvalidBVLC, n, len(data))
	}

	f := &Frame{Function: BVLCFunction(data[1])}
	rest := data[4:]

	switch f.Function {
	case BVLCOriginalUnicastNPDU, BVLCOriginalBroadcastNPDU:
	case BVLCForwardedNPDU:
		if len(rest) < 6 {
			return nil, ErrInvalidBVLC
		}
		ip, _ := netip.AddrFromSlice(rest[:4])
		f.Origin = netip.AddrPortFrom(ip, binary.BigEndian.Uint16(rest[4:6]))
		rest = rest[6:]
	default:
		return nil, fmt.Errorf("%w: function %#02x carries no NPDU", ErrInvalidBVLC, f.Function)
	}

	apdu, err := f.decodeNPDU(rest)
	if err != nil {
		return nil, err
	}
	if err := f.APDU.decode(apdu); err != nil {
		return nil, err
	}
	return f, nil
}

// decodeNPDU fills the routing fields and returns the APDU octets.
func (f *Frame) decodeNPDU(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, ErrInvalidNPDU
	}
	if data[0] != 0x01 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidNPDU, data[0])
	}
	control := NPDUControl(data[1])
	off := 2

	if control&NPDUControlDestSpecifier != 0 {
		if len(data) < off+3 {
			return nil, ErrInvalidNPDU
		}
		n := int(data[off+2])
		off += 3 + n
		if len(data) < off {
			return nil, ErrInvalidNPDU
		}
	}

	if control&NPDUControlSourceSpecifier != 0 {
		if len(data) < off+3 {
			return nil, ErrInvalidNPDU
		}
		f.SrcNet = binary.BigEndian.Uint16(data[off:])
		n := int(data[off+2])
		off += 3
		if len(data) < off+n {
			return nil, ErrInvalidNPDU
		}
		f.SrcAddr = append([]byte(nil), data[off:off+n]...)
		off += n
	}

	// hop count follows the addresses when a destination is present
	if control&NPDUControlDestSpecifier != 0 {
		if len(data) < off+1 {
			return nil, ErrInvalidNPDU
		}
		off++
	}

	if control&NPDUControlNetworkLayerMessage != 0 {
		return nil, ErrNetworkLayer
	}
	return data[off:], nil
}

func (a *APDU) decode(data []byte) error {
	if len(data) < 1 {
		return ErrInvalidAPDU
	}
	a.Type = PDUType(data[0] & 0xF0)

	need := map[PDUType]int{
		PDUTypeConfirmedRequest:   4,
		PDUTypeUnconfirmedRequest: 2,
		PDUTypeSimpleAck:          3,
		PDUTypeComplexAck:         3,
		PDUTypeError:              3,
		PDUTypeReject:             3,
		PDUTypeAbort:              3,
	}
	n, ok := need[a.Type]
	if !ok {
		return fmt.Errorf("%w: type %#02x", ErrUnsupportedPDU, a.Type)
	}
	if len(data) < n {
		return ErrInvalidAPDU
	}

	switch a.Type {
	case PDUTypeConfirmedRequest:
		a.Segmented = data[0]&0x08 != 0
		a.InvokeID = data[2]
		a.Service = data[3]
		a.Data = data[4:]
	case PDUTypeUnconfirmedRequest:
		a.Service = data[1]
		a.Data = data[2:]
	case PDUTypeComplexAck:
		a.Segmented = data[0]&0x08 != 0
		a.InvokeID = data[1]
		a.Service = data[2]
		a.Data = data[3:]
	case PDUTypeAbort:
		a.Server = data[0]&0x01 != 0
		a.InvokeID = data[1]
		a.Service = data[2]
	default:
		a.InvokeID = data[1]
		a.Service = data[2]
		a.Data = data[3:]
	}

	if a.Segmented {
		return fmt.Errorf("%w: segmented message", ErrUnsupportedPDU)
	}
	return nil
}

// maxAPDUCode maps an accepted APDU size to its 4-bit encoding.
func maxAPDUCode(size int) uint8 {
	switch {
	case size >= 1476:
		return 5
	case size >= 1024:
		return 4
	case size >= 480:
		return 3
	case size >= 206:
		return 2
	case size >= 128:
		return 1
	default:
		return 0
	}
}

// EncodeConfirmedRequest builds an unsegmented confirmed request APDU.
func EncodeConfirmedRequest(invokeID uint8, service ConfirmedService, maxAPDU int, data []byte) []byte {
	buf := make([]byte, 0, 4+len(data))
	buf = append(buf, byte(PDUTypeConfirmedRequest), maxAPDUCode(maxAPDU), invokeID, byte(service))
	return append(buf, data...)
}

// EncodeUnconfirmedRequest builds an unconfirmed request APDU.
func EncodeUnconfirmedRequest(service UnconfirmedService, data []byte) []byte {
	buf := make([]byte, 0, 2+len(data))
	buf = append(buf, byte(PDUTypeUnconfirmedRequest), byte(service))
	return append(buf, data...)
}

// EncodeSimpleAck builds a Simple-ACK APDU.
func EncodeSimpleAck(invokeID uint8, service ConfirmedService) []byte {
	return []byte{byte(PDUTypeSimpleAck), invokeID, byte(service)}
}

// EncodeComplexAck builds an unsegmented Complex-ACK APDU.
func EncodeComplexAck(invokeID uint8, service ConfirmedService, data []byte) []byte {
	buf := make([]byte, 0, 3+len(data))
	buf = append(buf, byte(PDUTypeComplexAck), invokeID, byte(service))
	return append(buf, data...)
}
