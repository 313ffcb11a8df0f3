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

// Package bacnet provides a transport-independent BACnet client for
// building automation systems: device discovery and remote property
// read/write over a pluggable Transport.
package bacnet

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is the standard BACnet/IP UDP port
const DefaultPort = 47808

// MaxAPDULength is the maximum APDU length for BACnet/IP
const MaxAPDULength = 1476

// MaxInstance is the largest valid object instance number
const MaxInstance = 0x3FFFFF

// ObjectType represents BACnet object types
type ObjectType uint16

const (
	ObjectTypeAnalogInput       ObjectType = 0
	ObjectTypeAnalogOutput      ObjectType = 1
	ObjectTypeAnalogValue       ObjectType = 2
	ObjectTypeBinaryInput       ObjectType = 3
	ObjectTypeBinaryOutput      ObjectType = 4
	ObjectTypeBinaryValue       ObjectType = 5
	ObjectTypeCalendar          ObjectType = 6
	ObjectTypeCommand           ObjectType = 7
	ObjectTypeDevice            ObjectType = 8
	ObjectTypeEventEnrollment   ObjectType = 9
	ObjectTypeFile              ObjectType = 10
	ObjectTypeGroup             ObjectType = 11
	ObjectTypeLoop              ObjectType = 12
	ObjectTypeMultiStateInput   ObjectType = 13
	ObjectTypeMultiStateOutput  ObjectType = 14
	ObjectTypeNotificationClass ObjectType = 15
	ObjectTypeProgram           ObjectType = 16
	ObjectTypeSchedule          ObjectType = 17
	ObjectTypeAveraging         ObjectType = 18
	ObjectTypeMultiStateValue   ObjectType = 19
	ObjectTypeTrendLog          ObjectType = 20
	ObjectTypeLifeSafetyPoint   ObjectType = 21
	ObjectTypeLifeSafetyZone    ObjectType = 22
	ObjectTypeAccumulator       ObjectType = 23
	ObjectTypePulseConverter    ObjectType = 24
	ObjectTypeEventLog          ObjectType = 25
	ObjectTypeLoadControl       ObjectType = 28
	ObjectTypeStructuredView    ObjectType = 29
	ObjectTypeIntegerValue      ObjectType = 45
	ObjectTypeNetworkPort       ObjectType = 56
)

var objectTypeNames = map[ObjectType]string{
	ObjectTypeAnalogInput:       "analog-input",
	ObjectTypeAnalogOutput:      "analog-output",
	ObjectTypeAnalogValue:       "analog-value",
	ObjectTypeBinaryInput:       "binary-input",
	ObjectTypeBinaryOutput:      "binary-output",
	ObjectTypeBinaryValue:       "binary-value",
	ObjectTypeCalendar:          "calendar",
	ObjectTypeCommand:           "command",
	ObjectTypeDevice:            "device",
	ObjectTypeEventEnrollment:   "event-enrollment",
	ObjectTypeFile:              "file",
	ObjectTypeGroup:             "group",
	ObjectTypeLoop:              "loop",
	ObjectTypeMultiStateInput:   "multi-state-input",
	ObjectTypeMultiStateOutput:  "multi-state-output",
	ObjectTypeNotificationClass: "notification-class",
	ObjectTypeProgram:           "program",
	ObjectTypeSchedule:          "schedule",
	ObjectTypeAveraging:         "averaging",
	ObjectTypeMultiStateValue:   "multi-state-value",
	ObjectTypeTrendLog:          "trend-log",
	ObjectTypeLifeSafetyPoint:   "life-safety-point",
	ObjectTypeLifeSafetyZone:    "life-safety-zone",
	ObjectTypeAccumulator:       "accumulator",
	ObjectTypePulseConverter:    "pulse-converter",
	ObjectTypeEventLog:          "event-log",
	ObjectTypeLoadControl:       "load-control",
	ObjectTypeStructuredView:    "structured-view",
	ObjectTypeIntegerValue:      "integer-value",
	ObjectTypeNetworkPort:       "network-port",
}

func (o ObjectType) String() string {
	if name, ok := objectTypeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("vendor-specific(%d)", o)
}

var objectTypeAliases = map[string]ObjectType{
	"ai":  ObjectTypeAnalogInput,
	"ao":  ObjectTypeAnalogOutput,
	"av":  ObjectTypeAnalogValue,
	"bi":  ObjectTypeBinaryInput,
	"bo":  ObjectTypeBinaryOutput,
	"bv":  ObjectTypeBinaryValue,
	"dev": ObjectTypeDevice,
	"msi": ObjectTypeMultiStateInput,
	"mso": ObjectTypeMultiStateOutput,
	"msv": ObjectTypeMultiStateValue,
	"sch": ObjectTypeSchedule,
	"tl":  ObjectTypeTrendLog,
	"cal": ObjectTypeCalendar,
	"nc":  ObjectTypeNotificationClass,
	"prg": ObjectTypeProgram,
}

// ParseObjectType parses an object type given by name, short alias or number.
func ParseObjectType(s string) (ObjectType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.ParseUint(s, 10, 10); err == nil {
		return ObjectType(n), true
	}
	if t, ok := objectTypeAliases[s]; ok {
		return t, true
	}
	for t, name := range objectTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// PropertyIdentifier represents BACnet property identifiers
type PropertyIdentifier uint32

const (
	PropertyAll                        PropertyIdentifier = 8
	PropertyApplicationSoftwareVersion PropertyIdentifier = 12
	PropertyCOVIncrement               PropertyIdentifier = 22
	PropertyDeadband                   PropertyIdentifier = 25
	PropertyDescription                PropertyIdentifier = 28
	PropertyDeviceType                 PropertyIdentifier = 31
	PropertyEventState                 PropertyIdentifier = 36
	PropertyFirmwareRevision           PropertyIdentifier = 44
	PropertyHighLimit                  PropertyIdentifier = 45
	PropertyLocation                   PropertyIdentifier = 58
	PropertyLowLimit                   PropertyIdentifier = 59
	PropertyMaxApduLengthAccepted      PropertyIdentifier = 62
	PropertyModelName                  PropertyIdentifier = 70
	PropertyObjectIdentifier           PropertyIdentifier = 75
	PropertyObjectList                 PropertyIdentifier = 76
	PropertyObjectName                 PropertyIdentifier = 77
	PropertyObjectType                 PropertyIdentifier = 79
	PropertyOptional                   PropertyIdentifier = 80
	PropertyOutOfService               PropertyIdentifier = 81
	PropertyPresentValue               PropertyIdentifier = 85
	PropertyPriorityArray              PropertyIdentifier = 87
	PropertyProtocolVersion            PropertyIdentifier = 98
	PropertyReliability                PropertyIdentifier = 103
	PropertyRelinquishDefault          PropertyIdentifier = 104
	PropertyRequired                   PropertyIdentifier = 105
	PropertySegmentationSupported      PropertyIdentifier = 107
	PropertyStatusFlags                PropertyIdentifier = 111
	PropertySystemStatus               PropertyIdentifier = 112
	PropertyUnits                      PropertyIdentifier = 117
	PropertyVendorIdentifier           PropertyIdentifier = 120
	PropertyVendorName                 PropertyIdentifier = 121
	PropertyProtocolRevision           PropertyIdentifier = 139
	PropertyDatabaseRevision           PropertyIdentifier = 155
)

var propertyNames = map[PropertyIdentifier]string{
	PropertyAll:                        "all",
	PropertyApplicationSoftwareVersion: "application-software-version",
	PropertyCOVIncrement:               "cov-increment",
	PropertyDeadband:                   "deadband",
	PropertyDescription:                "description",
	PropertyDeviceType:                 "device-type",
	PropertyEventState:                 "event-state",
	PropertyFirmwareRevision:           "firmware-revision",
	PropertyHighLimit:                  "high-limit",
	PropertyLocation:                   "location",
	PropertyLowLimit:                   "low-limit",
	PropertyMaxApduLengthAccepted:      "max-apdu-length-accepted",
	PropertyModelName:                  "model-name",
	PropertyObjectIdentifier:           "object-identifier",
	PropertyObjectList:                 "object-list",
	PropertyObjectName:                 "object-name",
	PropertyObjectType:                 "object-type",
	PropertyOptional:                   "optional",
	PropertyOutOfService:               "out-of-service",
	PropertyPresentValue:               "present-value",
	PropertyPriorityArray:              "priority-array",
	PropertyProtocolVersion:            "protocol-version",
	PropertyReliability:                "reliability",
	PropertyRelinquishDefault:          "relinquish-default",
	PropertyRequired:                   "required",
	PropertySegmentationSupported:      "segmentation-supported",
	PropertyStatusFlags:                "status-flags",
	PropertySystemStatus:               "system-status",
	PropertyUnits:                      "units",
	PropertyVendorIdentifier:           "vendor-identifier",
	PropertyVendorName:                 "vendor-name",
	PropertyProtocolRevision:           "protocol-revision",
	PropertyDatabaseRevision:           "database-revision",
}

func (p PropertyIdentifier) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("property(%d)", p)
}

var propertyAliases = map[string]PropertyIdentifier{
	"oid":  PropertyObjectIdentifier,
	"name": PropertyObjectName,
	"type": PropertyObjectType,
	"pv":   PropertyPresentValue,
	"desc": PropertyDescription,
	"sf":   PropertyStatusFlags,
	"oos":  PropertyOutOfService,
	"pa":   PropertyPriorityArray,
	"rd":   PropertyRelinquishDefault,
}

// ParsePropertyIdentifier parses a property given by name, short alias or number.
func ParsePropertyIdentifier(s string) (PropertyIdentifier, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.ParseUint(s, 10, 22); err == nil {
		return PropertyIdentifier(n), true
	}
	if p, ok := propertyAliases[s]; ok {
		return p, true
	}
	for p, name := range propertyNames {
		if name == s {
			return p, true
		}
	}
	return 0, false
}

// ObjectIdentifier represents a BACnet object identifier (type + instance)
type ObjectIdentifier struct {
	Type     ObjectType
	Instance uint32
}

// NewObjectIdentifier creates a new ObjectIdentifier
func NewObjectIdentifier(objectType ObjectType, instance uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     objectType,
		Instance: instance,
	}
}

// Encode packs the identifier into its 32-bit wire value
func (o ObjectIdentifier) Encode() uint32 {
	return (uint32(o.Type) << 22) | (o.Instance & MaxInstance)
}

// DecodeObjectIdentifier unpacks a 32-bit wire value
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType((value >> 22) & 0x3FF),
		Instance: value & MaxInstance,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type.String(), o.Instance)
}

// ParseObjectIdentifier parses "type:instance", e.g. "analog-input:1", "ai:1" or "0:1".
func ParseObjectIdentifier(s string) (ObjectIdentifier, error) {
	typ, inst, ok := strings.Cut(s, ":")
	if !ok {
		return ObjectIdentifier{}, fmt.Errorf("expected format type:instance (e.g., analog-input:1)")
	}
	instance, err := strconv.ParseUint(inst, 10, 32)
	if err != nil || instance > MaxInstance {
		return ObjectIdentifier{}, fmt.Errorf("invalid instance number: %s", inst)
	}
	objType, found := ParseObjectType(typ)
	if !found {
		return ObjectIdentifier{}, fmt.Errorf("unknown object type: %s", typ)
	}
	return NewObjectIdentifier(objType, uint32(instance)), nil
}

// Segmentation represents the BACnet segmentation capability
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	switch s {
	case SegmentationBoth:
		return "segmented-both"
	case SegmentationTransmit:
		return "segmented-transmit"
	case SegmentationReceive:
		return "segmented-receive"
	case SegmentationNone:
		return "no-segmentation"
	default:
		return fmt.Sprintf("segmentation(%d)", s)
	}
}

// ParseSegmentation accepts the names produced by Segmentation.String,
// with or without the "segmented-" prefix, and "none".
func ParseSegmentation(s string) (Segmentation, bool) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "segmented-") {
	case "both":
		return SegmentationBoth, true
	case "transmit":
		return SegmentationTransmit, true
	case "receive":
		return SegmentationReceive, true
	case "none", "no-segmentation", "":
		return SegmentationNone, true
	}
	return 0, false
}

// ApplicationTag enumerates the BACnet application data types a value
// in a value list can carry.
type ApplicationTag uint8

const (
	TagNull            ApplicationTag = 0
	TagBoolean         ApplicationTag = 1
	TagUnsignedInt     ApplicationTag = 2
	TagSignedInt       ApplicationTag = 3
	TagReal            ApplicationTag = 4
	TagDouble          ApplicationTag = 5
	TagOctetString     ApplicationTag = 6
	TagCharacterString ApplicationTag = 7
	TagBitString       ApplicationTag = 8
	TagEnumerated      ApplicationTag = 9
	TagDate            ApplicationTag = 10
	TagTime            ApplicationTag = 11
	TagObjectID        ApplicationTag = 12
)

var applicationTagNames = [...]string{
	"null", "boolean", "unsigned", "signed", "real", "double",
	"octet-string", "character-string", "bit-string", "enumerated",
	"date", "time", "object-identifier",
}

func (t ApplicationTag) String() string {
	if int(t) < len(applicationTagNames) {
		return applicationTagNames[t]
	}
	return fmt.Sprintf("tag(%d)", t)
}

// ParseApplicationTag accepts a tag name ("real", "unsigned", ...) or
// its number.
func ParseApplicationTag(s string) (ApplicationTag, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.ParseUint(s, 10, 8); err == nil && int(n) < len(applicationTagNames) {
		return ApplicationTag(n), true
	}
	aliases := map[string]ApplicationTag{
		"bool": TagBoolean, "uint": TagUnsignedInt, "int": TagSignedInt,
		"float": TagReal, "string": TagCharacterString, "enum": TagEnumerated,
		"oid": TagObjectID,
	}
	if t, ok := aliases[s]; ok {
		return t, true
	}
	for i, name := range applicationTagNames {
		if name == s {
			return ApplicationTag(i), true
		}
	}
	return 0, false
}
