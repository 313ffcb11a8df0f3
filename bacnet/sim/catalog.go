package sim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/bacnet/bacnet"
)

// DefaultCatalog returns the three devices a simulated network holds
// unless WithCatalog replaces them.
func DefaultCatalog() []bacnet.Device {
	return []bacnet.Device{
		{DeviceID: 1001, Address: "192.168.1.101", MaxAPDULength: 1476, Segmentation: bacnet.SegmentationBoth, VendorID: 15},
		{DeviceID: 1002, Address: "192.168.1.102", MaxAPDULength: 480, Segmentation: bacnet.SegmentationNone, VendorID: 24},
		{DeviceID: 2001, Address: "2:0a@192.168.1.1", MaxAPDULength: 206, Segmentation: bacnet.SegmentationTransmit, VendorID: 260},
	}
}

type catalogFile struct {
	Devices []catalogEntry `yaml:"devices"`
}

type catalogEntry struct {
	DeviceID     uint32 `yaml:"device_id"`
	Address      string `yaml:"address"`
	MaxAPDU      uint16 `yaml:"max_apdu"`
	Segmentation string `yaml:"segmentation"`
	VendorID     uint16 `yaml:"vendor_id"`
}

// LoadCatalog reads a device catalog from a YAML file of the form
//
//	devices:
//	  - device_id: 1001
//	    address: 192.168.1.101
//	    max_apdu: 1476
//	    segmentation: both
//	    vendor_id: 15
func LoadCatalog(path string) ([]bacnet.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sim: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML device catalog
func ParseCatalog(data []byte) ([]bacnet.Device, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("sim: parse catalog: %w", err)
	}

	seen := make(map[uint32]bool, len(f.Devices))
	devices := make([]bacnet.Device, 0, len(f.Devices))
	for i, e := range f.Devices {
		if e.DeviceID > bacnet.MaxInstance {
			return nil, fmt.Errorf("sim: catalog entry %d: device id %d out of range", i, e.DeviceID)
		}
		if seen[e.DeviceID] {
			return nil, fmt.Errorf("sim: catalog entry %d: duplicate device id %d", i, e.DeviceID)
		}
		seen[e.DeviceID] = true

		seg, ok := bacnet.ParseSegmentation(e.Segmentation)
		if !ok {
			return nil, fmt.Errorf("sim: catalog entry %d: unknown segmentation %q", i, e.Segmentation)
		}
		maxAPDU := e.MaxAPDU
		if maxAPDU == 0 {
			maxAPDU = bacnet.MaxAPDULength
		}
		devices = append(devices, bacnet.Device{
			DeviceID:      e.DeviceID,
			Address:       e.Address,
			MaxAPDULength: maxAPDU,
			Segmentation:  seg,
			VendorID:      e.VendorID,
		})
	}
	return devices, nil
}

// simulatedObjects is the object list every simulated device reports,
// after its own device object.
var simulatedObjects = []bacnet.ObjectIdentifier{
	bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 0),
	bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1),
	bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, 0),
	bacnet.NewObjectIdentifier(bacnet.ObjectTypeBinaryInput, 0),
	bacnet.NewObjectIdentifier(bacnet.ObjectTypeBinaryValue, 0),
}

// defaultRead fabricates plausible values: names and object lists are
// derived from the request, present values are random.
func (t *Transport) defaultRead(req bacnet.ReadPropertyRequest) ([]bacnet.TaggedValue, error) {
	switch req.PropertyID {
	case bacnet.PropertyObjectName:
		name := fmt.Sprintf("SIM-%s-%d", req.ObjectType, req.ObjectInstance)
		return []bacnet.TaggedValue{{Tag: bacnet.TagCharacterString, Value: name}}, nil

	case bacnet.PropertyObjectIdentifier:
		return []bacnet.TaggedValue{{Tag: bacnet.TagObjectID, Value: req.ObjectID()}}, nil

	case bacnet.PropertyObjectType:
		return []bacnet.TaggedValue{{Tag: bacnet.TagEnumerated, Value: uint32(req.ObjectType)}}, nil

	case bacnet.PropertyObjectList:
		if req.ObjectType != bacnet.ObjectTypeDevice {
			return nil, bacnet.NewBACnetError(bacnet.ErrorClassProperty, bacnet.ErrorCodeUnknownProperty)
		}
		return objectList(req)

	case bacnet.PropertyStatusFlags:
		return []bacnet.TaggedValue{{Tag: bacnet.TagBitString, Value: []bool{false, false, false, false}}}, nil

	case bacnet.PropertyVendorName:
		return []bacnet.TaggedValue{{Tag: bacnet.TagCharacterString, Value: "Edgeo Simulator"}}, nil
	}

	switch req.ObjectType {
	case bacnet.ObjectTypeBinaryInput, bacnet.ObjectTypeBinaryOutput, bacnet.ObjectTypeBinaryValue:
		t.mu.Lock()
		v := uint32(t.rng.Intn(2))
		t.mu.Unlock()
		return []bacnet.TaggedValue{{Tag: bacnet.TagEnumerated, Value: v}}, nil
	}

	t.mu.Lock()
	v := float32(t.rng.Float64() * 100)
	t.mu.Unlock()
	return []bacnet.TaggedValue{{Tag: bacnet.TagReal, Value: v}}, nil
}

func objectList(req bacnet.ReadPropertyRequest) ([]bacnet.TaggedValue, error) {
	objects := append([]bacnet.ObjectIdentifier{req.ObjectID()}, simulatedObjects...)

	if req.ArrayIndex != nil {
		idx := *req.ArrayIndex
		if idx == 0 {
			return []bacnet.TaggedValue{{Tag: bacnet.TagUnsignedInt, Value: uint32(len(objects))}}, nil
		}
		if int(idx) > len(objects) {
			return nil, bacnet.NewBACnetError(bacnet.ErrorClassProperty, bacnet.ErrorCodeInvalidArrayIndex)
		}
		return []bacnet.TaggedValue{{Tag: bacnet.TagObjectID, Value: objects[idx-1]}}, nil
	}

	values := make([]bacnet.TaggedValue, len(objects))
	for i, oid := range objects {
		values[i] = bacnet.TaggedValue{Tag: bacnet.TagObjectID, Value: oid}
	}
	return values, nil
}

func defaultWrite(req bacnet.WritePropertyRequest, _ []bacnet.TaggedValue) (*bacnet.WriteAck, error) {
	return &bacnet.WriteAck{
		Address:    req.Address,
		ObjectID:   req.ObjectID(),
		PropertyID: req.PropertyID,
	}, nil
}
