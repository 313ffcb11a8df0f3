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

package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
)

var (
	dumpFile       string
	dumpProperties []string
	dumpObjects    []string
	dumpAll        bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump all objects and properties from a device",
	Long: `Dump reads all objects and their properties from a BACnet device.

This is useful for device configuration backup, documentation, or debugging.

Examples:
  # Dump all objects to stdout
  edgeo-bacnet dump -d 1234

  # Dump to a JSON file
  edgeo-bacnet dump -d 1234 -f device_backup.json -o json

  # Dump specific object types
  edgeo-bacnet dump -d 1234 --objects analog-input,analog-output

  # Dump specific properties
  edgeo-bacnet dump -d 1234 --props present-value,object-name,description`,

	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpFile, "file", "f", "", "Output file (default: stdout)")
	dumpCmd.Flags().StringSliceVar(&dumpProperties, "props", []string{"present-value", "object-name", "description", "units", "status-flags"}, "Properties to read")
	dumpCmd.Flags().StringSliceVar(&dumpObjects, "objects", nil, "Object types to include (default: all)")
	dumpCmd.Flags().BoolVar(&dumpAll, "all", false, "Dump all common properties (may be slow)")
}

// allDumpProperties is the property set --all reads
var allDumpProperties = []bacnet.PropertyIdentifier{
	bacnet.PropertyObjectIdentifier,
	bacnet.PropertyObjectName,
	bacnet.PropertyObjectType,
	bacnet.PropertyPresentValue,
	bacnet.PropertyDescription,
	bacnet.PropertyStatusFlags,
	bacnet.PropertyEventState,
	bacnet.PropertyReliability,
	bacnet.PropertyOutOfService,
	bacnet.PropertyUnits,
	bacnet.PropertyPriorityArray,
	bacnet.PropertyRelinquishDefault,
	bacnet.PropertyCOVIncrement,
	bacnet.PropertyHighLimit,
	bacnet.PropertyLowLimit,
}

type DumpObject struct {
	ObjectID   string         `json:"object_id"`
	ObjectType string         `json:"object_type"`
	Instance   uint32         `json:"instance"`
	Properties map[string]any `json:"properties"`
}

type DumpResult struct {
	DeviceID  uint32       `json:"device_id"`
	Address   string       `json:"address"`
	Timestamp time.Time    `json:"timestamp"`
	Objects   []DumpObject `json:"objects"`
}

func runDump(cmd *cobra.Command, args []string) error {
	if deviceID == 0 {
		return fmt.Errorf("device ID is required (-d or --device)")
	}

	props, err := dumpPropertyList()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	client, release, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer release()

	address, err := resolveAddress(ctx, client)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Retrieving object list...")

	objects, err := client.ObjectList(ctx, address, deviceID)
	if err != nil {
		return fmt.Errorf("get object list: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Found %d objects\n", len(objects))

	if len(dumpObjects) > 0 {
		objects, err = filterObjects(objects, dumpObjects)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Filtered to %d objects\n", len(objects))
	}

	result := DumpResult{
		DeviceID:  deviceID,
		Address:   address,
		Timestamp: time.Now(),
		Objects:   make([]DumpObject, 0, len(objects)),
	}

	for i, obj := range objects {
		fmt.Fprintf(os.Stderr, "\rReading object %d/%d: %s", i+1, len(objects), obj)
		result.Objects = append(result.Objects, dumpObject(ctx, client, address, obj, props))
	}

	fmt.Fprintln(os.Stderr, "\nDump complete")

	var out io.Writer = os.Stdout
	if dumpFile != "" {
		file, err := os.Create(dumpFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer file.Close()
		out = file
	}

	f := NewFormatter(outputFmt)
	f.SetWriter(out)
	switch f.Format() {
	case FormatJSON:
		return f.PrintJSON(result)
	case FormatCSV:
		return outputDumpCSV(f, result, props)
	default:
		outputDumpTable(f, result)
		return nil
	}
}

func dumpPropertyList() ([]bacnet.PropertyIdentifier, error) {
	if dumpAll {
		return allDumpProperties, nil
	}
	props := make([]bacnet.PropertyIdentifier, 0, len(dumpProperties))
	for _, s := range dumpProperties {
		prop, err := parsePropertyIdentifier(s)
		if err != nil {
			return nil, err
		}
		props = append(props, prop)
	}
	return props, nil
}

func filterObjects(objects []bacnet.ObjectIdentifier, types []string) ([]bacnet.ObjectIdentifier, error) {
	want := make(map[bacnet.ObjectType]bool, len(types))
	for _, s := range types {
		objType, ok := bacnet.ParseObjectType(s)
		if !ok {
			return nil, fmt.Errorf("unknown object type: %s", s)
		}
		want[objType] = true
	}
	return slices.DeleteFunc(objects, func(o bacnet.ObjectIdentifier) bool {
		return !want[o.Type]
	}), nil
}

// dumpObject reads every property of obj as a batch. When the batch
// fails, typically because the object lacks one of the properties, the
// properties are read one by one and the missing ones skipped.
func dumpObject(ctx context.Context, client *bacnet.Client, address string, obj bacnet.ObjectIdentifier, props []bacnet.PropertyIdentifier) DumpObject {
	out := DumpObject{
		ObjectID:   obj.String(),
		ObjectType: obj.Type.String(),
		Instance:   obj.Instance,
		Properties: make(map[string]any, len(props)),
	}

	reqs := make([]bacnet.ReadPropertyRequest, len(props))
	for i, prop := range props {
		reqs[i] = bacnet.ReadPropertyRequest{
			Address:        address,
			ObjectType:     obj.Type,
			ObjectInstance: obj.Instance,
			PropertyID:     prop,
		}
	}

	if values, err := client.ReadProperties(ctx, reqs); err == nil {
		for i, pv := range values {
			out.Properties[props[i].String()] = jsonValues(pv)
		}
		return out
	}

	for i, req := range reqs {
		pv, err := client.ReadProperty(ctx, req)
		if err != nil {
			continue
		}
		out.Properties[props[i].String()] = jsonValues(pv)
	}
	return out
}

func outputDumpCSV(f *Formatter, result DumpResult, props []bacnet.PropertyIdentifier) error {
	header := []string{"object_id", "object_type", "instance"}
	for _, p := range props {
		header = append(header, p.String())
	}

	rows := make([][]string, 0, len(result.Objects))
	for _, obj := range result.Objects {
		row := []string{obj.ObjectID, obj.ObjectType, strconv.FormatUint(uint64(obj.Instance), 10)}
		for _, p := range props {
			val, ok := obj.Properties[p.String()]
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, fmt.Sprintf("%v", val))
		}
		rows = append(rows, row)
	}
	return f.PrintCSV(header, rows)
}

func outputDumpTable(f *Formatter, result DumpResult) {
	f.Printf("Device %d (%s) - %d objects\n", result.DeviceID, result.Address, len(result.Objects))
	f.Printf("Timestamp: %s\n\n", result.Timestamp.Format(time.RFC3339))

	for _, obj := range result.Objects {
		f.Printf("=== %s ===\n", obj.ObjectID)
		for _, prop := range slices.Sorted(maps.Keys(obj.Properties)) {
			f.Printf("  %-25s: %s\n", prop, formatValue(obj.Properties[prop]))
		}
		f.Println()
	}
}
