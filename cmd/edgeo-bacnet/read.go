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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
)

var (
	readObject     string
	readProperty   string
	readArrayIndex int
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a property from a BACnet object",
	Long: `Read retrieves property values from BACnet objects.

Object types can be specified by name, alias or number:
  analog-input, ai, 0
  analog-output, ao, 1
  analog-value, av, 2
  binary-input, bi, 3
  binary-output, bo, 4
  binary-value, bv, 5
  device, dev, 8
  multi-state-input, msi, 13
  multi-state-output, mso, 14
  multi-state-value, msv, 19

Properties can be specified by name, alias or number:
  present-value, pv, 85
  object-name, name, 77
  description, desc, 28
  status-flags, sf, 111
  units, 117
  out-of-service, oos, 81

Examples:
  # Read present value from analog input 1
  edgeo-bacnet read -d 1234 -O analog-input:1 -P present-value

  # Read using short names and an explicit address
  edgeo-bacnet read -H 192.168.1.20 -O ai:1 -P pv

  # Read array element
  edgeo-bacnet read -d 1234 -O device:1234 -P object-list --index 1`,

	RunE: runRead,
}

func init() {
	readCmd.Flags().StringVarP(&readObject, "object", "O", "", "Object type and instance (e.g., analog-input:1 or ai:1)")
	readCmd.Flags().StringVarP(&readProperty, "property", "P", "present-value", "Property identifier")
	readCmd.Flags().IntVar(&readArrayIndex, "index", -1, "Array index (-1 for no index)")

	readCmd.MarkFlagRequired("object")
}

func runRead(cmd *cobra.Command, args []string) error {
	objectID, err := bacnet.ParseObjectIdentifier(readObject)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}

	propID, err := parsePropertyIdentifier(readProperty)
	if err != nil {
		return fmt.Errorf("invalid property: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
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

	req := bacnet.ReadPropertyRequest{
		Address:        address,
		ObjectType:     objectID.Type,
		ObjectInstance: objectID.Instance,
		PropertyID:     propID,
	}
	if readArrayIndex >= 0 {
		req.ArrayIndex = bacnet.Uint32(uint32(readArrayIndex))
	}

	pv, err := client.ReadProperty(ctx, req)
	if err != nil {
		return fmt.Errorf("read property: %w", err)
	}

	return outputValues(NewFormatter(outputFmt), []*bacnet.PropertyValue{pv})
}

func parsePropertyIdentifier(s string) (bacnet.PropertyIdentifier, error) {
	prop, ok := bacnet.ParsePropertyIdentifier(s)
	if !ok {
		return 0, fmt.Errorf("unknown property: %s", s)
	}
	return prop, nil
}

type valueRow struct {
	Object     string  `json:"object"`
	Property   string  `json:"property"`
	ArrayIndex *uint32 `json:"array_index,omitempty"`
	Tag        string  `json:"tag"`
	Value      any     `json:"value"`
}

func objectLabel(pv *bacnet.PropertyValue) string {
	return bacnet.NewObjectIdentifier(pv.ObjectType, pv.ObjectInstance).String()
}

func outputValues(f *Formatter, values []*bacnet.PropertyValue) error {
	switch f.Format() {
	case FormatJSON:
		rows := make([]valueRow, len(values))
		for i, pv := range values {
			rows[i] = valueRow{
				Object:     objectLabel(pv),
				Property:   pv.PropertyName,
				ArrayIndex: pv.ArrayIndex,
				Tag:        pv.Value.Tag.String(),
				Value:      jsonValues(pv),
			}
		}
		if len(rows) == 1 {
			return f.PrintJSON(rows[0])
		}
		return f.PrintJSON(rows)

	case FormatRaw:
		for _, pv := range values {
			f.Println(formatValues(pv))
		}
		return nil
	}

	cells := make([][]string, len(values))
	for i, pv := range values {
		index := ""
		if pv.ArrayIndex != nil {
			index = strconv.FormatUint(uint64(*pv.ArrayIndex), 10)
		}
		cells[i] = []string{objectLabel(pv), pv.PropertyName, index, pv.Value.Tag.String(), formatValues(pv)}
	}

	if f.Format() == FormatCSV {
		return f.PrintCSV([]string{"object", "property", "index", "tag", "value"}, cells)
	}
	if len(values) == 1 {
		pv := values[0]
		f.Printf("Object:   %s\n", cells[0][0])
		f.Printf("Property: %s\n", pv.PropertyName)
		if pv.ArrayIndex != nil {
			f.Printf("Index:    %d\n", *pv.ArrayIndex)
		}
		f.Printf("Value:    %s (%s)\n", cells[0][4], pv.Value.Tag)
		return nil
	}
	f.PrintTable([]string{"OBJECT", "PROPERTY", "INDEX", "TAG", "VALUE"}, cells)
	return nil
}
