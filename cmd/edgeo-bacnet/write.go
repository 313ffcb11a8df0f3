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
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
)

var (
	writeObject     string
	writeProperty   string
	writeValue      string
	writeTag        string
	writePriority   int
	writeArrayIndex int
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a property to a BACnet object",
	Long: `Write sets property values on BACnet objects.

Value types are detected automatically unless --tag names one:
  - Numbers: 123 (unsigned), -10 (signed), 45.67 (real)
  - Booleans: true, false, active, inactive
  - Strings: "text value"
  - Null: null (to release a priority)

Examples:
  # Write present value to analog output
  edgeo-bacnet write -d 1234 -O analog-output:1 -P present-value -V 75.5

  # Write with priority
  edgeo-bacnet write -d 1234 -O binary-output:1 -P present-value -V 1 --tag enumerated --priority 8

  # Release a priority (write null)
  edgeo-bacnet write -d 1234 -O analog-output:1 -P present-value -V null --priority 8

  # Write object name
  edgeo-bacnet write -d 1234 -O analog-value:1 -P object-name -V "Temperature Setpoint"`,

	RunE: runWrite,
}

func init() {
	writeCmd.Flags().StringVarP(&writeObject, "object", "O", "", "Object type and instance (e.g., analog-output:1)")
	writeCmd.Flags().StringVarP(&writeProperty, "property", "P", "present-value", "Property identifier")
	writeCmd.Flags().StringVarP(&writeValue, "value", "V", "", "Value to write")
	writeCmd.Flags().StringVar(&writeTag, "tag", "", "Application tag of the value (real, unsigned, enumerated, ...)")
	writeCmd.Flags().IntVar(&writePriority, "priority", 0, "Write priority (1-16, 0 for no priority)")
	writeCmd.Flags().IntVar(&writeArrayIndex, "index", -1, "Array index (-1 for no index)")

	writeCmd.MarkFlagRequired("object")
	writeCmd.MarkFlagRequired("value")
}

func runWrite(cmd *cobra.Command, args []string) error {
	objectID, err := bacnet.ParseObjectIdentifier(writeObject)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}

	propID, err := parsePropertyIdentifier(writeProperty)
	if err != nil {
		return fmt.Errorf("invalid property: %w", err)
	}

	tag, value, err := parseTypedValue(writeValue, writeTag)
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
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

	req := bacnet.WritePropertyRequest{
		Address:        address,
		ObjectType:     objectID.Type,
		ObjectInstance: objectID.Instance,
		PropertyID:     propID,
		Tag:            tag,
		Value:          value,
	}
	if writePriority != 0 {
		if writePriority < 0 || writePriority > 16 {
			return bacnet.ErrInvalidPriority
		}
		req.Priority = bacnet.Priority(uint8(writePriority))
	}
	if writeArrayIndex >= 0 {
		req.ArrayIndex = bacnet.Uint32(uint32(writeArrayIndex))
	}

	if _, err := client.WriteProperty(ctx, req); err != nil {
		return fmt.Errorf("write property: %w", err)
	}

	fmt.Printf("Successfully wrote %s to %s.%s\n", formatValue(value), objectID, propID)
	return nil
}

// parseTypedValue converts s into a value for tagName, or guesses the
// tag from the text when tagName is empty.
func parseTypedValue(s, tagName string) (bacnet.ApplicationTag, any, error) {
	if tagName == "" {
		tag, v := parseValue(s)
		return tag, v, nil
	}

	tag, ok := bacnet.ParseApplicationTag(tagName)
	if !ok {
		return 0, nil, fmt.Errorf("unknown tag %q", tagName)
	}
	s = strings.TrimSpace(s)

	switch tag {
	case bacnet.TagNull:
		return tag, nil, nil
	case bacnet.TagBoolean:
		b, ok := parseBool(s)
		if !ok {
			return 0, nil, fmt.Errorf("%q is not a boolean", s)
		}
		return tag, b, nil
	case bacnet.TagUnsignedInt, bacnet.TagEnumerated:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, nil, err
		}
		return tag, uint32(n), nil
	case bacnet.TagSignedInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return 0, nil, err
		}
		return tag, int32(n), nil
	case bacnet.TagReal:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, nil, err
		}
		return tag, float32(f), nil
	case bacnet.TagDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, nil, err
		}
		return tag, f, nil
	case bacnet.TagOctetString, bacnet.TagDate, bacnet.TagTime:
		b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return 0, nil, err
		}
		return tag, b, nil
	case bacnet.TagCharacterString:
		return tag, unquote(s), nil
	case bacnet.TagBitString:
		bits := make([]bool, len(s))
		for i, c := range s {
			switch c {
			case '0':
			case '1':
				bits[i] = true
			default:
				return 0, nil, fmt.Errorf("%q is not a bit string", s)
			}
		}
		return tag, bits, nil
	case bacnet.TagObjectID:
		oid, err := bacnet.ParseObjectIdentifier(s)
		if err != nil {
			return 0, nil, err
		}
		return tag, oid, nil
	}
	return 0, nil, fmt.Errorf("cannot write %s values", tag)
}

// parseValue guesses the application tag of s
func parseValue(s string) (bacnet.ApplicationTag, any) {
	s = strings.TrimSpace(s)

	if strings.EqualFold(s, "null") {
		return bacnet.TagNull, nil
	}

	if s != "0" && s != "1" {
		if b, ok := parseBool(s); ok {
			return bacnet.TagBoolean, b
		}
	}

	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return bacnet.TagCharacterString, s[1 : len(s)-1]
	}

	if strings.ContainsAny(s, ".eE") {
		if f, err := strconv.ParseFloat(s, 32); err == nil {
			return bacnet.TagReal, float32(f)
		}
	}

	if i, err := strconv.ParseInt(s, 10, 32); err == nil {
		if i < 0 {
			return bacnet.TagSignedInt, int32(i)
		}
		return bacnet.TagUnsignedInt, uint32(i)
	}

	return bacnet.TagCharacterString, s
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "active", "on", "1":
		return true, true
	case "false", "inactive", "off", "0":
		return false, true
	}
	return false, false
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
