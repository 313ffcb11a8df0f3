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
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display device information",
	Long: `Info retrieves and displays detailed information about a BACnet device.

Examples:
  # Get device info
  edgeo-bacnet info -d 1234

  # Get info in JSON format
  edgeo-bacnet info -d 1234 -o json`,

	RunE: runInfo,
}

// deviceProperties are the device object properties info reports, in
// display order.
var deviceProperties = []struct {
	name string
	prop bacnet.PropertyIdentifier
}{
	{"Object Name", bacnet.PropertyObjectName},
	{"Description", bacnet.PropertyDescription},
	{"Location", bacnet.PropertyLocation},
	{"Vendor Name", bacnet.PropertyVendorName},
	{"Vendor ID", bacnet.PropertyVendorIdentifier},
	{"Model Name", bacnet.PropertyModelName},
	{"Firmware Revision", bacnet.PropertyFirmwareRevision},
	{"Application Software", bacnet.PropertyApplicationSoftwareVersion},
	{"Protocol Version", bacnet.PropertyProtocolVersion},
	{"Protocol Revision", bacnet.PropertyProtocolRevision},
	{"System Status", bacnet.PropertySystemStatus},
	{"Max APDU Length", bacnet.PropertyMaxApduLengthAccepted},
	{"Segmentation", bacnet.PropertySegmentationSupported},
	{"Database Revision", bacnet.PropertyDatabaseRevision},
}

func runInfo(cmd *cobra.Command, args []string) error {
	if deviceID == 0 {
		return fmt.Errorf("device ID is required (-d or --device)")
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

	info, order := readDeviceInfo(ctx, client, address, deviceID)

	f := NewFormatter(outputFmt)
	if f.Format() == FormatJSON {
		doc := map[string]any{
			"device_id": deviceID,
			"address":   address,
			"timestamp": time.Now().Format(time.RFC3339),
		}
		for k, v := range info {
			doc[k] = v
		}
		return f.PrintJSON(doc)
	}

	f.Printf("\n=== Device %d (%s) ===\n\n", deviceID, address)
	display := make(map[string]any, len(info))
	for k, v := range info {
		display[k] = formatValue(v)
	}
	f.PrintKeyValue(display, order)
	f.Println()
	return nil
}

// readDeviceInfo reads the device properties concurrently, one request
// each, so a property the device lacks does not hide the others.
func readDeviceInfo(ctx context.Context, client *bacnet.Client, address string, id uint32) (map[string]any, []string) {
	base := bacnet.ReadPropertyRequest{
		Address:        address,
		ObjectType:     bacnet.ObjectTypeDevice,
		ObjectInstance: id,
	}

	futures := make([]*bacnet.Future[*bacnet.PropertyValue], len(deviceProperties))
	for i, p := range deviceProperties {
		req := base
		req.PropertyID = p.prop
		futures[i] = client.ReadPropertyAsync(req)
	}
	countReq := base
	countReq.PropertyID = bacnet.PropertyObjectList
	countReq.ArrayIndex = bacnet.Uint32(0)
	count := client.ReadPropertyAsync(countReq)

	info := make(map[string]any)
	order := make([]string, 0, len(deviceProperties)+1)
	for i, p := range deviceProperties {
		order = append(order, p.name)
		if pv, err := futures[i].Wait(ctx); err == nil {
			info[p.name] = jsonValue(pv.Value.Value)
		} else {
			logger.Debug("property unavailable", slog.String("property", p.prop.String()), slog.Any("error", err))
		}
	}
	order = append(order, "Object Count")
	if pv, err := count.Wait(ctx); err == nil {
		info["Object Count"] = pv.Value.Value
	}
	return info, order
}
