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
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
)

var (
	scanLowLimit  uint32
	scanHighLimit uint32
	scanTarget    string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BACnet devices on the network",
	Long: `Scan discovers BACnet devices by sending a Who-Is and collecting the
I-Am answers that arrive within --wait.

Examples:
  # Discover all devices
  edgeo-bacnet scan

  # Discover devices with instance IDs 1-100
  edgeo-bacnet scan --low 1 --high 100

  # Ask a single address, waiting longer
  edgeo-bacnet scan --target 192.168.1.20 --wait 10s`,

	RunE: runScan,
}

func init() {
	scanCmd.Flags().Uint32Var(&scanLowLimit, "low", 0, "Low limit for device instance range (0 = no limit)")
	scanCmd.Flags().Uint32Var(&scanHighLimit, "high", 0, "High limit for device instance range (0 = no limit)")
	scanCmd.Flags().StringVar(&scanTarget, "target", "", "Send the Who-Is to this address instead of broadcasting")
}

type deviceRow struct {
	DeviceID     uint32 `json:"device_id"`
	Address      string `json:"address"`
	VendorID     uint16 `json:"vendor_id"`
	Segmentation string `json:"segmentation"`
	MaxAPDU      uint16 `json:"max_apdu"`
}

func newDeviceRow(d bacnet.Device) deviceRow {
	return deviceRow{
		DeviceID:     d.DeviceID,
		Address:      d.Address,
		VendorID:     d.VendorID,
		Segmentation: d.Segmentation.String(),
		MaxAPDU:      d.MaxAPDULength,
	}
}

func scanOptions() []bacnet.DiscoverOption {
	var opts []bacnet.DiscoverOption
	if scanLowLimit > 0 || scanHighLimit > 0 {
		high := scanHighLimit
		if high == 0 {
			high = bacnet.MaxInstance
		}
		opts = append(opts, bacnet.WithDeviceRange(scanLowLimit, high))
	}
	if scanTarget != "" {
		opts = append(opts, bacnet.WithDeviceAddress(scanTarget))
	}
	return opts
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout+scanWait)
	defer cancel()

	client, release, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer release()

	fmt.Fprintln(os.Stderr, "Scanning for BACnet devices...")

	devices, err := client.Discover(ctx, scanWait, scanOptions()...)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	return outputDevices(NewFormatter(outputFmt), devices)
}

func outputDevices(f *Formatter, devices []bacnet.Device) error {
	rows := make([]deviceRow, len(devices))
	for i, d := range devices {
		rows[i] = newDeviceRow(d)
	}

	headers := []string{"device_id", "address", "vendor_id", "segmentation", "max_apdu"}
	cells := make([][]string, len(rows))
	for i, r := range rows {
		cells[i] = []string{
			strconv.FormatUint(uint64(r.DeviceID), 10),
			r.Address,
			strconv.FormatUint(uint64(r.VendorID), 10),
			r.Segmentation,
			strconv.FormatUint(uint64(r.MaxAPDU), 10),
		}
	}

	switch f.Format() {
	case FormatJSON:
		return f.PrintJSON(rows)
	case FormatCSV:
		return f.PrintCSV(headers, cells)
	default:
		f.Println()
		f.PrintTable([]string{"DEVICE ID", "ADDRESS", "VENDOR", "SEGMENTATION", "MAX APDU"}, cells)
		f.Printf("\nFound %d device(s)\n", len(devices))
		return nil
	}
}
