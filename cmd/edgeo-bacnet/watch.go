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
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
)

var (
	watchObject   string
	watchProperty string
	watchInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a property for changes",
	Long: `Watch polls a BACnet property and prints every change.

With --verbose every poll is printed, changed or not.

Examples:
  # Poll present value every second
  edgeo-bacnet watch -d 1234 -O analog-input:1 -P present-value --interval 1s

  # Watch a simulated point
  edgeo-bacnet --transport sim watch -H 192.168.1.101 -O ai:0`,

	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchObject, "object", "O", "", "Object type and instance (e.g., analog-input:1)")
	watchCmd.Flags().StringVarP(&watchProperty, "property", "P", "present-value", "Property identifier")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Polling interval")

	watchCmd.MarkFlagRequired("object")
}

func runWatch(cmd *cobra.Command, args []string) error {
	objectID, err := bacnet.ParseObjectIdentifier(watchObject)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}

	propID, err := parsePropertyIdentifier(watchProperty)
	if err != nil {
		return fmt.Errorf("invalid property: %w", err)
	}

	// runs until interrupted
	ctx := cmd.Context()

	setupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, release, err := openClient(setupCtx)
	if err != nil {
		return err
	}
	defer release()

	address, err := resolveAddress(setupCtx, client)
	if err != nil {
		return err
	}

	fmt.Printf("Watching %s.%s at %s\n", objectID, propID, address)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	req := bacnet.ReadPropertyRequest{
		Address:        address,
		ObjectType:     objectID.Type,
		ObjectInstance: objectID.Instance,
		PropertyID:     propID,
	}
	return pollWatch(ctx, client, req)
}

func pollWatch(ctx context.Context, client *bacnet.Client, req bacnet.ReadPropertyRequest) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	var last *bacnet.PropertyValue
	poll := func() {
		readCtx, readCancel := context.WithTimeout(ctx, timeout)
		pv, err := client.ReadProperty(readCtx, req)
		readCancel()

		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "[%s] Error: %v\n", time.Now().Format("15:04:05.000"), err)
			}
			return
		}

		changed := last == nil || !valuesEqual(last.Values, pv.Values)
		if changed || verbose {
			outputWatchValue(time.Now(), pv, changed)
		}
		last = pv
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nStopping watch...")
			return nil
		case <-ticker.C:
			poll()
		}
	}
}

func outputWatchValue(t time.Time, pv *bacnet.PropertyValue, changed bool) {
	switch OutputFormat(outputFmt) {
	case FormatJSON:
		line, err := json.Marshal(map[string]any{
			"time":     t.Format(time.RFC3339Nano),
			"object":   objectLabel(pv),
			"property": pv.PropertyName,
			"value":    jsonValues(pv),
			"changed":  changed,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			return
		}
		fmt.Println(string(line))
	case FormatCSV:
		fmt.Printf("%s,%s,%s,%s,%v\n",
			t.Format(time.RFC3339Nano),
			objectLabel(pv),
			pv.PropertyName,
			formatValues(pv),
			changed,
		)
	default:
		changeMarker := " "
		if changed {
			changeMarker = "*"
		}
		fmt.Printf("[%s] %s %s.%s = %s\n",
			t.Format("15:04:05.000"),
			changeMarker,
			objectLabel(pv),
			pv.PropertyName,
			formatValues(pv),
		)
	}
}

func valuesEqual(a, b []bacnet.TaggedValue) bool {
	return reflect.DeepEqual(a, b)
}
