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
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet/bacnet"
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start an interactive BACnet session",
	Long: `Interactive mode provides a REPL for exploring BACnet devices.

Commands:
  scan                                  - Discover devices
  devices                               - List discovered devices
  use <device-id|address>               - Select a device
  list                                  - List objects on current device
  read <object> [property]              - Read a property
  mread <object>[.<property>] ...       - Read several properties at once
  write <object> <property> <value>     - Write a property
  info                                  - Show device info
  metrics                               - Show client metrics
  reset                                 - Drop the connection and start over
  help                                  - Show help
  exit                                  - Exit interactive mode

Examples:
  bacnet> scan
  bacnet> use 1234
  bacnet[1234]> list
  bacnet[1234]> read ai:1 pv
  bacnet[1234]> write ao:1 pv 75.5`,

	RunE: runInteractive,
}

// shell is the state of an interactive session
type shell struct {
	ctx     context.Context
	client  *bacnet.Client
	rl      *readline.Instance
	out     io.Writer
	device  uint32
	address string
}

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("scan"),
	readline.PcItem("devices"),
	readline.PcItem("use"),
	readline.PcItem("list"),
	readline.PcItem("read"),
	readline.PcItem("mread"),
	readline.PcItem("write"),
	readline.PcItem("info"),
	readline.PcItem("metrics"),
	readline.PcItem("reset"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func runInteractive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	client, release, err := openClient(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer release()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bacnet> ",
		AutoComplete:    shellCompleter,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	s := &shell{
		ctx:     ctx,
		client:  client,
		rl:      rl,
		out:     rl.Stdout(),
		device:  deviceID,
		address: host,
	}
	s.updatePrompt()

	fmt.Fprintln(s.out, "BACnet Interactive Shell")
	fmt.Fprintln(s.out, "Type 'help' for available commands, 'exit' to quit")
	fmt.Fprintln(s.out)

	return s.run()
}

func (s *shell) run() error {
	for {
		if s.ctx.Err() != nil {
			return nil
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Goodbye!")
			return nil
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		command := strings.ToLower(parts[0])
		args := parts[1:]

		switch command {
		case "exit", "quit", "q":
			fmt.Fprintln(s.out, "Goodbye!")
			return nil
		case "help", "?":
			s.printHelp()
		case "scan":
			s.scan()
		case "devices":
			s.devices()
		case "use":
			s.use(args)
		case "list":
			s.withTarget(s.list)
		case "read":
			if len(args) < 1 {
				fmt.Fprintln(s.out, "Usage: read <object> [property]")
				continue
			}
			prop := "present-value"
			if len(args) >= 2 {
				prop = args[1]
			}
			s.withTarget(func() { s.read(args[0], prop) })
		case "mread":
			if len(args) < 1 {
				fmt.Fprintln(s.out, "Usage: mread <object>[.<property>] ...")
				continue
			}
			s.withTarget(func() { s.readMulti(args) })
		case "write":
			if len(args) < 3 {
				fmt.Fprintln(s.out, "Usage: write <object> <property> <value>")
				continue
			}
			s.withTarget(func() { s.write(args[0], args[1], strings.Join(args[2:], " ")) })
		case "info":
			s.withTarget(s.info)
		case "metrics":
			s.metrics()
		case "reset":
			s.reset()
		default:
			fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for available commands)\n", command)
		}
	}
}

func (s *shell) updatePrompt() {
	switch {
	case s.device != 0:
		s.rl.SetPrompt(fmt.Sprintf("bacnet[%d]> ", s.device))
	case s.address != "":
		s.rl.SetPrompt(fmt.Sprintf("bacnet[%s]> ", s.address))
	default:
		s.rl.SetPrompt("bacnet> ")
	}
}

// withTarget runs fn once the selected device has an address
func (s *shell) withTarget(fn func()) {
	if s.address == "" && s.device == 0 {
		fmt.Fprintln(s.out, "No device selected. Use 'use <device-id>' first.")
		return
	}
	if s.address == "" {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		addr, err := lookupDevice(ctx, s.client, s.device)
		cancel()
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return
		}
		s.address = addr
	}
	fn()
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out, `
Available commands:
  scan                              Discover BACnet devices on the network
  devices                           List the devices discovered so far
  use <device-id|address>           Select a device to work with
  list                              List all objects on current device
  read <object> [property]          Read a property (default: present-value)
  mread <object>[.<property>] ...   Read several properties concurrently
  write <object> <property> <value> Write a property value
  info                              Show current device information
  metrics                           Show client metrics
  reset                             Reconnect with an empty device list
  help                              Show this help message
  exit                              Exit interactive mode

Object format: <type>:<instance>
  Examples: analog-input:1, ai:1, binary-output:5, device:1234

Property shortcuts:
  pv = present-value
  name = object-name
  desc = description
  sf = status-flags
  oos = out-of-service`)
}

func (s *shell) scan() {
	fmt.Fprintln(s.out, "Scanning for devices...")

	ctx, cancel := context.WithTimeout(s.ctx, scanWait+time.Second)
	defer cancel()

	devices, err := s.client.Discover(ctx, scanWait)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.printDevices(devices)
}

func (s *shell) devices() {
	var devices []bacnet.Device
	for d := range s.client.Devices() {
		devices = append(devices, d)
	}
	s.printDevices(devices)
}

func (s *shell) printDevices(devices []bacnet.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(s.out, "No devices found")
		return
	}

	fmt.Fprintf(s.out, "\nFound %d device(s):\n", len(devices))
	for _, dev := range devices {
		fmt.Fprintf(s.out, "  Device %d - %s (Vendor: %d)\n", dev.DeviceID, dev.Address, dev.VendorID)
	}
	fmt.Fprintln(s.out)
}

func (s *shell) use(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: use <device-id|address>")
		return
	}

	if id, err := strconv.ParseUint(args[0], 10, 32); err == nil && id <= bacnet.MaxInstance {
		s.device = uint32(id)
		s.address = ""
		if d, ok := s.client.Device(s.device); ok {
			s.address = d.Address
		}
		fmt.Fprintf(s.out, "Selected device %d\n", s.device)
	} else {
		s.device = 0
		s.address = args[0]
		fmt.Fprintf(s.out, "Selected address %s\n", s.address)
	}
	s.updatePrompt()
}

func (s *shell) list() {
	if s.device == 0 {
		fmt.Fprintln(s.out, "Listing objects needs a device id. Use 'use <device-id>'.")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	objects, err := s.client.ObjectList(ctx, s.address, s.device)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(s.out, "\nDevice %d has %d objects:\n", s.device, len(objects))

	var types []bacnet.ObjectType
	byType := make(map[bacnet.ObjectType][]uint32)
	for _, obj := range objects {
		if _, seen := byType[obj.Type]; !seen {
			types = append(types, obj.Type)
		}
		byType[obj.Type] = append(byType[obj.Type], obj.Instance)
	}

	for _, objType := range types {
		fmt.Fprintf(s.out, "\n  %s (%d):\n", objType, len(byType[objType]))
		for _, inst := range byType[objType] {
			fmt.Fprintf(s.out, "    %d\n", inst)
		}
	}
	fmt.Fprintln(s.out)
}

func (s *shell) read(objStr, propStr string) {
	objectID, err := bacnet.ParseObjectIdentifier(objStr)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	propID, err := parsePropertyIdentifier(propStr)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	pv, err := s.client.ReadProperty(ctx, bacnet.ReadPropertyRequest{
		Address:        s.address,
		ObjectType:     objectID.Type,
		ObjectInstance: objectID.Instance,
		PropertyID:     propID,
	})
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(s.out, "%s.%s = %s\n", objectID, pv.PropertyName, formatValues(pv))
}

func (s *shell) readMulti(refs []string) {
	reqs := make([]bacnet.ReadPropertyRequest, len(refs))
	for i, ref := range refs {
		objectID, propID, err := parseReference(ref)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return
		}
		reqs[i] = bacnet.ReadPropertyRequest{
			Address:        s.address,
			ObjectType:     objectID.Type,
			ObjectInstance: objectID.Instance,
			PropertyID:     propID,
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	values, err := s.client.ReadProperties(ctx, reqs)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	f := NewFormatter(string(FormatTable))
	f.SetWriter(s.out)
	outputValues(f, values)
}

func (s *shell) write(objStr, propStr, valStr string) {
	objectID, err := bacnet.ParseObjectIdentifier(objStr)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	propID, err := parsePropertyIdentifier(propStr)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	tag, value := parseValue(valStr)

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	_, err = s.client.WriteProperty(ctx, bacnet.WritePropertyRequest{
		Address:        s.address,
		ObjectType:     objectID.Type,
		ObjectInstance: objectID.Instance,
		PropertyID:     propID,
		Tag:            tag,
		Value:          value,
	})
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(s.out, "OK: %s.%s = %s\n", objectID, propID, formatValue(value))
}

func (s *shell) info() {
	if s.device == 0 {
		fmt.Fprintln(s.out, "Device info needs a device id. Use 'use <device-id>'.")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	info, order := readDeviceInfo(ctx, s.client, s.address, s.device)

	fmt.Fprintf(s.out, "\nDevice %d:\n", s.device)
	for _, key := range order {
		if val, ok := info[key]; ok {
			fmt.Fprintf(s.out, "  %-22s: %s\n", key, formatValue(val))
		}
	}
	fmt.Fprintln(s.out)
}

func (s *shell) metrics() {
	m := s.client.Metrics().Snapshot()

	fmt.Fprintln(s.out, "\nClient Metrics:")
	fmt.Fprintf(s.out, "  Uptime:              %s\n", m.Uptime.Round(time.Second))
	fmt.Fprintf(s.out, "  State:               %s\n", s.client.State())
	fmt.Fprintf(s.out, "  Reads Sent:          %d\n", m.ReadsSent)
	fmt.Fprintf(s.out, "  Writes Sent:         %d\n", m.WritesSent)
	fmt.Fprintf(s.out, "  Requests Failed:     %d\n", m.RequestsFailed)
	fmt.Fprintf(s.out, "  Requests Timed Out:  %d\n", m.RequestsTimedOut)
	fmt.Fprintf(s.out, "  Requests Rejected:   %d\n", m.RequestsRejected)
	fmt.Fprintf(s.out, "  Who-Is Sent:         %d\n", m.WhoIsSent)
	fmt.Fprintf(s.out, "  I-Am Received:       %d\n", m.IAmReceived)
	fmt.Fprintf(s.out, "  Devices Discovered:  %d\n", m.DevicesDiscovered)

	if m.Latency.Count > 0 {
		fmt.Fprintf(s.out, "  Avg Latency:         %s\n", m.Latency.Avg.Round(time.Microsecond))
		fmt.Fprintf(s.out, "  Min Latency:         %s\n", m.Latency.Min.Round(time.Microsecond))
		fmt.Fprintf(s.out, "  Max Latency:         %s\n", m.Latency.Max.Round(time.Microsecond))
	}
	fmt.Fprintln(s.out)
}

func (s *shell) reset() {
	if err := s.client.Reset(); err != nil {
		fmt.Fprintf(s.out, "Warning: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	if err := s.client.Connect(ctx); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	if s.device != 0 {
		s.address = ""
	}
	fmt.Fprintln(s.out, "Reconnected")
}
