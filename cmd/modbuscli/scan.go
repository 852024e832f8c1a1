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
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-channel"
)

var (
	scanStartUnit uint8
	scanEndUnit   uint8
	scanStartAddr uint16
	scanEndAddr   uint16
	scanWorkers   int
	scanTimeout   time.Duration
	scanType      string
	scanNetwork   string
	scanPortStart int
	scanPortEnd   int
)

// registerScanBlock is the read size tried before falling back to single
// addresses.
const registerScanBlock = 10

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Modbus devices",
	Long: `Scan for Modbus devices on the network or detect active unit IDs.

Scan types:
  units     - Sweep unit IDs on the configured channel (default)
  network   - Sweep a network range for Modbus/TCP devices
  registers - Find readable holding register ranges`,
	Example: `  # Sweep unit IDs on a host
  modbuscli scan -H 192.168.1.100

  # Sweep a serial bus
  modbuscli scan -t rtu -d /dev/ttyUSB0 --start-unit 1 --end-unit 32

  # Scan a network for Modbus devices
  modbuscli scan --type network --network 192.168.1.0/24

  # Find readable holding registers
  modbuscli scan --type registers -a 0 -e 1000 -H 192.168.1.100`,
	RunE: func(*cobra.Command, []string) error {
		switch scanType {
		case "units":
			return scanUnits()
		case "network":
			return scanNetworkDevices()
		case "registers":
			return scanRegisters()
		default:
			return fmt.Errorf("unknown scan type: %s", scanType)
		}
	},
}

func init() {
	f := scanCmd.Flags()
	f.Uint8Var(&scanStartUnit, "start-unit", 1, "Start unit ID for scanning")
	f.Uint8Var(&scanEndUnit, "end-unit", 247, "End unit ID for scanning")
	f.Uint16VarP(&scanStartAddr, "start-addr", "a", 0, "Start address for register scanning")
	f.Uint16VarP(&scanEndAddr, "end-addr", "e", 100, "End address for register scanning")
	f.IntVar(&scanWorkers, "workers", 10, "Concurrent hosts for network scan")
	f.DurationVar(&scanTimeout, "scan-timeout", time.Second, "Timeout for each scan attempt")
	f.StringVar(&scanType, "type", "units", "Scan type: units, network, registers")
	f.StringVar(&scanNetwork, "network", "", "Network CIDR for network scan (e.g., 192.168.1.0/24)")
	f.IntVar(&scanPortStart, "port-start", 502, "Start port for network scan")
	f.IntVar(&scanPortEnd, "port-end", 502, "End port for network scan")
}

// unitHit is a unit that answered, possibly with an exception.
type unitHit struct {
	Address   string        `json:"address"`
	UnitID    uint8         `json:"unit_id"`
	Latency   time.Duration `json:"latency_ns"`
	Exception string        `json:"exception,omitempty"`
}

// registerSpan is an inclusive range of readable registers.
type registerSpan struct {
	Start uint16 `json:"start_addr"`
	End   uint16 `json:"end_addr"`
}

func (s registerSpan) count() int { return int(s.End) - int(s.Start) + 1 }

// unitPing reads one holding register from a unit.
type unitPing func(ctx context.Context, unit modbus.UnitID) error

func channelPing(ch *modbus.Channel) unitPing {
	return func(ctx context.Context, unit modbus.UnitID) error {
		_, err := ch.ReadHoldingRegisters(ctx, modbus.NewRequestParam(unit, scanTimeout), modbus.AddressRange{Start: 0, Count: 1})
		return err
	}
}

// answered reports whether err still proves a device is present. An exception
// reply counts; its name is returned.
func answered(err error) (bool, string) {
	if err == nil {
		return true, ""
	}
	var me *modbus.ModbusError
	if errors.As(err, &me) {
		return true, me.ExceptionCode.String()
	}
	return false, ""
}

// sweepUnits pings each unit in turn and returns those that answered.
func sweepUnits(ctx context.Context, addr string, first, last uint8, ping unitPing) []unitHit {
	var hits []unitHit
	for uid := int(first); uid <= int(last); uid++ {
		if ctx.Err() != nil {
			break
		}
		begin := time.Now()
		err := ping(ctx, modbus.UnitID(uid))
		if ok, exc := answered(err); ok {
			hits = append(hits, unitHit{Address: addr, UnitID: uint8(uid), Latency: time.Since(begin), Exception: exc})
		}
	}
	return hits
}

func scanUnits() error {
	if scanEndUnit < scanStartUnit {
		return fmt.Errorf("end unit %d is below start unit %d", scanEndUnit, scanStartUnit)
	}
	ch, err := openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	outputInfo("Scanning unit IDs %d-%d on %s...", scanStartUnit, scanEndUnit, getAddress())
	hits := sweepUnits(context.Background(), getAddress(), scanStartUnit, scanEndUnit, channelPing(ch))
	return writeUnitHits(os.Stdout, outputFmt, "Unit Scan Results", hits)
}

// pingHost opens a short-lived channel to addr and reads from unit 1.
func pingHost(addr string) (unitHit, bool) {
	ch := modbus.SpawnTCPChannel(addr,
		modbus.WithLogger(logger),
		modbus.WithConnectTimeout(scanTimeout),
		modbus.WithReconnectStrategy(modbus.FixedDelay(time.Hour)),
	)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*scanTimeout)
	defer cancel()
	if err := ch.Enable(ctx); err != nil {
		return unitHit{}, false
	}
	hits := sweepUnits(ctx, addr, 1, 1, channelPing(ch))
	if len(hits) == 0 {
		return unitHit{}, false
	}
	return hits[0], true
}

func scanNetworkDevices() error {
	if scanNetwork == "" {
		return fmt.Errorf("--network flag is required for network scan")
	}
	hosts, err := expandCIDR(scanNetwork)
	if err != nil {
		return fmt.Errorf("invalid network CIDR: %w", err)
	}

	outputInfo("Scanning %d hosts on network %s...", len(hosts), scanNetwork)

	var (
		hits []unitHit
		mu   sync.Mutex
		wg   sync.WaitGroup
		sem  = make(chan struct{}, max(scanWorkers, 1))
	)
	for _, host := range hosts {
		for port := scanPortStart; port <= scanPortEnd; port++ {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				if hit, ok := pingHost(addr); ok {
					mu.Lock()
					hits = append(hits, hit)
					mu.Unlock()
				}
			}(net.JoinHostPort(host, fmt.Sprint(port)))
		}
	}
	wg.Wait()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Address < hits[j].Address })
	return writeUnitHits(os.Stdout, outputFmt, "Network Scan Results", hits)
}

// scanBlocks reads [start, end] in blocks. A block rejected with an illegal
// data address is skipped; any other failure is retried one address at a
// time. The readable spans are returned merged.
func scanBlocks(ctx context.Context, start, end, block uint16, read func(context.Context, modbus.AddressRange) error) []registerSpan {
	var spans []registerSpan
	for _, rng := range dumpChunks(start, end, block) {
		if ctx.Err() != nil {
			break
		}
		err := read(ctx, rng)
		switch {
		case err == nil:
			spans = append(spans, registerSpan{rng.Start, rng.Start + rng.Count - 1})
		case modbus.IsIllegalDataAddress(err):
		default:
			for i := uint16(0); i < rng.Count; i++ {
				addr := rng.Start + i
				if read(ctx, modbus.AddressRange{Start: addr, Count: 1}) == nil {
					spans = append(spans, registerSpan{addr, addr})
				}
			}
		}
	}
	return mergeSpans(spans)
}

func scanRegisters() error {
	if scanEndAddr < scanStartAddr {
		return fmt.Errorf("end address %d is below start address %d", scanEndAddr, scanStartAddr)
	}
	ch, err := openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	param := requestParam()
	param.Timeout = scanTimeout
	outputInfo("Scanning registers %d-%d on %s (unit %d)...", scanStartAddr, scanEndAddr, getAddress(), param.UnitID)

	spans := scanBlocks(context.Background(), scanStartAddr, scanEndAddr, registerScanBlock,
		func(ctx context.Context, rng modbus.AddressRange) error {
			_, err := ch.ReadHoldingRegisters(ctx, param, rng)
			return err
		})
	return writeRegisterSpans(os.Stdout, outputFmt, spans)
}

// mergeSpans sorts spans and joins those that overlap or touch.
func mergeSpans(spans []registerSpan) []registerSpan {
	if len(spans) == 0 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	merged := []registerSpan{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if int(s.Start) <= int(last.End)+1 {
			last.End = max(last.End, s.End)
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// expandCIDR lists the host addresses of a network. A bare IP yields itself.
func expandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		if parsed := net.ParseIP(cidr); parsed != nil {
			return []string{parsed.String()}, nil
		}
		return nil, err
	}

	var hosts []string
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); incIP(ip) {
		hosts = append(hosts, ip.String())
	}
	// drop network and broadcast
	if len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

func writeUnitHits(w io.Writer, format, title string, hits []unitHit) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(hits)
	}

	fmt.Fprintf(w, "\n%s\n", color(colorBold, title))
	fmt.Fprintln(w, strings.Repeat("-", 70))
	if len(hits) == 0 {
		fmt.Fprintln(w, "No responsive devices found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tUNIT ID\tLATENCY\tSTATUS")
	fmt.Fprintln(tw, "-------\t-------\t-------\t------")
	for _, h := range hits {
		status := color(colorGreen, "ONLINE")
		if h.Exception != "" {
			status = color(colorYellow, "EXCEPTION "+h.Exception)
		}
		fmt.Fprintf(tw, "%s\t%d\t%dms\t%s\n", h.Address, h.UnitID, h.Latency.Milliseconds(), status)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nFound %d responsive device(s)\n\n", len(hits))
	return nil
}

func writeRegisterSpans(w io.Writer, format string, spans []registerSpan) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(spans)
	}

	fmt.Fprintf(w, "\n%s\n", color(colorBold, "Register Scan Results"))
	fmt.Fprintln(w, strings.Repeat("-", 50))
	if len(spans) == 0 {
		fmt.Fprintln(w, "No accessible registers found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START ADDR\tEND ADDR\tCOUNT")
	fmt.Fprintln(tw, "----------\t--------\t-----")
	total := 0
	for _, s := range spans {
		fmt.Fprintf(tw, "%d\t%d\t%d\n", s.Start, s.End, s.count())
		total += s.count()
	}
	tw.Flush()

	fmt.Fprintf(w, "\nFound %d accessible register(s) in %d range(s)\n\n", total, len(spans))
	return nil
}
