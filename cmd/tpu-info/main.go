// Copyright (c) 2025, Google LLC.  All rights reserved.
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

// Command tpu-info prints locally-attached TPU chips, the processes using
// them, and live utilization metrics from the libtpu runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"

	"github.com/AI-Hypercomputer/cloud-accelerator-diagnostics/pkg/device"
	"github.com/AI-Hypercomputer/cloud-accelerator-diagnostics/pkg/libtpu"
	"github.com/AI-Hypercomputer/cloud-accelerator-diagnostics/pkg/logger"
	"github.com/AI-Hypercomputer/cloud-accelerator-diagnostics/pkg/metrics"
)

const toolName = "tpu-info"

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// metricList collects repeated --metric flags.
type metricList []string

func (m *metricList) String() string { return fmt.Sprint(*m) }

func (m *metricList) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	// The probe child must not run any of the normal tool logic: its only
	// job is to attempt the libtpu load and exit with the probe code.
	if slices.Contains(os.Args[1:], libtpu.ProbeChildArg) {
		libtpu.RunProbeChild()
	}

	var metricArgs metricList

	configPath := flag.String("config", "", "Path to a TOML config file")
	listMetrics := flag.Bool("list-metrics", false, "List supported metric names and exit")
	watch := flag.Bool("watch", false, "Refresh the output periodically until interrupted")
	interval := flag.Int("interval", 1, "Refresh interval in seconds for --watch")
	showVersion := flag.Bool("version", false, "Print the tool version and exit")
	flag.Var(&metricArgs, "metric", "Additional metric to query (repeatable); see --list-metrics")
	flag.Parse()

	logger.SetDefaultStructuredLogger(toolName, version)

	if *showVersion {
		fmt.Printf("%s %s (commit %s, built %s)\n", toolName, version, commit, date)
		return
	}

	if *listMetrics {
		printSupportedMetrics()
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := &app{
		cfg:     cfg,
		scanner: device.NewScanner(),
		owners:  device.NewOwnerScanner(),
		probe:   libtpu.NewProber(cfg.LibtpuPath).Cached(),
	}

	if *watch {
		if err := app.watch(ctx, metricArgs, time.Duration(*interval)*time.Second); err != nil {
			slog.Error("Watch loop failed", "error", err)
			os.Exit(1)
		}

		return
	}

	if err := app.runCycle(ctx, metricArgs); err != nil {
		slog.Error("Query cycle failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg     config
	scanner *device.Scanner
	owners  *device.OwnerScanner
	probe   func() libtpu.Result
}

// watch repeats query cycles until the context is canceled. Each cycle
// fails independently: an error is reported and the next tick starts from
// scratch, since no state is carried between cycles.
func (a *app) watch(ctx context.Context, metricArgs []string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.runCycle(ctx, metricArgs); err != nil {
			slog.Error("Query cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runCycle performs one fresh query cycle: topology, ownership, then
// runtime metrics.
func (a *app) runCycle(ctx context.Context, metricArgs []string) error {
	family, count, err := a.scanner.ScanSimple()
	if err != nil {
		return err
	}

	if family == device.FamilyUnknown {
		fmt.Println("No TPU chips found.")
		return nil
	}

	owners, err := a.owners.ChipOwners()
	if err != nil {
		return err
	}

	printChipTable(family, count, owners)

	if res := a.probe(); res.State != libtpu.Safe {
		slog.Warn("libtpu load probe did not pass", "state", res.State.String(), "reason", res.Reason)
	}

	client, err := metrics.NewClient(a.cfg.MetricsAddr, time.Duration(a.cfg.RPCTimeoutSeconds)*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	usage, err := client.GetUsage(ctx, family)
	if err != nil {
		if metrics.IsUnavailable(err) {
			fmt.Println("Libtpu metrics unavailable. Is there a framework using the TPU? See" +
				" https://github.com/google/cloud-accelerator-diagnostics/tree/main/tpu_info" +
				" for more information")
			return nil
		}

		return err
	}

	fmt.Printf("Connected to libtpu at grpc://%s...\n", a.cfg.MetricsAddr)
	printUsageTable(family, usage)

	return a.queryExtraMetrics(ctx, client, metricArgs)
}

// queryExtraMetrics handles --metric arguments. Failures are aggregated so
// one bad metric does not hide results for the others.
func (a *app) queryExtraMetrics(ctx context.Context, client *metrics.Client, metricArgs []string) error {
	var errs *multierror.Error

	for _, arg := range metricArgs {
		name, ok := metrics.SupportedMetrics[arg]
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf(
				"invalid metric %q; use --list-metrics to view all supported metrics", arg))
			continue
		}

		if err := a.showMetric(ctx, client, arg, name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("querying %s: %w", arg, err))
		}
	}

	return errs.ErrorOrNil()
}

func (a *app) showMetric(ctx context.Context, client *metrics.Client, label string, name metrics.MetricName) error {
	if name == metrics.BufferTransferLatency {
		distributions, err := client.GetLatency(ctx, name)
		if err != nil {
			return err
		}

		printLatencyTable(label, distributions)

		return nil
	}

	samples, err := client.GetGauges(ctx, name)
	if err != nil {
		return err
	}

	printGaugeTable(label, name, samples)

	return nil
}

func printSupportedMetrics() {
	names := make([]string, 0, len(metrics.SupportedMetrics))
	for name := range metrics.SupportedMetrics {
		names = append(names, name)
	}

	sort.Strings(names)

	fmt.Println("Supported metrics:")

	for _, name := range names {
		fmt.Printf("  %s (%s)\n", name, metrics.SupportedMetrics[name])
	}
}

func printChipTable(family device.ChipFamily, count int, owners map[string]int) {
	fmt.Println("TPU Chips")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Chip", "Type", "Devices", "PID"})

	for index := 0; index < count; index++ {
		path := device.DevicePath(family, index)

		pid := "None"
		if owner, ok := owners[path]; ok {
			pid = strconv.Itoa(owner)
		}

		table.Append([]string{
			path,
			family.String(),
			strconv.Itoa(family.Spec().DevicesPerChip),
			pid,
		})
	}

	table.Render()
}

func printUsageTable(family device.ChipFamily, usage []metrics.Usage) {
	fmt.Println("TPU Utilization")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Device", "Memory Usage", "Duty Cycle"})

	devicesPerChip := family.Spec().DevicesPerChip

	for _, u := range usage {
		// Duty cycle is sampled per chip, so it is shown once per chip
		// even though memory rows are per core.
		dutyCycle := ""
		if devicesPerChip == 1 || u.DeviceID%2 == 0 {
			dutyCycle = fmt.Sprintf("%.2f%%", u.DutyCyclePct)
		}

		table.Append([]string{
			strconv.FormatInt(u.DeviceID, 10),
			fmt.Sprintf("%.2f GiB / %.2f GiB", bytesToGiB(u.MemoryUsage), bytesToGiB(u.TotalMemory)),
			dutyCycle,
		})
	}

	table.Render()
}

func printLatencyTable(label string, distributions []metrics.TransferLatencyDistribution) {
	fmt.Println(label)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Buffer Size", "P50", "P90", "P95", "P99.9"})

	for _, d := range distributions {
		table.Append([]string{
			d.Key,
			fmt.Sprintf("%.2f", d.P50),
			fmt.Sprintf("%.2f", d.P90),
			fmt.Sprintf("%.2f", d.P95),
			fmt.Sprintf("%.2f", d.P999),
		})
	}

	table.Render()
}

func printGaugeTable(label string, name metrics.MetricName, samples []metrics.GaugeSample) {
	fmt.Println(label)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Device", "Value"})

	for _, s := range samples {
		value := strconv.FormatInt(s.IntValue, 10)
		if name == metrics.DutyCyclePct {
			value = fmt.Sprintf("%.2f", s.DoubleValue)
		}

		table.Append([]string{strconv.FormatInt(s.DeviceID, 10), value})
	}

	table.Render()
}

func bytesToGiB(size int64) float64 {
	return float64(size) / (1 << 30)
}
