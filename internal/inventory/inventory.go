// Package inventory lists the Wi-Fi, Bluetooth and SDR hardware present on
// the host by running the usual Linux listing tools. Each device class is
// enumerated independently; one missing tool never hides the other classes.
package inventory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Class string

const (
	ClassWiFi      Class = "wifi"
	ClassBluetooth Class = "bluetooth"
	ClassSDR       Class = "sdr"
)

// AllClasses in reporting order.
var AllClasses = []Class{ClassWiFi, ClassBluetooth, ClassSDR}

func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wifi":
		return ClassWiFi, nil
	case "bluetooth", "bt":
		return ClassBluetooth, nil
	case "sdr", "rtl433", "rtlsdr":
		return ClassSDR, nil
	}
	return "", fmt.Errorf("unknown device class %q", s)
}

const StatusAvailable = "available"

// Device is one normalized piece of hardware.
type Device struct {
	Class     Class  `json:"class"`
	Interface string `json:"interface"`
	Name      string `json:"name"`
	Status    string `json:"status"`

	Address   string `json:"address,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Frequency string `json:"frequency,omitempty"`

	Index                *int     `json:"index,omitempty"`
	Serial               string   `json:"serial,omitempty"`
	Manufacturer         string   `json:"manufacturer,omitempty"`
	Model                string   `json:"model,omitempty"`
	DefaultFrequency     string   `json:"default_frequency,omitempty"`
	SupportedFrequencies []string `json:"supported_frequencies,omitempty"`
}

// ClassResult records how one class's enumeration went.
type ClassResult struct {
	Class Class  `json:"class"`
	OK    bool   `json:"ok"`
	Tool  string `json:"tool,omitempty"`
	Error string `json:"error,omitempty"`
	Count int    `json:"count"`
}

type Result struct {
	Devices []Device      `json:"devices"`
	Classes []ClassResult `json:"classes"`
}

type ProbeResult struct {
	Class     Class  `json:"class"`
	Interface string `json:"interface"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

type Inventory struct {
	Runner Runner
	Log    zerolog.Logger

	ListTimeout time.Duration
	// SDRTimeout bounds rtl_test, which tends not to exit on its own.
	SDRTimeout   time.Duration
	ProbeTimeout time.Duration
}

func New(log zerolog.Logger) *Inventory {
	return &Inventory{
		Runner:       ExecRunner{},
		Log:          log,
		ListTimeout:  10 * time.Second,
		SDRTimeout:   5 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Enumerate lists the requested classes (all when none given) in parallel.
// It never fails as a whole: per-class failures land in Result.Classes.
func (inv *Inventory) Enumerate(ctx context.Context, classes ...Class) Result {
	if len(classes) == 0 {
		classes = AllClasses
	}
	results := make([]ClassResult, len(classes))
	devices := make([][]Device, len(classes))

	var wg sync.WaitGroup
	for i, c := range classes {
		wg.Add(1)
		go func(i int, c Class) {
			defer wg.Done()
			devs, res := inv.enumerateClass(ctx, c)
			res.Count = len(devs)
			results[i] = res
			devices[i] = devs
		}(i, c)
	}
	wg.Wait()

	out := Result{Devices: []Device{}, Classes: results}
	for i, res := range results {
		if !res.OK {
			inv.Log.Warn().Str("class", string(res.Class)).Str("error", res.Error).Msg("device enumeration failed")
		}
		out.Devices = append(out.Devices, devices[i]...)
	}
	return out
}

func (inv *Inventory) enumerateClass(ctx context.Context, c Class) ([]Device, ClassResult) {
	switch c {
	case ClassWiFi:
		return inv.listWithFallback(ctx, c,
			listing{"iwconfig", nil, parseIwconfig},
			listing{"ip", []string{"link", "show"}, parseIPLinkWiFi})
	case ClassBluetooth:
		return inv.listWithFallback(ctx, c,
			listing{"hcitool", []string{"dev"}, parseHcitool},
			listing{"bluetoothctl", []string{"list"}, parseBluetoothctl})
	case ClassSDR:
		return inv.listSDR(ctx)
	}
	return nil, ClassResult{Class: c, Error: fmt.Sprintf("unknown device class %q", c)}
}

type listing struct {
	tool  string
	args  []string
	parse func(string) []Device
}

// listWithFallback tries the primary tool and moves to the fallback only if
// the primary is missing or fails.
func (inv *Inventory) listWithFallback(ctx context.Context, c Class, primary, fallback listing) ([]Device, ClassResult) {
	var errs []string
	for _, l := range []listing{primary, fallback} {
		out, err := inv.Runner.Run(ctx, inv.ListTimeout, l.tool, l.args...)
		if err == nil && out.ExitCode == 0 && !out.TimedOut {
			return l.parse(out.Stdout), ClassResult{Class: c, OK: true, Tool: l.tool}
		}
		errs = append(errs, toolError(l.tool, out, err))
	}
	return nil, ClassResult{Class: c, Error: strings.Join(errs, "; ")}
}

// listSDR parses rtl_test output even when it had to be killed. rtl_test
// prints the device list on stderr before it starts testing.
func (inv *Inventory) listSDR(ctx context.Context) ([]Device, ClassResult) {
	res := ClassResult{Class: ClassSDR, Tool: "rtl_test"}
	out, err := inv.Runner.Run(ctx, inv.SDRTimeout, "rtl_test", "-t")
	if err != nil && missingTool(err) {
		res.Error = toolError("rtl_test", out, err)
		return nil, res
	}
	text := out.Stderr
	if strings.TrimSpace(text) == "" {
		text = out.Stdout
	}
	devs := parseRTLTest(text)
	switch {
	case len(devs) > 0:
		res.OK = true
	case strings.Contains(text, "No supported devices found"):
		res.OK = true
	case out.TimedOut && strings.TrimSpace(text) == "":
		res.Error = "rtl_test timed out without output"
	case err != nil:
		res.Error = toolError("rtl_test", out, err)
	default:
		res.OK = true
	}
	return devs, res
}

// Probe checks whether one device answers.
func (inv *Inventory) Probe(ctx context.Context, c Class, iface string) ProbeResult {
	res := ProbeResult{Class: c, Interface: iface}
	var tool string
	var args []string
	switch c {
	case ClassWiFi:
		tool, args = "iwconfig", []string{iface}
	case ClassBluetooth:
		tool, args = "hciconfig", []string{iface}
	case ClassSDR:
		idx := iface[strings.LastIndex(iface, "-")+1:]
		if _, err := strconv.Atoi(idx); err != nil {
			res.Error = fmt.Sprintf("sdr device %q has no numeric index", iface)
			return res
		}
		tool, args = "rtl_test", []string{"-d", idx, "-t"}
	default:
		res.Error = fmt.Sprintf("unknown device class %q", c)
		return res
	}

	out, err := inv.Runner.Run(ctx, inv.ProbeTimeout, tool, args...)
	if err == nil && out.ExitCode == 0 {
		res.Available = true
		return res
	}
	res.Error = toolError(tool, out, err)
	return res
}

func toolError(tool string, out Output, err error) string {
	switch {
	case err != nil && missingTool(err):
		return tool + ": not installed"
	case out.TimedOut:
		return tool + ": timed out"
	}
	msg := strings.TrimSpace(out.Stderr)
	if msg == "" && err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", out.ExitCode)
	}
	return tool + ": " + msg
}
