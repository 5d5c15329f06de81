package inventory

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	iwModeRE     = regexp.MustCompile(`Mode:(\S+)`)
	iwFreqRE     = regexp.MustCompile(`Frequency[:=]([\d.]+)\s*GHz`)
	ipLinkRE     = regexp.MustCompile(`^\d+:\s+([^:\s]+):`)
	btctlRE      = regexp.MustCompile(`Controller\s+([0-9A-Fa-f:]{17})\s+(.*)$`)
	rtlDeviceRE  = regexp.MustCompile(`^\s*(\d+):\s+(.*)$`)
	rtlDefaultHz = "433920000"
	rtlFreqs     = []string{"433920000", "915000000", "Custom"}
)

// parseIwconfig reads `iwconfig`: an unindented header per interface, then
// indented detail lines. Interfaces without wireless extensions are
// skipped.
func parseIwconfig(out string) []Device {
	var devs []Device
	var cur *Device
	for _, raw := range strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		indented := raw[0] == ' ' || raw[0] == '\t'
		if !indented {
			cur = nil
			if !strings.Contains(raw, "IEEE 802.11") {
				continue
			}
			name := strings.Fields(raw)[0]
			devs = append(devs, Device{Class: ClassWiFi, Interface: name, Name: name, Status: StatusAvailable})
			cur = &devs[len(devs)-1]
		}
		// Monitor-mode interfaces print Mode and Frequency on the header line.
		if cur == nil {
			continue
		}
		if m := iwModeRE.FindStringSubmatch(raw); m != nil {
			cur.Mode = m[1]
		}
		if m := iwFreqRE.FindStringSubmatch(raw); m != nil {
			cur.Frequency = m[1] + " GHz"
		}
	}
	return devs
}

// parseIPLinkWiFi picks wireless-looking interfaces out of `ip link show`.
func parseIPLinkWiFi(out string) []Device {
	var devs []Device
	for _, line := range strings.Split(out, "\n") {
		m := ipLinkRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.SplitN(m[1], "@", 2)[0]
		if !strings.HasPrefix(name, "wl") && !strings.Contains(name, "wifi") {
			continue
		}
		devs = append(devs, Device{Class: ClassWiFi, Interface: name, Name: name, Status: StatusAvailable})
	}
	return devs
}

// parseHcitool reads `hcitool dev`:
//
//	Devices:
//		hci0	00:1A:7D:DA:71:13
func parseHcitool(out string) []Device {
	var devs []Device
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "hci") {
			continue
		}
		devs = append(devs, Device{
			Class:     ClassBluetooth,
			Interface: fields[0],
			Name:      fields[0],
			Address:   fields[1],
			Status:    StatusAvailable,
		})
	}
	return devs
}

// parseBluetoothctl reads `bluetoothctl list`. Controllers get hciN names
// in listing order since bluetoothctl does not print them.
func parseBluetoothctl(out string) []Device {
	var devs []Device
	for _, line := range strings.Split(out, "\n") {
		m := btctlRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[2]), "[default]"))
		devs = append(devs, Device{
			Class:     ClassBluetooth,
			Interface: "hci" + strconv.Itoa(len(devs)),
			Name:      name,
			Address:   strings.ToUpper(m[1]),
			Status:    StatusAvailable,
		})
	}
	return devs
}

// parseRTLTest reads the device list rtl_test prints before it starts
// testing, e.g. "  0:  Nooelec, NESDR SMArt v5, SN: 00000001".
func parseRTLTest(out string) []Device {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	seen := map[int]bool{}
	var devs []Device
	for _, line := range strings.Split(out, "\n") {
		m := rtlDeviceRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || seen[idx] {
			continue
		}
		seen[idx] = true

		parts := strings.Split(m[2], ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		d := Device{
			Class:                ClassSDR,
			Interface:            "rtl433-" + m[1],
			Index:                intPtr(idx),
			Manufacturer:         parts[0],
			Serial:               m[1],
			Status:               StatusAvailable,
			DefaultFrequency:     rtlDefaultHz,
			SupportedFrequencies: append([]string(nil), rtlFreqs...),
		}
		if d.Manufacturer == "" {
			d.Manufacturer = "Unknown"
		}
		for i, p := range parts[1:] {
			switch {
			case strings.HasPrefix(p, "SN:"):
				d.Serial = strings.TrimSpace(strings.TrimPrefix(p, "SN:"))
			case i == 0:
				d.Model = p
			}
		}
		d.Name = strings.TrimSpace(d.Manufacturer + " " + d.Model)
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool { return *devs[i].Index < *devs[j].Index })
	return devs
}

func intPtr(v int) *int { return &v }
