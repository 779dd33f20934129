package pktsim

// units.go converts the strings found in scenario descriptions into rates,
// queue sizes, durations and subnet masks.

import (
	"fmt"
	"math"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// DataRate is a link or source rate in bits per second
type DataRate int64

// String renders the rate with the largest unit that divides it exactly
func (dr DataRate) String() string {
	switch {
	case dr >= 1e9 && dr%1e9 == 0:
		return fmt.Sprintf("%dGbps", dr/1e9)
	case dr >= 1e6 && dr%1e6 == 0:
		return fmt.Sprintf("%dMbps", dr/1e6)
	case dr >= 1e3 && dr%1e3 == 0:
		return fmt.Sprintf("%dkbps", dr/1e3)
	}
	return fmt.Sprintf("%dbps", int64(dr))
}

// TransmissionDelay is the time to serialize size bytes at this rate,
// truncated to the nanosecond
func (dr DataRate) TransmissionDelay(size int) time.Duration {
	if dr <= 0 {
		return 0
	}
	bits := int64(size) * 8
	return time.Duration(bits * int64(time.Second) / int64(dr))
}

// rateUnits maps a suffix to a multiplier in bits per second.
// Suffixes are matched longest first.
var rateUnits = []struct {
	suffix string
	mult   float64
}{
	{"GiBps", 8 * 1024 * 1024 * 1024}, {"MiBps", 8 * 1024 * 1024}, {"KiBps", 8 * 1024},
	{"Gibps", 1024 * 1024 * 1024}, {"Mibps", 1024 * 1024}, {"Kibps", 1024},
	{"GB/s", 8e9}, {"MB/s", 8e6}, {"KB/s", 8e3}, {"kB/s", 8e3},
	{"Gb/s", 1e9}, {"Mb/s", 1e6}, {"Kb/s", 1e3}, {"kb/s", 1e3},
	{"GBps", 8e9}, {"MBps", 8e6}, {"KBps", 8e3}, {"kBps", 8e3},
	{"Gbps", 1e9}, {"Mbps", 1e6}, {"Kbps", 1e3}, {"kbps", 1e3},
	{"B/s", 8}, {"b/s", 1}, {"Bps", 8}, {"bps", 1},
}

// ParseDataRate accepts strings like "5Mbps", "100 Mb/s", "1.5Gbps", "64KBps", or a bare number of bits per second
func ParseDataRate(s string) (DataRate, error) {
	v := strings.TrimSpace(s)
	mult := 1.0
	for _, ru := range rateUnits {
		if strings.HasSuffix(v, ru.suffix) {
			mult = ru.mult
			v = strings.TrimSpace(strings.TrimSuffix(v, ru.suffix))
			break
		}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed data rate %q", s)
	}
	rate := math.Round(f * mult)
	if rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
		return 0, fmt.Errorf("data rate %q must be positive", s)
	}
	return DataRate(rate), nil
}

// QueueSizeUnit says whether a capacity counts packets or bytes
type QueueSizeUnit int

const (
	QueueSizePackets QueueSizeUnit = iota
	QueueSizeBytes
)

// QueueSize is a queue capacity
type QueueSize struct {
	Value int
	Unit  QueueSizeUnit
}

// String renders the capacity the way ParseQueueSize reads it
func (qs QueueSize) String() string {
	if qs.Unit == QueueSizeBytes {
		return strconv.Itoa(qs.Value) + "B"
	}
	return strconv.Itoa(qs.Value) + "p"
}

var sizeUnits = []struct {
	suffix string
	mult   int
	unit   QueueSizeUnit
}{
	{"packets", 1, QueueSizePackets}, {"MiB", 1024 * 1024, QueueSizeBytes}, {"KiB", 1024, QueueSizeBytes},
	{"MB", 1000 * 1000, QueueSizeBytes}, {"KB", 1000, QueueSizeBytes}, {"kB", 1000, QueueSizeBytes},
	{"p", 1, QueueSizePackets}, {"B", 1, QueueSizeBytes},
}

// ParseQueueSize accepts "20p", "100packets", "30000B", "64KB", "64KiB".  A bare number counts packets.
func ParseQueueSize(s string) (QueueSize, error) {
	v := strings.TrimSpace(s)
	qs := QueueSize{Unit: QueueSizePackets}
	mult := 1
	for _, su := range sizeUnits {
		if strings.HasSuffix(v, su.suffix) {
			mult = su.mult
			qs.Unit = su.unit
			v = strings.TrimSpace(strings.TrimSuffix(v, su.suffix))
			break
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return QueueSize{}, fmt.Errorf("malformed queue size %q", s)
	}
	if n <= 0 {
		return QueueSize{}, fmt.Errorf("queue size %q must be positive", s)
	}
	qs.Value = n * mult
	return qs, nil
}

// ParseSimDuration accepts Go duration syntax ("10ms", "1.5s") or a bare number of seconds
func ParseSimDuration(s string) (time.Duration, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if f < 0 {
			return 0, fmt.Errorf("duration %q is negative", s)
		}
		return time.Duration(math.Round(f * float64(time.Second))), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", s)
	}
	return d, nil
}

// parseMaskBits accepts a dotted-quad mask ("255.255.255.0") or a prefix length ("24", "/24")
func parseMaskBits(s string) (int, error) {
	v := strings.TrimPrefix(strings.TrimSpace(s), "/")
	if bits, err := strconv.Atoi(v); err == nil {
		if bits < 0 || bits > 32 {
			return 0, fmt.Errorf("prefix length %q out of range", s)
		}
		return bits, nil
	}
	addr, err := netip.ParseAddr(v)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("malformed subnet mask %q", s)
	}
	ones, total := net.IPMask(addr.AsSlice()).Size()
	if total == 0 {
		return 0, fmt.Errorf("subnet mask %q is not contiguous", s)
	}
	return ones, nil
}
