// Package arp parses the Linux kernel ARP cache (/proc/net/arp) into a
// lookup table the frame buffer uses to rewrite a packet's destination MAC
// before it is handed to a MAC protocol.
package arp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cwsl/sdrmac/internal/macframe"
)

// DefaultPath is the standard Linux ARP cache location.
const DefaultPath = "/proc/net/arp"

// Table maps an IPv4 destination to its resolved hardware address.
type Table map[[4]byte]macframe.Addr

// Load reads and parses the ARP cache at path. The first line is a column
// header and is always skipped; subsequent lines are whitespace-separated
// "ip flags hwtype mac state device" records. Lines that don't parse
// cleanly are skipped rather than treated as a fatal error, matching the
// cache file's best-effort, frequently-rewritten nature.
func Load(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("arp: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the ARP cache format from r.
func Parse(r io.Reader) (Table, error) {
	t := make(Table)
	sc := bufio.NewScanner(r)

	if !sc.Scan() {
		return t, sc.Err()
	}
	for sc.Scan() {
		ip, mac, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		t[ip] = mac
	}
	return t, sc.Err()
}

func parseLine(line string) (ip [4]byte, mac macframe.Addr, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return ip, mac, false
	}
	ipBytes, ok := parseIPv4(fields[0])
	if !ok {
		return ip, mac, false
	}
	macBytes, ok := parseMAC(fields[3])
	if !ok {
		return ip, mac, false
	}
	return ipBytes, macBytes, true
}

func parseIPv4(s string) (ip [4]byte, ok bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return ip, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return ip, false
		}
		ip[i] = byte(n)
	}
	return ip, true
}

func parseMAC(s string) (mac macframe.Addr, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, false
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, false
		}
		mac[i] = byte(n)
	}
	return mac, true
}

// Lookup resolves an IPv4 destination to its MAC, reporting false on a miss.
func (t Table) Lookup(ip [4]byte) (macframe.Addr, bool) {
	mac, ok := t[ip]
	return mac, ok
}
