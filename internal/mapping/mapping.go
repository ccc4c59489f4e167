package mapping

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// Entry is one static route: connections accepted on LocalPort are carried
// to RemoteHost:RemotePort on the far side of the link.
type Entry struct {
	LocalPort   uint16 `json:"localPort"`
	RemoteHost  string `json:"remoteHost"`
	RemotePort  uint16 `json:"remotePort"`
	Description string `json:"description"`

	// TargetIP is RemoteHost resolved to IPv4 at load time; the wire format
	// carries addresses octet-per-byte and cannot represent anything else.
	TargetIP [4]byte `json:"-"`
}

type fileFormat struct {
	PortMappings []Entry `json:"portMappings"`
}

// Table is the immutable ingress routing table, looked up by listen port.
type Table struct {
	entries []Entry
	byPort  map[uint16]Entry
}

// Load reads and validates the mapping file. Parse errors, duplicate local
// ports, missing entries and unresolvable hosts are all fatal.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.PortMappings) == 0 {
		return nil, fmt.Errorf("%s: portMappings is empty", path)
	}
	return New(f.PortMappings)
}

// Default is the built-in single-entry table used when the mapping file does
// not exist.
func Default() *Table {
	t, err := New([]Entry{{LocalPort: 8080, RemoteHost: "localhost", RemotePort: 22, Description: "default"}})
	if err != nil {
		panic(err)
	}
	return t
}

// New validates and indexes a list of entries.
func New(entries []Entry) (*Table, error) {
	t := &Table{byPort: make(map[uint16]Entry, len(entries))}
	for i := range entries {
		e := entries[i]
		if e.LocalPort == 0 {
			return nil, fmt.Errorf("mapping %d: localPort missing", i)
		}
		if _, dup := t.byPort[e.LocalPort]; dup {
			return nil, fmt.Errorf("duplicate localPort %d", e.LocalPort)
		}
		ip, err := resolveIPv4(e.RemoteHost)
		if err != nil {
			return nil, fmt.Errorf("mapping %d (%s): %w", i, e.Description, err)
		}
		e.TargetIP = ip
		t.byPort[e.LocalPort] = e
		t.entries = append(t.entries, e)
	}
	return t, nil
}

func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return out, fmt.Errorf("resolve %s: %w", host, err)
		}
		for _, candidate := range ips {
			if candidate.To4() != nil {
				ip = candidate
				break
			}
		}
		if ip == nil {
			return out, fmt.Errorf("resolve %s: no IPv4 address", host)
		}
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("%s is not IPv4; the frame format cannot carry it", host)
	}
	copy(out[:], v4)
	return out, nil
}

// Lookup returns the entry for an ingress listen port.
func (t *Table) Lookup(port uint16) (Entry, bool) {
	e, ok := t.byPort[port]
	return e, ok
}

// Entries returns the mappings in file order.
func (t *Table) Entries() []Entry { return t.entries }
