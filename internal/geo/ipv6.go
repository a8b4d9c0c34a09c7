package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
)

// ErrInvalidPrefix reports a CIDR entry that is not a valid IPv6 prefix.
var ErrInvalidPrefix = errors.New("invalid ipv6 prefix")

// ParsePrefix parses an IPv6 CIDR such as "2001:db8::/32" and returns it
// in masked (canonical) form.
func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q: %v", ErrInvalidPrefix, s, err)
	}
	if !p.Addr().Is6() || p.Addr().Is4In6() {
		return netip.Prefix{}, fmt.Errorf("%w: %q is not ipv6", ErrInvalidPrefix, s)
	}
	return p.Masked(), nil
}

// RandomAddressInPrefix draws a uniformly random address inside the prefix:
// network bits are kept, every host bit is randomized.
func RandomAddressInPrefix(rng *rand.Rand, p netip.Prefix) netip.Addr {
	base := p.Masked().Addr().As16()
	bits := p.Bits()
	for i := 0; i < 16; i++ {
		if (i+1)*8 <= bits {
			continue
		}
		r := byte(rng.Intn(256))
		if lo := i * 8; lo < bits {
			keep := bits - lo
			mask := byte(0xFF >> keep)
			base[i] = base[i]&^mask | r&mask
			continue
		}
		base[i] = r
	}
	return netip.AddrFrom16(base)
}

// RandomIPv6 draws eight uniform 16-bit groups.
func RandomIPv6(rng *rand.Rand) netip.Addr {
	var b [16]byte
	for i := 0; i < 16; i += 2 {
		g := rng.Intn(1 << 16)
		b[i] = byte(g >> 8)
		b[i+1] = byte(g)
	}
	return netip.AddrFrom16(b)
}

// VPNBlacklist holds the known VPN and Tor exit prefixes. It is loaded once
// at startup and read-only afterwards.
type VPNBlacklist struct {
	Description string
	prefixes    []netip.Prefix
}

type blacklistFile struct {
	Description string   `json:"description"`
	List        []string `json:"list"`
}

// LoadVPNBlacklist reads a blacklist JSON file of the shape
// {"description": "...", "list": ["2001:db8::/32", ...]}.
func LoadVPNBlacklist(path string) (*VPNBlacklist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blacklist %s: %w", path, err)
	}
	bl, err := ParseVPNBlacklist(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load blacklist %s: %w", path, err)
	}
	return bl, nil
}

// ParseVPNBlacklist decodes blacklist JSON from memory.
func ParseVPNBlacklist(raw []byte) (*VPNBlacklist, error) {
	var f blacklistFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode blacklist: %w", err)
	}
	bl := &VPNBlacklist{
		Description: f.Description,
		prefixes:    make([]netip.Prefix, 0, len(f.List)),
	}
	for _, s := range f.List {
		p, err := ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		bl.prefixes = append(bl.prefixes, p)
	}
	return bl, nil
}

// Size returns the number of prefixes in the blacklist.
func (b *VPNBlacklist) Size() int { return len(b.prefixes) }

// Contains reports whether the address falls inside any blacklisted prefix.
func (b *VPNBlacklist) Contains(addr netip.Addr) bool {
	for _, p := range b.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ContainsIP is Contains for a textual address. Malformed input is never
// blacklisted.
func (b *VPNBlacklist) ContainsIP(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return b.Contains(addr)
}

// RandomAddress expands a random blacklisted prefix into a concrete address.
func (b *VPNBlacklist) RandomAddress(rng *rand.Rand) netip.Addr {
	p := b.prefixes[rng.Intn(len(b.prefixes))]
	return RandomAddressInPrefix(rng, p)
}
