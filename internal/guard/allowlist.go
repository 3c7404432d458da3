package guard

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// AllowList restricts webhook senders to configured addresses. An empty list
// admits every source.
type AllowList struct {
	prefixes []netip.Prefix
}

func ParseAllowList(entries []string) (*AllowList, error) {
	entries = lo.Compact(lo.Map(entries, func(e string, _ int) string {
		return strings.TrimSpace(e)
	}))

	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, errors.Wrapf(err, "allow-list entry %q", entry)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "allow-list entry %q", entry)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return &AllowList{prefixes: prefixes}, nil
}

func (a *AllowList) Enabled() bool {
	return a != nil && len(a.prefixes) > 0
}

func (a *AllowList) Allowed(ip string) bool {
	if !a.Enabled() {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return lo.ContainsBy(a.prefixes, func(p netip.Prefix) bool {
		return p.Contains(addr)
	})
}
