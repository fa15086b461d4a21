package chatwire

import (
	"net/netip"
	"sync/atomic"

	"github.com/gaissmai/bart"
	"github.com/sirupsen/logrus"

	"github.com/fenholt/chatwire/config"
)

// accessLists is one immutable generation of ban/whitelist rules. A reload
// builds a fresh generation and swaps the pointer, so readers never observe
// a partially updated rule set.
type accessLists struct {
	bans      *bart.Lite
	whitelist *bart.Lite

	// allowAll is set when no whitelist is configured, admission is then
	// controlled by the ban list alone.
	allowAll bool
}

// AccessControl answers ban and whitelist queries for remote addresses.
// Reads are lock free and safe from any goroutine concurrently with reloads.
type AccessControl struct {
	l     *logrus.Logger
	lists atomic.Pointer[accessLists]
}

func NewAccessControlFromConfig(l *logrus.Logger, c *config.C) *AccessControl {
	a := &AccessControl{l: l}
	a.ReloadFromConfig(c)
	return a
}

// ReloadFromConfig rebuilds both rule sets from access.bans and
// access.whitelist and swaps them in atomically. Entries are bare IPs or
// CIDRs, anything else is logged and skipped. Matches the signature of
// config.C reload callbacks.
func (a *AccessControl) ReloadFromConfig(c *config.C) {
	bans, banCount := a.parseRuleSet("access.bans", c)
	whitelist, wlCount := a.parseRuleSet("access.whitelist", c)

	a.lists.Store(&accessLists{
		bans:      bans,
		whitelist: whitelist,
		allowAll:  wlCount == 0,
	})

	a.l.WithField("bans", banCount).WithField("whitelist", wlCount).Info("Access lists loaded")
}

// IsBanned reports whether addr matches the ban list.
func (a *AccessControl) IsBanned(addr netip.Addr) bool {
	return a.lists.Load().bans.Contains(addr.Unmap())
}

// IsWhitelisted reports whether addr may proceed past the handshake. An
// empty whitelist admits every address, ban precedence is the caller's job.
func (a *AccessControl) IsWhitelisted(addr netip.Addr) bool {
	lists := a.lists.Load()
	if lists.allowAll {
		return true
	}
	return lists.whitelist.Contains(addr.Unmap())
}

func (a *AccessControl) parseRuleSet(key string, c *config.C) (*bart.Lite, int) {
	table := new(bart.Lite)
	count := 0

	for _, entry := range c.GetStringSlice(key, nil) {
		pfx, err := netip.ParsePrefix(entry)
		if err != nil {
			addr, aerr := netip.ParseAddr(entry)
			if aerr != nil {
				a.l.WithField("rule", key).WithField("entry", entry).Warn("Skipping unparseable access rule")
				continue
			}
			addr = addr.Unmap()
			pfx = netip.PrefixFrom(addr, addr.BitLen())
		}

		table.Insert(pfx.Masked())
		count++
	}

	return table, count
}
