// Package netaddr picks the address the device is most likely reachable on.
package netaddr

import (
	"context"
	"net/netip"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	psnet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/sync/singleflight"
)

// Interface is a network interface with its parsed addresses.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []netip.Addr
}

// ListFunc enumerates the host's interfaces.
type ListFunc func(ctx context.Context) ([]Interface, error)

// Resolver caches the chosen address until it disappears from every up
// interface.
type Resolver struct {
	list  ListFunc
	group singleflight.Group

	mu     sync.Mutex
	cached netip.Addr
}

// NewResolver lists interfaces through gopsutil.
func NewResolver() *Resolver {
	return NewResolverWith(ListInterfaces)
}

func NewResolverWith(list ListFunc) *Resolver {
	return &Resolver{list: list}
}

// Address returns the cached address while it is still valid, or resolves a
// new one. An empty string with a nil error means no usable address exists.
func (r *Resolver) Address(ctx context.Context) (string, error) {
	v, err, _ := r.group.Do("address", func() (any, error) {
		ifaces, err := r.list(ctx)
		if err != nil {
			return "", errors.Wrap(err, "netaddr: list interfaces failed")
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.cached.IsValid() && stillAssigned(ifaces, r.cached) {
			return r.cached.String(), nil
		}
		addr, ok := pick(ifaces)
		if !ok {
			r.cached = netip.Addr{}
			return "", nil
		}
		if r.cached != addr {
			log.Debug().Str("ip_address", addr.String()).Msg("netaddr: resolved device address")
		}
		r.cached = addr
		return addr.String(), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate forgets the cached address.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = netip.Addr{}
}

func usable(a netip.Addr) bool {
	return a.IsValid() && !a.IsLoopback() && !a.IsLinkLocalUnicast() &&
		!a.IsLinkLocalMulticast() && !a.IsMulticast() && !a.IsUnspecified()
}

func stillAssigned(ifaces []Interface, addr netip.Addr) bool {
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		for _, a := range iface.Addrs {
			if a == addr {
				return true
			}
		}
	}
	return false
}

// pick returns the first usable IPv4 address, or the first usable IPv6 one.
func pick(ifaces []Interface) (netip.Addr, bool) {
	var v6 netip.Addr
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		for _, a := range iface.Addrs {
			if !usable(a) {
				continue
			}
			if a.Is4() {
				return a, true
			}
			if !v6.IsValid() {
				v6 = a
			}
		}
	}
	return v6, v6.IsValid()
}

// ListInterfaces reads interfaces with gopsutil.
func ListInterfaces(ctx context.Context) ([]Interface, error) {
	stats, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(stats))
	for _, st := range stats {
		iface := Interface{Name: st.Name}
		for _, flag := range st.Flags {
			switch strings.ToLower(flag) {
			case "up":
				iface.Up = true
			case "loopback":
				iface.Loopback = true
			}
		}
		for _, a := range st.Addrs {
			if addr, ok := parseAddr(a.Addr); ok {
				iface.Addrs = append(iface.Addrs, addr)
			}
		}
		out = append(out, iface)
	}
	return out, nil
}

// parseAddr accepts both "10.0.0.2/24" and bare "10.0.0.2".
func parseAddr(s string) (netip.Addr, bool) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}
