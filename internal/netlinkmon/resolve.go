package netlinkmon

import "github.com/vishvananda/netlink"

// ResolveIfname resolves ifindex to its current interface name via rtnetlink
// (spec.md 6: "-N/--resolve-names={early|late|never}"). Lookups are best
// effort: an interface may have been renamed or removed between the uevent
// firing and this call, which the caller treats as a non-fatal miss.
func ResolveIfname(ifindex int) (string, error) {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return "", err
	}
	return link.Attrs().Name, nil
}
