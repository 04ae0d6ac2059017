//go:build !linux

package neighbor

import "errors"

func netlinkEntries(iface string) ([]Entry, error) {
	return nil, errors.New("netlink neighbor table not available on this platform")
}
