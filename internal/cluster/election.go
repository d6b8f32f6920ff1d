package cluster

import (
	"golang.org/x/exp/slices"
)

// ElectMaster picks the member with the highest seed. Addresses are visited in
// sorted order and only a strictly greater seed replaces the current
// candidate, so equal seeds resolve to the lexicographically smallest
// address. An empty membership elects nobody.
//
// Callers are expected to include their own (address, seed) pair; a node
// that cannot reach anyone elects itself.
func ElectMaster(members map[NodeAddress]PeerInfo) NodeAddress {
	addrs := make([]NodeAddress, 0, len(members))
	for addr := range members {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)

	var (
		master NodeAddress
		best   Seed
		found  bool
	)
	for _, addr := range addrs {
		seed := members[addr].Seed
		if !found || seed > best {
			master, best, found = addr, seed, true
		}
	}
	return master
}
