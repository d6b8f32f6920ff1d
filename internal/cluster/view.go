package cluster

import (
	"sync"
)

// Snapshot is a consistent copy of the view taken under its lock. Callers
// may keep and mutate it freely; it is never written back.
type Snapshot struct {
	Members map[NodeAddress]PeerInfo
	Slaves  map[NodeAddress]PeerInfo
	Self    NodeAddress
	Master  NodeAddress
	Role    Role
	Seed    Seed
}

// Transition describes what ApplyElection changed.
type Transition struct {
	Previous NodeAddress
	Master   NodeAddress
	Role     Role
	Changed  bool
}

// View is the node's shared picture of the mesh: active members, the
// recognised master and, while this node is master, its registered slaves.
//
// Every read and write goes through the lock. Nothing here performs I/O, so
// the lock is never held across a network call.
type View struct {
	members map[NodeAddress]PeerInfo
	slaves  map[NodeAddress]PeerInfo
	self    NodeAddress
	master  NodeAddress
	seed    Seed
	mu      sync.RWMutex
}

// NewView creates an uninitialised view for the node at self with a fixed seed.
func NewView(self NodeAddress, seed Seed) *View {
	return &View{
		self:    self,
		seed:    seed,
		members: make(map[NodeAddress]PeerInfo),
		slaves:  make(map[NodeAddress]PeerInfo),
	}
}

// Self returns this node's address.
func (v *View) Self() NodeAddress { return v.self }

// Seed returns this node's election seed.
func (v *View) Seed() Seed { return v.seed }

// SelfInfo is the membership entry this node contributes to its own election.
func (v *View) SelfInfo() PeerInfo {
	return PeerInfo{Address: v.self, Seed: v.seed, Reachable: true}
}

// Master returns the currently recognised master, empty before the first
// election.
func (v *View) Master() NodeAddress {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.master
}

// Role reports this node's role derived from the recorded master.
func (v *View) Role() Role {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.roleLocked()
}

func (v *View) roleLocked() Role {
	switch v.master {
	case "":
		return RoleUninitialized
	case v.self:
		return RoleMaster
	default:
		return RoleSlave
	}
}

// Snapshot copies the current state.
func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := Snapshot{
		Self:    v.self,
		Seed:    v.seed,
		Master:  v.master,
		Role:    v.roleLocked(),
		Members: make(map[NodeAddress]PeerInfo, len(v.members)),
		Slaves:  make(map[NodeAddress]PeerInfo, len(v.slaves)),
	}
	for k, p := range v.members {
		s.Members[k] = p
	}
	for k, p := range v.slaves {
		s.Slaves[k] = p
	}
	return s
}

// ApplyElection replaces the member set and compares-and-swaps the master in
// one lock acquisition. Any change of master clears the slave set: slaves
// registered with the previous master belong to a different reign.
func (v *View) ApplyElection(members map[NodeAddress]PeerInfo, master NodeAddress) Transition {
	fresh := make(map[NodeAddress]PeerInfo, len(members))
	for k, p := range members {
		fresh[k] = p
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.members = fresh
	t := Transition{Previous: v.master, Master: master}
	if master != v.master {
		v.master = master
		v.slaves = make(map[NodeAddress]PeerInfo)
		t.Changed = true
	}
	t.Role = v.roleLocked()
	return t
}

// RegisterSlave records p as a slave. It reports false when the address was
// already registered, in which case the stored entry is left untouched.
func (v *View) RegisterSlave(p PeerInfo) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.slaves[p.Address]; exists {
		return false
	}
	v.slaves[p.Address] = p
	return true
}

// Slaves returns a copy of the registered slave set.
func (v *View) Slaves() map[NodeAddress]PeerInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[NodeAddress]PeerInfo, len(v.slaves))
	for k, p := range v.slaves {
		out[k] = p
	}
	return out
}
