package agent

import (
	"sort"
)

// BlockPeer drops the peer from the directory and ignores its traffic from now on.
// With a journal the block survives restarts.
func (n *Node) BlockPeer(peer string) error {
	id, err := NormalizePublicID(peer)
	if err != nil {
		return err
	}
	n.blockMu.Lock()
	n.blocked[id] = struct{}{}
	n.blockMu.Unlock()

	if n.directory.Remove(id) {
		directoryPeers.Set(float64(n.directory.Len()))
		n.emit(Event{Type: EventAgentsChanged, Peer: id, Detail: "blocked"})
	}
	if j := n.Journal(); j != nil {
		return j.SaveBlockedPeer(id)
	}
	return nil
}

// UnblockPeer reports whether the peer was blocked.
func (n *Node) UnblockPeer(peer string) bool {
	id, err := NormalizePublicID(peer)
	if err != nil {
		return false
	}
	n.blockMu.Lock()
	_, ok := n.blocked[id]
	delete(n.blocked, id)
	n.blockMu.Unlock()
	if ok {
		if j := n.Journal(); j != nil {
			if err := j.DeleteBlockedPeer(id); err != nil {
				log.Warnf("unblock %s: %v", shortID(id), err)
			}
		}
	}
	return ok
}

func (n *Node) IsBlockedPeer(peer string) bool {
	n.blockMu.RLock()
	defer n.blockMu.RUnlock()
	_, ok := n.blocked[peer]
	return ok
}

func (n *Node) BlockedPeers() []string {
	n.blockMu.RLock()
	out := make([]string, 0, len(n.blocked))
	for id := range n.blocked {
		out = append(out, id)
	}
	n.blockMu.RUnlock()
	sort.Strings(out)
	return out
}

func (n *Node) loadBlockedPeers(j *Journal) {
	ids, err := j.ListBlockedPeers()
	if err != nil {
		log.Warnf("load blocked peers: %v", err)
		return
	}
	n.blockMu.Lock()
	for _, id := range ids {
		n.blocked[id] = struct{}{}
	}
	n.blockMu.Unlock()
}
