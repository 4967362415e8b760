package agent

func (n *Node) journalTask(rec TaskRecord) {
	if n.journal == nil {
		return
	}
	if err := n.journal.RecordTask(rec); err != nil {
		log.Warnf("journal task %s: %v", rec.ID, err)
	}
}

func (n *Node) journalUpdate(id, direction, state, result string) {
	if n.journal == nil {
		return
	}
	if err := n.journal.UpdateTask(id, direction, state, result); err != nil {
		log.Warnf("journal update %s: %v", id, err)
	}
}
