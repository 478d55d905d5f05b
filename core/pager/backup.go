package pager

// Backup receives the pages a pager writes so that a copy in progress
// stays current.
type Backup interface {
	// Update is called with the new content of a page written to the
	// database file or the WAL.
	Update(pgno Pgno, data []byte)

	// Restart is called when the source changed in a way the copy cannot
	// follow page by page. The copy must start over.
	Restart()
}

// RegisterBackup adds b to the backups informed of every page write.
func (p *Pager) RegisterBackup(b Backup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backups = append(p.backups, b)
}

// UnregisterBackup removes b. It is a no-op if b was never registered.
func (p *Pager) UnregisterBackup(b Backup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.backups {
		if x == b {
			p.backups = append(p.backups[:i], p.backups[i+1:]...)
			return
		}
	}
}
