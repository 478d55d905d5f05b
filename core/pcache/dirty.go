package pcache

const sortBuckets = 32

func (c *PageCache) addToDirtyList(pg *Page) {
	pg.dirtyNext = c.dirtyHead
	pg.dirtyPrev = nil
	if c.dirtyHead != nil {
		c.dirtyHead.dirtyPrev = pg
	}
	c.dirtyHead = pg
	if c.dirtyTail == nil {
		c.dirtyTail = pg
	}
	if c.synced == nil && pg.flags&FlagNeedSync == 0 {
		c.synced = pg
	}
}

func (c *PageCache) removeFromDirtyList(pg *Page) {
	if c.synced == pg {
		s := pg.dirtyPrev
		for s != nil && s.flags&FlagNeedSync != 0 {
			s = s.dirtyPrev
		}
		c.synced = s
	}
	if pg.dirtyNext != nil {
		pg.dirtyNext.dirtyPrev = pg.dirtyPrev
	} else {
		c.dirtyTail = pg.dirtyPrev
	}
	if pg.dirtyPrev != nil {
		pg.dirtyPrev.dirtyNext = pg.dirtyNext
	} else {
		c.dirtyHead = pg.dirtyNext
	}
	pg.dirtyNext = nil
	pg.dirtyPrev = nil
}

// DirtyList returns every dirty page in ascending page order.
func (c *PageCache) DirtyList() []*Page {
	var n int
	for pg := c.dirtyHead; pg != nil; pg = pg.dirtyNext {
		pg.sortNext = pg.dirtyNext
		n++
	}
	out := make([]*Page, 0, n)
	for pg := sortDirty(c.dirtyHead); pg != nil; {
		next := pg.sortNext
		pg.sortNext = nil
		out = append(out, pg)
		pg = next
	}
	return out
}

func mergeDirty(a, b *Page) *Page {
	var head Page
	tail := &head
	for a != nil && b != nil {
		if a.id < b.id {
			tail.sortNext = a
			tail = a
			a = a.sortNext
		} else {
			tail.sortNext = b
			tail = b
			b = b.sortNext
		}
	}
	if a != nil {
		tail.sortNext = a
	} else {
		tail.sortNext = b
	}
	return head.sortNext
}

// sortDirty is a bottom-up merge sort over the sortNext chain. Bucket i
// holds a sorted run of 2^i pages; the last bucket absorbs everything
// beyond that.
func sortDirty(in *Page) *Page {
	var buckets [sortBuckets]*Page
	for in != nil {
		pg := in
		in = pg.sortNext
		pg.sortNext = nil

		i := 0
		for ; i < sortBuckets-1; i++ {
			if buckets[i] == nil {
				buckets[i] = pg
				break
			}
			pg = mergeDirty(buckets[i], pg)
			buckets[i] = nil
		}
		if i == sortBuckets-1 {
			buckets[i] = mergeDirty(buckets[i], pg)
		}
	}
	var out *Page
	for _, b := range buckets {
		out = mergeDirty(out, b)
	}
	return out
}
