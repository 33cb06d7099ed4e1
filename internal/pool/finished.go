package pool

// finishedHistory is how many finished job ids a pool remembers. Queuing
// under an older id is accepted again and JobDone reports ErrJobNotFound
// for it.
const finishedHistory = 1 << 14

// finishedIDs is a fixed-size set of job ids evicting the oldest first.
type finishedIDs struct {
	ring []uint64
	next int
	set  map[uint64]struct{}
}

func newFinishedIDs(size int) *finishedIDs {
	return &finishedIDs{
		ring: make([]uint64, 0, size),
		set:  make(map[uint64]struct{}, size),
	}
}

func (f *finishedIDs) add(id uint64) {
	if _, ok := f.set[id]; ok {
		return
	}
	if len(f.ring) < cap(f.ring) {
		f.ring = append(f.ring, id)
	} else {
		delete(f.set, f.ring[f.next])
		f.ring[f.next] = id
		f.next = (f.next + 1) % len(f.ring)
	}
	f.set[id] = struct{}{}
}

func (f *finishedIDs) has(id uint64) bool {
	_, ok := f.set[id]
	return ok
}

func (f *finishedIDs) size() int { return len(f.set) }
