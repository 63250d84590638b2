package task

import "sort"

// sleepEntry keys a blocked task by its absolute tick deadline.
type sleepEntry struct {
	id       ID
	deadline uint64
}

// SleepQueue is the deadline-ordered queue backing sleep_ms and the
// timeout half of wait_timeout. It is kept as a simple sorted slice --
// Aurora's task counts are small (MaxTasks, default 64) so a heap
// would be premature.
type SleepQueue struct {
	entries []sleepEntry
}

// Insert schedules id to wake at the given absolute tick deadline.
func (sq *SleepQueue) Insert(id ID, deadline uint64) {
	sq.entries = append(sq.entries, sleepEntry{id, deadline})
	sort.Slice(sq.entries, func(i, j int) bool { return sq.entries[i].deadline < sq.entries[j].deadline })
}

// Remove cancels id's pending sleep entry, if any -- used when a notify
// wakes the task before its timeout fires, per wait_timeout's contract
// that the sleep-queue entry must not cause a spurious late wake.
func (sq *SleepQueue) Remove(id ID) {
	for i, e := range sq.entries {
		if e.id == id {
			sq.entries = append(sq.entries[:i], sq.entries[i+1:]...)
			return
		}
	}
}

// Expire pops every entry whose deadline has passed (now >= deadline) and
// wakes it with WaitTimeout. Called once per tick from the timer handler.
func (sq *SleepQueue) Expire(now uint64, s *Scheduler) {
	i := 0
	for ; i < len(sq.entries); i++ {
		if sq.entries[i].deadline > now {
			break
		}
		s.Wake(sq.entries[i].id, WaitTimeout)
	}
	sq.entries = sq.entries[i:]
}

// SleepMs blocks the current task on the sleep queue until now+ms ticks
// have elapsed (caller supplies `now` and the queue it should also be
// parked on -- sleep_ms parks on no other wait queue, so an internal
// dummy queue is used).
func (s *Scheduler) SleepMs(sq *SleepQueue, now uint64, ms uint64) {
	cur := s.Current()
	if cur == Invalid {
		return
	}
	sq.Insert(cur, now+ms)
	var dummy WaitQueue
	s.BlockCurrent(WaitTimeout, &dummy)
}

// WaitTimeout combines BlockCurrent on queue with a SleepQueue entry; the
// caller inspects the resumed task's WaitReason to distinguish Notified
// from Timeout.
func (s *Scheduler) WaitTimeout(queue *WaitQueue, sq *SleepQueue, now, ms uint64) {
	cur := s.Current()
	if cur == Invalid {
		return
	}
	sq.Insert(cur, now+ms)
	s.BlockCurrent(WaitNotified, queue)
	// On resume (this line only executes once the task is rescheduled),
	// remove any lingering sleep-queue entry so a notify that raced the
	// deadline doesn't leave a stale timer around.
	sq.Remove(cur)
}
