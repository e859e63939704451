// Package queue implements the per-network request queues: a poll ring
// refilled from the scheduler's due set and a bounded write FIFO, popped
// in alternation so write bursts never starve reads or vice versa, with a
// delay-aware pop that lets the executor honor silence-window policies
// without busy-waiting.
//
// Shape is grounded on the teacher library's register-manager.go /
// enhancement-register-manager.go (poll ring + pending writes, alternation
// toggle) and on the original mqmgateway's modbus_request_queues.hpp
// (ModbusRequestsQueues: mPollQueue/mWriteQueue, mPopFromPoll alternation,
// findForSilencePeriod's cached-iterator scan, usage watermarks).
package queue

import (
	"errors"
	"time"

	"github.com/modmqttd/modmqttd/internal/register"
)

// DefaultMaxWriteQueueSize is the bound from the data model invariant.
const DefaultMaxWriteQueueSize = 1000

// lowWatermarkPct/highWatermarkPct define the usage hysteresis band.
const (
	lowWatermarkPct  = 10
	highWatermarkPct = 90
)

// ErrWriteQueueFull is returned by EnqueueWrite when the bounded write FIFO
// is at capacity; per spec the overflow policy rejects the newest write.
var ErrWriteQueueFull = errors.New("queue: write queue full")

// Item is one command popped from the queues, tagged with the fields the
// executor needs regardless of whether it is a poll or a write.
type Item struct {
	Slave register.Address
	Delay register.DelayPolicy
	Poll  *register.Poll // non-nil for a poll command
	Write *register.Write // non-nil for a write command
}

// IsWrite reports whether this item is a write command.
func (i Item) IsWrite() bool { return i.Write != nil }

// Queue holds one network's pending polls and writes.
type Queue struct {
	pollRing    []*register.Poll
	writeFIFO   []*register.Write
	pollScanIdx int
	popFromPoll bool

	maxWriteQueueSize int
	usageIsLow        bool
}

// New returns an empty queue with the default write-queue bound.
func New() *Queue {
	return &Queue{
		maxWriteQueueSize: DefaultMaxWriteQueueSize,
		popFromPoll:       true,
		usageIsLow:        true,
	}
}

// SetMaxWriteQueueSize overrides the write queue bound.
func (q *Queue) SetMaxWriteQueueSize(n int) {
	q.maxWriteQueueSize = n
}

// AddPollList appends the scheduler's due polls to the poll ring, one
// command per slave/poll pair.
func (q *Queue) AddPollList(due map[register.Address][]*register.Poll) {
	for _, polls := range due {
		q.pollRing = append(q.pollRing, polls...)
	}
}

// EnqueueWrite appends a write command, rejecting the newest write with
// ErrWriteQueueFull if the bound would be exceeded.
func (q *Queue) EnqueueWrite(w *register.Write) error {
	if len(q.writeFIFO) >= q.maxWriteQueueSize {
		return ErrWriteQueueFull
	}
	q.writeFIFO = append(q.writeFIFO, w)
	q.recomputeUsage()
	return nil
}

func (q *Queue) recomputeUsage() {
	size := len(q.writeFIFO)
	low := q.maxWriteQueueSize * lowWatermarkPct / 100
	high := q.maxWriteQueueSize * highWatermarkPct / 100
	switch {
	case size <= low:
		q.usageIsLow = true
	case size >= high:
		q.usageIsLow = false
	}
	// else: unchanged, hysteresis band
}

// WriteQueueUsagePercent returns the write FIFO's occupancy as a percentage
// of its bound.
func (q *Queue) WriteQueueUsagePercent() float64 {
	if q.maxWriteQueueSize == 0 {
		return 0
	}
	return float64(len(q.writeFIFO)) * 100 / float64(q.maxWriteQueueSize)
}

// IsWriteQueueUsageLow reports the current hysteresis state.
func (q *Queue) IsWriteQueueUsageLow() bool {
	return q.usageIsLow
}

// Empty reports whether both queues are empty.
func (q *Queue) Empty() bool {
	return len(q.pollRing) == 0 && len(q.writeFIFO) == 0
}

// PopNext pops the head of whichever side the alternation toggle selects,
// skipping an empty side. Returns false if both queues are empty.
func (q *Queue) PopNext() (Item, bool) {
	if len(q.pollRing) == 0 && len(q.writeFIFO) == 0 {
		return Item{}, false
	}
	wantPoll := q.popFromPoll
	if wantPoll && len(q.pollRing) == 0 {
		wantPoll = false
	}
	if !wantPoll && len(q.writeFIFO) == 0 {
		wantPoll = true
	}
	q.popFromPoll = !q.popFromPoll
	if wantPoll {
		return q.popPollAt(0), true
	}
	return q.popWriteAt(0), true
}

// PopFirstWithDelay returns the first command whose required silence (as
// computed by RequiredSilence, given whether popping it would change the
// last-addressed slave) is no more than elapsedSinceLastCommand. When the
// alternation toggle points at the write side and the head write is
// eligible, that write is popped; otherwise it scans the poll ring from a
// cached position so in-order polling is amortized O(1), and failing that
// pops the head write if it is eligible. Each pop flips the toggle to the
// other side, so neither side starves the other.
//
// When no command qualifies, it returns the alternation head anyway
// (found=false) along with the silence still missing for that head, so the
// caller can sleep the residual delay as spec.md's executor does.
func (q *Queue) PopFirstWithDelay(lastSlave *register.Address, elapsedSinceLastCommand time.Duration) (item Item, found bool, missing time.Duration) {
	writeReady := len(q.writeFIFO) > 0 &&
		elapsedSinceLastCommand >= q.writeFIFO[0].Delay.RequiredSilence(slaveChanged(lastSlave, q.writeFIFO[0].Target.Slave))
	if writeReady && !q.popFromPoll {
		q.popFromPoll = true
		return q.popWriteAt(0), true, 0
	}
	if idx, ok := q.scanPollRingForEligible(lastSlave, elapsedSinceLastCommand); ok {
		q.popFromPoll = false
		return q.popPollAt(idx), true, 0
	}
	if writeReady {
		q.popFromPoll = true
		return q.popWriteAt(0), true, 0
	}

	head, ok := q.peekAlternationHead()
	if !ok {
		return Item{}, false, 0
	}
	required := head.Delay.RequiredSilence(slaveChanged(lastSlave, head.Slave))
	if elapsedSinceLastCommand >= required {
		return q.popAlternationHead(), true, 0
	}
	return Item{}, false, required - elapsedSinceLastCommand
}

func (q *Queue) scanPollRingForEligible(lastSlave *register.Address, elapsed time.Duration) (int, bool) {
	n := len(q.pollRing)
	if n == 0 {
		return 0, false
	}
	if q.pollScanIdx >= n {
		q.pollScanIdx = 0
	}
	for i := 0; i < n; i++ {
		idx := (q.pollScanIdx + i) % n
		p := q.pollRing[idx]
		required := p.Delay.RequiredSilence(slaveChanged(lastSlave, p.Ref.Slave))
		if elapsed >= required {
			q.pollScanIdx = idx
			return idx, true
		}
	}
	return 0, false
}

func (q *Queue) peekAlternationHead() (Item, bool) {
	wantPoll := q.popFromPoll
	if wantPoll && len(q.pollRing) == 0 {
		wantPoll = false
	}
	if !wantPoll && len(q.writeFIFO) == 0 {
		wantPoll = true
	}
	if wantPoll {
		if len(q.pollRing) == 0 {
			return Item{}, false
		}
		return itemFromPoll(q.pollRing[0]), true
	}
	if len(q.writeFIFO) == 0 {
		return Item{}, false
	}
	return itemFromWrite(q.writeFIFO[0]), true
}

func (q *Queue) popAlternationHead() Item {
	item, _ := q.PopNext()
	return item
}

func (q *Queue) popPollAt(idx int) Item {
	p := q.pollRing[idx]
	q.pollRing = append(q.pollRing[:idx], q.pollRing[idx+1:]...)
	if q.pollScanIdx > idx {
		q.pollScanIdx--
	}
	return itemFromPoll(p)
}

func (q *Queue) popWriteAt(idx int) Item {
	w := q.writeFIFO[idx]
	q.writeFIFO = append(q.writeFIFO[:idx], q.writeFIFO[idx+1:]...)
	q.recomputeUsage()
	return itemFromWrite(w)
}

func itemFromPoll(p *register.Poll) Item {
	return Item{Slave: p.Ref.Slave, Delay: p.Delay, Poll: p}
}

func itemFromWrite(w *register.Write) Item {
	return Item{Slave: w.Target.Slave, Delay: w.Delay, Write: w}
}

func slaveChanged(last *register.Address, next register.Address) bool {
	return last == nil || *last != next
}
