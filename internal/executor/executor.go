// Package executor is the heart of the core's timing: it pops the next
// eligible command from the per-network queue, enforces the delay policy
// attached to that command, performs the transport I/O, and turns the
// result into one of the outbound event kinds spec.md §6 defines.
//
// Grounded on the teacher library's enhancement-poller.go / enhancement_
// handler.go (read/write dispatch against a ModbusApi, error-to-event
// translation) and on the original mqmgateway's modbus_executor (delay
// bookkeeping: mLastCommandTime/mLastSlave, isInitial()/setupInitialPoll()).
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/modmqttd/modmqttd/internal/queue"
	"github.com/modmqttd/modmqttd/internal/register"
	"github.com/modmqttd/modmqttd/internal/transport"
)

// ErrNotWritable is returned by AddWriteCommand when the target register
// kind (input registers, discrete inputs) never accepts a write_block
// call. Rejected here, at enqueue, rather than left to fail later against
// the transport once it's already consumed a queue slot and perturbed the
// delay bookkeeping PollNext depends on.
var ErrNotWritable = errors.New("executor: register kind is not writable")

// maxConsecutiveReadErrors is how many consecutive read failures on one
// executor trigger a reconnect request toward the worker loop.
const maxConsecutiveReadErrors = 5

// maxDuration signals "nothing queued, wait indefinitely".
const maxDuration = time.Duration(1<<63 - 1)

// Events are the callbacks the executor fires; the worker loop wires these
// to outbound queue sends.
type Events struct {
	OnRegisterValues func(slave register.Address, kind register.Type, first uint16, values []uint16)
	OnReadFailed     func(slave register.Address, kind register.Type, first uint16)
	OnWriteFailed    func(slave register.Address, kind register.Type, first uint16)
	// OnTransportTrouble is called once each time maxConsecutiveReadErrors
	// consecutive read failures accumulate (the count then starts over),
	// signalling the worker that the transport likely needs a reconnect.
	OnTransportTrouble func(err error)
}

// Executor drives one network's queue against its transport.
type Executor struct {
	transport transport.Transport
	queue     *queue.Queue
	events    Events

	// Clock is injectable for deterministic tests; defaults to time.Now.
	Clock func() time.Time

	haveLastCommand  bool
	lastCommandAt    time.Time
	lastSlave        *register.Address
	initialPending   bool
	initialRemaining int
	consecutiveErrs  int
}

// New builds an executor driving q against t, firing events on completion.
func New(t transport.Transport, q *queue.Queue, events Events) *Executor {
	return &Executor{
		transport: t,
		queue:     q,
		events:    events,
		Clock:     time.Now,
	}
}

// SetupInitialPoll enqueues every poll in spec regardless of due-ness and
// marks the executor as running its initial pass: spec.md §4.6 requires
// every poll to execute immediately on (re)connect rather than waiting out
// its refresh interval.
func (e *Executor) SetupInitialPoll(spec map[register.Address][]*register.Poll) {
	e.queue.AddPollList(spec)
	count := 0
	for _, polls := range spec {
		count += len(polls)
	}
	e.initialPending = count > 0
	e.initialRemaining = count
}

// IsInitialPending reports whether the current connection epoch's initial
// full pass over every poll has not yet completed.
func (e *Executor) IsInitialPending() bool {
	return e.initialPending
}

// AllDone reports whether both queues are empty.
func (e *Executor) AllDone() bool {
	return e.queue.Empty()
}

// ResetForNewEpoch clears the executor's delay/initial-pass bookkeeping;
// called by the worker on reconnect before re-priming the initial poll.
func (e *Executor) ResetForNewEpoch() {
	e.haveLastCommand = false
	e.lastSlave = nil
	e.initialPending = false
	e.initialRemaining = 0
	e.consecutiveErrs = 0
}

// AddWriteCommand enqueues a write, returning the enqueue error (if any,
// e.g. ErrNotWritable or queue.ErrWriteQueueFull) so the caller can
// translate it into a WriteFailed event without the executor needing to
// know about messages.
func (e *Executor) AddWriteCommand(w *register.Write) error {
	if !w.Target.Kind.Writable() {
		return ErrNotWritable
	}
	return e.queue.EnqueueWrite(w)
}

// AddDuePolls enqueues the scheduler's current due set, used by the worker
// loop once per scheduling tick outside of the initial poll pass.
func (e *Executor) AddDuePolls(due map[register.Address][]*register.Poll) {
	e.queue.AddPollList(due)
}

// PollNext performs at most one command and returns how long the worker
// loop should wait before calling PollNext again: zero after a command ran
// (even if the queues are now empty, so the caller re-checks AllDone), the
// outstanding silence window if a command is waiting on delay, or
// maxDuration if nothing was queued.
func (e *Executor) PollNext(ctx context.Context) time.Duration {
	elapsed := maxDuration
	if e.haveLastCommand {
		elapsed = e.Clock().Sub(e.lastCommandAt)
	}

	item, found, missing := e.queue.PopFirstWithDelay(e.lastSlave, elapsed)
	if !found {
		if e.queue.Empty() {
			return maxDuration
		}
		return missing
	}

	slaveChanged := e.lastSlave == nil || *e.lastSlave != item.Slave
	if slaveChanged {
		e.transport.SetSlave(item.Slave)
	}

	if item.IsWrite() {
		e.executeWrite(ctx, item.Write)
	} else {
		e.executePoll(ctx, item.Poll)
	}

	now := e.Clock()
	e.haveLastCommand = true
	e.lastCommandAt = now
	slave := item.Slave
	e.lastSlave = &slave

	return 0
}

func (e *Executor) executePoll(ctx context.Context, p *register.Poll) {
	values, err := e.transport.ReadBlock(ctx, p.Ref.Kind, p.Ref.FirstRegister, p.Ref.Count)
	if err != nil {
		e.events.OnReadFailed(p.Ref.Slave, p.Ref.Kind, p.Ref.FirstRegister)
		e.consecutiveErrs++
		if e.consecutiveErrs >= maxConsecutiveReadErrors && e.events.OnTransportTrouble != nil {
			e.consecutiveErrs = 0
			e.events.OnTransportTrouble(err)
		}
		return
	}
	e.consecutiveErrs = 0
	now := e.Clock()
	p.LastReadAt = &now
	wasPending := !p.InitialDone
	p.InitialDone = true
	e.events.OnRegisterValues(p.Ref.Slave, p.Ref.Kind, p.Ref.FirstRegister, values)

	if e.initialPending && wasPending {
		e.initialRemaining--
		if e.initialRemaining <= 0 {
			e.initialPending = false
		}
	}
}

func (e *Executor) executeWrite(ctx context.Context, w *register.Write) {
	err := e.transport.WriteBlock(ctx, w.Target.Kind, w.Target.FirstRegister, w.Values)
	if err != nil {
		e.events.OnWriteFailed(w.Target.Slave, w.Target.Kind, w.Target.FirstRegister)
		return
	}
	if w.Echo != nil {
		e.events.OnRegisterValues(w.Echo.Slave, w.Echo.Kind, w.Echo.FirstRegister, w.Echo.Values)
	}
}
