// Package scheduler holds the compiled poll specification and answers
// "what is due now, and how long until the next thing is due". It mirrors
// the shape of the teacher library's RegisterScheduler (poller.go): a
// mutex-protected holder of compiled groups, reloaded wholesale on
// set_spec the way RegisterScheduler.Load replaces rs.groups.
package scheduler

import (
	"sync"
	"time"

	"github.com/modmqttd/modmqttd/internal/register"
)

// Scheduler tracks one network's compiled polls, keyed by slave.
type Scheduler struct {
	mu    sync.Mutex
	polls map[register.Address][]*register.Poll
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{polls: make(map[register.Address][]*register.Poll)}
}

// SetSpec wholesale-replaces the compiled poll specification. It stores the
// polls as given and does not reset their last_read_at/initial_done state;
// freshly compiled polls start with that state at its zero value.
func (s *Scheduler) SetSpec(polls map[register.Address][]*register.Poll) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = polls
}

// ResetEpoch clears last_read_at/initial_done on every poll, used when the
// transport reconnects and a new connection epoch begins.
func (s *Scheduler) ResetEpoch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slavePolls := range s.polls {
		for _, p := range slavePolls {
			p.ResetEpoch()
		}
	}
}

// FindRegisterPoll returns the poll (if any) whose span contains ref,
// used by the worker to decide whether a write should echo.
func (s *Scheduler) FindRegisterPoll(ref register.Ref) *register.Poll {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.polls[ref.Slave] {
		if p.Ref.Kind == ref.Kind && p.Ref.FirstRegister <= ref.FirstRegister && ref.Last() <= p.Ref.Last() {
			return p
		}
	}
	return nil
}

// UpdateSlaveDelay mutates the delay policy of every poll belonging to the
// given slave in place, used when a SlaveConfig update arrives after the
// PollSpec.
func (s *Scheduler) UpdateSlaveDelay(slave register.Address, delay register.DelayPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.polls[slave] {
		p.Delay = delay
	}
}

// Due is the result of GetRegistersToPoll: every poll whose deadline has
// passed, grouped by slave, plus how long until the next non-due poll
// becomes due.
type Due struct {
	Polls          map[register.Address][]*register.Poll
	SleepUntilNext time.Duration
}

// GetRegistersToPoll returns every poll due at or before now, and the
// minimum remaining time across non-due polls. SleepUntilNext is
// time.Duration's maximum value when the spec is empty.
func (s *Scheduler) GetRegistersToPoll(now time.Time) Due {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := Due{Polls: make(map[register.Address][]*register.Poll), SleepUntilNext: maxDuration}
	for slave, slavePolls := range s.polls {
		for _, p := range slavePolls {
			if p.Due(now) {
				result.Polls[slave] = append(result.Polls[slave], p)
				continue
			}
			if remaining := p.RemainingUntilDue(now); remaining < result.SleepUntilNext {
				result.SleepUntilNext = remaining
			}
		}
	}
	return result
}

// Empty reports whether the scheduler currently holds no polls at all.
func (s *Scheduler) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slavePolls := range s.polls {
		if len(slavePolls) > 0 {
			return false
		}
	}
	return true
}

// Spec returns a snapshot of the full poll specification, used when
// priming the executor on (re)connect.
func (s *Scheduler) Spec() map[register.Address][]*register.Poll {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[register.Address][]*register.Poll, len(s.polls))
	for slave, polls := range s.polls {
		out[slave] = append([]*register.Poll(nil), polls...)
	}
	return out
}

const maxDuration = time.Duration(1<<63 - 1)
