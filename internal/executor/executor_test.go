package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modmqttd/modmqttd/internal/queue"
	"github.com/modmqttd/modmqttd/internal/register"
	"github.com/modmqttd/modmqttd/internal/transport"
)

// fakeTransport is a scripted transport.Transport double: each call records
// the slave it was addressed to and returns from a canned script, avoiding
// any need for a real socket or serial fixture in these timing-focused tests.
type fakeTransport struct {
	slave       register.Address
	setSlaveLog []register.Address

	readValues map[register.Address][]uint16
	readErr    error

	writeErr error
}

func (f *fakeTransport) Connect(ctx context.Context) error    { return nil }
func (f *fakeTransport) Disconnect() error                    { return nil }
func (f *fakeTransport) IsConnected() bool                    { return true }
func (f *fakeTransport) SetSlave(id register.Address) {
	f.slave = id
	f.setSlaveLog = append(f.setSlaveLog, id)
}

func (f *fakeTransport) ReadBlock(ctx context.Context, kind register.Type, first, count uint16) ([]uint16, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.readValues[f.slave], nil
}

func (f *fakeTransport) WriteBlock(ctx context.Context, kind register.Type, first uint16, values []uint16) error {
	return f.writeErr
}

var _ transport.Transport = (*fakeTransport)(nil)

func newTestPoll(slave register.Address, first uint16) *register.Poll {
	return &register.Poll{
		Ref:     register.Ref{Slave: slave, FirstRegister: first, Count: 1, Kind: register.Holding},
		Refresh: time.Second,
	}
}

func TestExecutorPollNextEmitsRegisterValuesOnSuccess(t *testing.T) {
	q := queue.New()
	q.AddPollList(map[register.Address][]*register.Poll{1: {newTestPoll(1, 10)}})

	ft := &fakeTransport{readValues: map[register.Address][]uint16{1: {42}}}
	var got []uint16
	e := New(ft, q, Events{
		OnRegisterValues: func(slave register.Address, kind register.Type, first uint16, values []uint16) {
			got = values
		},
		OnReadFailed:  func(register.Address, register.Type, uint16) {},
		OnWriteFailed: func(register.Address, register.Type, uint16) {},
	})

	wait := e.PollNext(context.Background())
	assert.Equal(t, time.Duration(0), wait)
	assert.Equal(t, []uint16{42}, got)
	assert.True(t, e.AllDone())
}

func TestExecutorPollNextEmitsReadFailedOnError(t *testing.T) {
	q := queue.New()
	q.AddPollList(map[register.Address][]*register.Poll{1: {newTestPoll(1, 10)}})

	ft := &fakeTransport{readErr: &transport.RetryableError{Err: fmt.Errorf("timeout")}}
	failed := false
	e := New(ft, q, Events{
		OnRegisterValues: func(register.Address, register.Type, uint16, []uint16) {},
		OnReadFailed:     func(register.Address, register.Type, uint16) { failed = true },
		OnWriteFailed:    func(register.Address, register.Type, uint16) {},
	})

	e.PollNext(context.Background())
	assert.True(t, failed)
}

func TestExecutorSignalsTransportTroubleAfterConsecutiveFailures(t *testing.T) {
	q := queue.New()
	for i := 0; i < maxConsecutiveReadErrors+2; i++ {
		q.AddPollList(map[register.Address][]*register.Poll{1: {newTestPoll(1, uint16(i + 1))}})
	}

	ft := &fakeTransport{readErr: &transport.RetryableError{Err: fmt.Errorf("timeout")}}
	troubleCount := 0
	e := New(ft, q, Events{
		OnRegisterValues:   func(register.Address, register.Type, uint16, []uint16) {},
		OnReadFailed:       func(register.Address, register.Type, uint16) {},
		OnWriteFailed:      func(register.Address, register.Type, uint16) {},
		OnTransportTrouble: func(err error) { troubleCount++ },
	})

	for !e.AllDone() {
		e.PollNext(context.Background())
	}
	assert.Equal(t, 1, troubleCount, "trouble should only fire once the threshold is crossed")
}

func TestExecutorWriteEchoesOnSuccess(t *testing.T) {
	q := queue.New()
	w := &register.Write{
		Target: register.Ref{Slave: 1, FirstRegister: 5, Count: 1, Kind: register.Holding},
		Values: []uint16{7},
		Echo:   &register.Echo{Slave: 1, Kind: register.Holding, FirstRegister: 5, Values: []uint16{7}},
	}
	require.NoError(t, q.EnqueueWrite(w))

	ft := &fakeTransport{}
	var gotEcho []uint16
	e := New(ft, q, Events{
		OnRegisterValues: func(slave register.Address, kind register.Type, first uint16, values []uint16) {
			gotEcho = values
		},
		OnReadFailed:  func(register.Address, register.Type, uint16) {},
		OnWriteFailed: func(register.Address, register.Type, uint16) {},
	})

	e.PollNext(context.Background())
	assert.Equal(t, []uint16{7}, gotEcho)
}

func TestExecutorWriteWithoutEchoEmitsNothingOnSuccess(t *testing.T) {
	q := queue.New()
	w := &register.Write{
		Target: register.Ref{Slave: 1, FirstRegister: 5, Count: 1, Kind: register.Holding},
		Values: []uint16{7},
	}
	require.NoError(t, q.EnqueueWrite(w))

	ft := &fakeTransport{}
	called := false
	e := New(ft, q, Events{
		OnRegisterValues: func(register.Address, register.Type, uint16, []uint16) { called = true },
		OnReadFailed:     func(register.Address, register.Type, uint16) {},
		OnWriteFailed:    func(register.Address, register.Type, uint16) {},
	})

	e.PollNext(context.Background())
	assert.False(t, called)
}

func TestExecutorWriteFailureEmitsWriteFailed(t *testing.T) {
	q := queue.New()
	w := &register.Write{
		Target: register.Ref{Slave: 1, FirstRegister: 5, Count: 1, Kind: register.Holding},
		Values: []uint16{7},
	}
	require.NoError(t, q.EnqueueWrite(w))

	ft := &fakeTransport{writeErr: &transport.FatalError{Err: fmt.Errorf("exception")}}
	failed := false
	e := New(ft, q, Events{
		OnRegisterValues: func(register.Address, register.Type, uint16, []uint16) {},
		OnReadFailed:     func(register.Address, register.Type, uint16) {},
		OnWriteFailed:    func(register.Address, register.Type, uint16) { failed = true },
	})

	e.PollNext(context.Background())
	assert.True(t, failed)
}

func TestExecutorAddWriteCommandRejectsReadOnlyKinds(t *testing.T) {
	q := queue.New()
	e := New(&fakeTransport{}, q, Events{})

	for _, kind := range []register.Type{register.Bit, register.Input} {
		err := e.AddWriteCommand(&register.Write{
			Target: register.Ref{Slave: 1, FirstRegister: 5, Count: 1, Kind: kind},
			Values: []uint16{1},
		})
		assert.ErrorIs(t, err, ErrNotWritable)
	}
	assert.True(t, q.Empty(), "rejected writes must never reach the queue")
}

func TestExecutorHonorsDelayBeforeRunningNextCommand(t *testing.T) {
	q := queue.New()
	p := newTestPoll(1, 10)
	p.Delay = register.DelayPolicy{Kind: register.EveryTime, Duration: 500 * time.Millisecond}
	q.AddPollList(map[register.Address][]*register.Poll{1: {p}})

	ft := &fakeTransport{readValues: map[register.Address][]uint16{1: {1}}}
	e := New(ft, q, Events{
		OnRegisterValues: func(register.Address, register.Type, uint16, []uint16) {},
		OnReadFailed:     func(register.Address, register.Type, uint16) {},
		OnWriteFailed:    func(register.Address, register.Type, uint16) {},
	})

	now := time.Unix(1000, 0)
	e.Clock = func() time.Time { return now }
	e.PollNext(context.Background()) // first command, no prior command to delay against

	q.AddPollList(map[register.Address][]*register.Poll{1: {p}})
	wait := e.PollNext(context.Background())
	assert.Equal(t, 500*time.Millisecond, wait, "second command must wait out EveryTime delay")

	now = now.Add(500 * time.Millisecond)
	wait = e.PollNext(context.Background())
	assert.Equal(t, time.Duration(0), wait)
}

func TestExecutorSetupInitialPollTracksCompletion(t *testing.T) {
	q := queue.New()
	ft := &fakeTransport{readValues: map[register.Address][]uint16{1: {1}, 2: {2}}}
	e := New(ft, q, Events{
		OnRegisterValues: func(register.Address, register.Type, uint16, []uint16) {},
		OnReadFailed:     func(register.Address, register.Type, uint16) {},
		OnWriteFailed:    func(register.Address, register.Type, uint16) {},
	})

	spec := map[register.Address][]*register.Poll{
		1: {newTestPoll(1, 1)},
		2: {newTestPoll(2, 1)},
	}
	e.SetupInitialPoll(spec)
	assert.True(t, e.IsInitialPending())

	for !e.AllDone() {
		e.PollNext(context.Background())
	}
	assert.False(t, e.IsInitialPending())
}

func TestExecutorResetForNewEpochClearsState(t *testing.T) {
	q := queue.New()
	ft := &fakeTransport{readValues: map[register.Address][]uint16{1: {1}}}
	e := New(ft, q, Events{
		OnRegisterValues: func(register.Address, register.Type, uint16, []uint16) {},
		OnReadFailed:     func(register.Address, register.Type, uint16) {},
		OnWriteFailed:    func(register.Address, register.Type, uint16) {},
	})
	q.AddPollList(map[register.Address][]*register.Poll{1: {newTestPoll(1, 1)}})
	e.PollNext(context.Background())
	assert.True(t, e.haveLastCommand)

	e.ResetForNewEpoch()
	assert.False(t, e.haveLastCommand)
	assert.Nil(t, e.lastSlave)
	assert.False(t, e.IsInitialPending())
}
