// Package app is the process owner: it takes the parsed configuration, builds one
// network worker per configured fieldbus plus the MQTT bus worker, wires
// the inter-worker message traffic between them, and owns process
// lifecycle (start, signal-driven shutdown, exit codes).
//
// Grounded on spec.md §4.10's description of the process owner's central
// dispatch loop and on the original mqmgateway's top-level modmqtt.cpp
// (one ModbusThread per network, one MqttThread, signal-driven
// EndWorkMessage broadcast on shutdown) — adapted here to a single shared
// outbound channel fan-in instead of a select across N per-worker
// channels, since Go's MPSC channel semantics already give every worker a
// safe way to publish onto one queue (see DESIGN.md).
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modmqttd/modmqttd/internal/compiler"
	"github.com/modmqttd/modmqttd/internal/config"
	"github.com/modmqttd/modmqttd/internal/convert"
	"github.com/modmqttd/modmqttd/internal/messages"
	"github.com/modmqttd/modmqttd/internal/mqttbus"
	"github.com/modmqttd/modmqttd/internal/register"
	"github.com/modmqttd/modmqttd/internal/worker"
)

// ShutdownTimeout bounds how long Run waits for worker goroutines to exit
// after broadcasting EndWork.
const ShutdownTimeout = 5 * time.Second

// bindingTarget resolves an outbound RegisterValues message back to the
// mqttbus.Binding that should publish it.
type bindingTarget struct {
	network string
	slave   register.Address
	kind    register.Type
	reg     uint16
}

// App wires workers, the MQTT bus and the routing loop together.
type App struct {
	cfg    *config.AppConfig
	logger *zap.Logger

	inboxes map[string]*messages.Mailbox[messages.Inbound]
	outbox  *messages.Mailbox[messages.Outbound]

	bus      *mqttbus.Bus
	bindings map[bindingTarget]mqttbus.Binding
}

// New builds an App from parsed configuration. newTransport lets tests
// substitute a fake transport factory; pass worker.DefaultTransportFactory
// in production.
func New(cfg *config.AppConfig, newTransport worker.TransportFactory, logger *zap.Logger) (*App, []*worker.Worker, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		inboxes:  make(map[string]*messages.Mailbox[messages.Inbound]),
		outbox:   messages.NewMailbox[messages.Outbound](256),
		bindings: make(map[bindingTarget]mqttbus.Binding),
	}

	var workers []*worker.Worker
	for _, netCfg := range cfg.Networks {
		inbox := messages.NewMailbox[messages.Inbound](64)
		a.inboxes[netCfg.Name] = inbox
		workers = append(workers, worker.New(netCfg.Name, inbox, a.outbox, newTransport, logger))
	}

	var mqttBindings []mqttbus.Binding
	for _, obj := range cfg.BusObjects {
		for _, rb := range obj.Bindings {
			binding := mqttbus.NewBinding(obj, rb)
			mqttBindings = append(mqttBindings, binding)
			kind, err := config.ParseRegisterType(rb.RegisterType)
			if err != nil {
				return nil, nil, fmt.Errorf("app: bus object %q: %w", obj.Topic, err)
			}
			for i := uint16(0); i < rb.Count; i++ {
				key := bindingTarget{network: rb.Network, slave: register.Address(rb.Slave), kind: kind, reg: rb.Register + i}
				a.bindings[key] = binding
			}
		}
	}

	a.bus = mqttbus.New(cfg.Broker, mqttBindings, a.broadcastMqttState, logger)
	return a, workers, nil
}

// Configure sends each network's NetworkConfig and compiled PollSpec to its
// worker, the step spec.md §4.6 requires before any connection attempt.
func (a *App) Configure(ctx context.Context) error {
	fragmentsByNetwork := make(map[string][]compiler.Fragment)
	for _, obj := range a.cfg.BusObjects {
		for _, rb := range obj.Bindings {
			kind, err := config.ParseRegisterType(rb.RegisterType)
			if err != nil {
				return fmt.Errorf("app: bus object %q: %w", obj.Topic, err)
			}
			fragmentsByNetwork[rb.Network] = append(fragmentsByNetwork[rb.Network], compiler.Fragment{
				Ref: register.Ref{
					Slave:         register.Address(rb.Slave),
					FirstRegister: rb.Register,
					Count:         rb.Count,
					Kind:          kind,
				},
				Refresh: rb.Refresh,
			})
		}
	}

	for _, netCfg := range a.cfg.Networks {
		regCfg, err := netCfg.ToRegisterConfig()
		if err != nil {
			return fmt.Errorf("app: network %q: %w", netCfg.Name, err)
		}
		inbox := a.inboxes[netCfg.Name]
		if err := inbox.Send(ctx, messages.NetworkConfigMessage(regCfg)); err != nil {
			return err
		}
		for _, slave := range netCfg.Slaves {
			if err := inbox.Send(ctx, messages.SlaveConfigMessage(register.SlaveConfig{
				Address:            slave.Address,
				DelayBeforeCommand: register.DelayPolicy{Kind: register.EveryTime, Duration: slave.DelayBeforeCommand},
			})); err != nil {
				return err
			}
		}

		spec := compiler.Compile(fragmentsByNetwork[netCfg.Name], compiler.Options{GroupConsecutive: true})
		if err := inbox.Send(ctx, messages.PollSpecMessage(spec)); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the MQTT bus, launches every worker goroutine and drives the
// central dispatch loop until ctx is cancelled, then broadcasts EndWork
// and waits (bounded by ShutdownTimeout) for workers to exit.
func (a *App) Run(ctx context.Context, workers []*worker.Worker) error {
	if err := a.bus.Connect(ctx); err != nil {
		return fmt.Errorf("app: mqtt connect: %w", err)
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	if err := a.Configure(ctx); err != nil {
		return err
	}

	a.dispatchLoop(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	for _, inbox := range a.inboxes {
		_ = inbox.Send(shutdownCtx, messages.EndWorkMessage())
	}
	a.bus.Disconnect(uint(ShutdownTimeout / time.Millisecond))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("shutdown timed out waiting for workers")
	}
	return nil
}

// dispatchLoop is the central select: outbound worker events become MQTT
// publishes, inbound MQTT set-topic commands become WriteValues messages
// routed to the owning network's worker.
func (a *App) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-a.outbox.Chan():
			a.handleOutbound(ctx, out)
		case in := <-a.bus.Incoming():
			a.handleIncoming(ctx, in)
		}
	}
}

func (a *App) handleOutbound(ctx context.Context, out messages.Outbound) {
	switch out.Kind {
	case messages.KindModbusNetworkState:
		if err := a.bus.PublishNetworkState(out.Network, out.NetworkUp); err != nil {
			a.logger.Warn("publish network state failed", zap.Error(err))
		}
	case messages.KindRegisterValues:
		for i, v := range out.Values {
			key := bindingTarget{network: out.Network, slave: out.Slave, kind: out.RegisterType, reg: out.FirstRegister + uint16(i)}
			binding, ok := a.bindings[key]
			if !ok {
				continue
			}
			conv, err := convert.ByName(binding.Config.Converter)
			if err != nil {
				a.logger.Error("bad converter", zap.Error(err))
				continue
			}
			if err := a.bus.PublishState(binding, conv.Encode(v)); err != nil {
				a.logger.Warn("publish state failed", zap.Error(err))
			}
		}
	case messages.KindReadFailed, messages.KindWriteFailed:
		a.logger.Warn("register operation failed",
			zap.String("network", out.Network),
			zap.Uint8("slave", uint8(out.Slave)),
			zap.Uint16("register", out.FirstRegister))
	}
}

func (a *App) handleIncoming(ctx context.Context, in mqttbus.IncomingCommand) {
	conv, err := convert.ByName(in.Binding.Config.Converter)
	if err != nil {
		a.logger.Error("bad converter", zap.Error(err))
		return
	}
	value, err := conv.Decode(in.Payload)
	if err != nil {
		a.logger.Warn("invalid payload", zap.String("topic", in.Binding.SetTopic), zap.Error(err))
		return
	}

	rb := in.Binding.Config
	inbox, ok := a.inboxes[rb.Network]
	if !ok {
		a.logger.Error("write targets unknown network", zap.String("network", rb.Network))
		return
	}

	write := &register.Write{
		Target: register.Ref{Slave: register.Address(rb.Slave), FirstRegister: rb.Register, Count: 1, Kind: mustRegisterType(rb.RegisterType)},
		Values: []uint16{value},
	}
	if err := inbox.Send(ctx, messages.WriteValuesMessage(write)); err != nil {
		a.logger.Warn("failed to route write", zap.Error(err))
	}
}

func mustRegisterType(s string) register.Type {
	kind, _ := config.ParseRegisterType(s)
	return kind
}

func (a *App) broadcastMqttState(up bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, inbox := range a.inboxes {
		_ = inbox.Send(ctx, messages.MqttNetworkStateMessage(up))
	}
}
