package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/adv"
	"github.com/sirupsen/logrus"
	"github.com/srg/bletemp/internal/gap"
	"github.com/srg/bletemp/internal/gatt"
	"github.com/srg/bletemp/internal/task"
)

// Host return codes reported in gap.StackError.Code
const (
	rcInvalid   = 3
	rcMsgSize   = 4
	rcNotSup    = 8
	rcBusy      = 15
	rcNotSynced = 22
)

// attChannelID is the fixed L2CAP channel of the attribute protocol.
const attChannelID = 0x0004

// DefaultTxPower fills an automatic TX power field when the controller
// cannot report its advertising power.
const DefaultTxPower int8 = 0

// rawAdvertiser is a device that advertises prebuilt advertising data and
// scan response until ctx is done.
type rawAdvertiser interface {
	AdvertiseRaw(ctx context.Context, ad, sr []byte) error
}

// txPowerReader is a device that reports its advertising TX power.
type txPowerReader interface {
	AdvTxPower() (int8, error)
}

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newDefaultDevice()
}

// Options configure a Stack.
type Options struct {
	AddrType gap.AddrType // identity address type; privacy upgrades it to an RPA
	TxPower  int8 // used when the controller does not report one
}

// Stack implements gap.Stack on top of a go-ble device acting as a GATT
// server. Connection, MTU and disconnect events are derived from GATT
// activity: the first request from a peer marks it connected.
type Stack struct {
	registry *gatt.Registry
	opts     Options
	logger   *logrus.Logger

	mu        sync.Mutex
	ctx       context.Context
	dev       ble.Device
	svcUUID   ble.UUID
	scanResp  []byte
	txPower   int8
	fields    gap.AdvFields
	payload   []byte
	sink      gap.EventSink
	advGen    uint64
	advCancel context.CancelFunc
	conns     map[string]uint16
	nextConn  uint16
}

// New creates a Stack serving the attributes of registry.
func New(registry *gatt.Registry, opts Options, logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{
		registry: registry,
		opts:     opts,
		logger:   logger,
		conns:    make(map[string]uint16),
		nextConn: 1,
		txPower:  opts.TxPower,
	}
}

// Sync opens the device, publishes the registry's services and then calls
// onSync. ctx bounds the lifetime of every advertising and connection
// goroutine started later.
func (s *Stack) Sync(ctx context.Context, onSync func()) error {
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}

	svcUUID, err := ble.Parse(gatt.ServiceUUID)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}
	svc := ble.NewService(svcUUID)

	for _, c := range s.registry.Characteristics() {
		u, err := ble.Parse(c.UUID)
		if err != nil {
			return fmt.Errorf("invalid characteristic UUID %s: %w", c.UUID, err)
		}
		char := svc.NewCharacteristic(u)
		if c.Properties&gatt.PropRead != 0 {
			char.HandleRead(ble.ReadHandlerFunc(s.readHandler(c.UUID)))
		}
		if c.Properties&gatt.PropNotify != 0 {
			char.HandleNotify(ble.NotifyHandlerFunc(s.notifyHandler(c.UUID)))
		}
	}

	if err := dev.AddService(svc); err != nil {
		return fmt.Errorf("failed to add service: %w", err)
	}

	// the name and TX power fill the advertising data, the service goes in
	// the scan response
	sr, err := adv.NewPacket(adv.AllUUID(svcUUID))
	if err != nil {
		return fmt.Errorf("failed to build scan response: %w", err)
	}

	txPower := s.opts.TxPower
	if r, ok := dev.(txPowerReader); ok {
		if lvl, err := r.AdvTxPower(); err != nil {
			s.logger.WithError(err).WithField("tx_power", txPower).Warn("Controller TX power unknown, using default")
		} else {
			txPower = lvl
		}
	}

	s.mu.Lock()
	s.ctx = ctx
	s.dev = dev
	s.svcUUID = svcUUID
	s.scanResp = sr.Bytes()
	s.txPower = txPower
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"service":  gatt.ServiceUUID,
		"tx_power": txPower,
	}).Info("BLE stack synced")
	if onSync != nil {
		onSync()
	}
	return nil
}

// Close stops advertising and releases the device.
func (s *Stack) Close() error {
	s.mu.Lock()
	dev := s.dev
	s.dev = nil
	s.advGen++
	if s.advCancel != nil {
		s.advCancel()
		s.advCancel = nil
	}
	s.mu.Unlock()

	if dev == nil {
		return nil
	}
	return dev.Stop()
}

// InferIdentity implements gap.Stack.
func (s *Stack) InferIdentity(privacy bool) (gap.AddrType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return 0, &gap.StackError{Op: gap.OpInferIdentity, Code: rcNotSynced, Err: gap.ErrNotSynced}
	}
	if !privacy {
		return s.opts.AddrType, nil
	}
	switch s.opts.AddrType {
	case gap.AddrPublic:
		return gap.AddrRPAPublic, nil
	case gap.AddrRandom:
		return gap.AddrRPARandom, nil
	default:
		return s.opts.AddrType, nil
	}
}

// SetAdvFields implements gap.Stack.
func (s *Stack) SetAdvFields(fields gap.AdvFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := fields.Encode(s.txPower)
	if err != nil {
		return &gap.StackError{Op: gap.OpSetAdvFields, Code: rcMsgSize, Err: err}
	}
	s.fields = fields
	s.payload = payload
	return nil
}

// StartAdvertising implements gap.Stack. A running advertisement is
// superseded. A zero duration advertises until superseded or connected.
// Devices that accept raw advertising data send the encoded fields as is;
// others advertise the name and service the way their OS allows.
func (s *Stack) StartAdvertising(addrType gap.AddrType, duration time.Duration, params gap.AdvParams, sink gap.EventSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.dev == nil:
		return &gap.StackError{Op: gap.OpAdvStart, Code: rcNotSynced, Err: gap.ErrNotSynced}
	case s.payload == nil:
		return &gap.StackError{Op: gap.OpAdvStart, Code: rcInvalid, Err: errors.New("advertising fields not set")}
	case params.ConnMode != gap.ConnModeUndirected:
		return &gap.StackError{Op: gap.OpAdvStart, Code: rcNotSup, Err: fmt.Errorf("connection mode %d not supported", params.ConnMode)}
	case len(s.conns) > 0:
		return &gap.StackError{Op: gap.OpAdvStart, Code: rcBusy, Err: errors.New("peer connected")}
	case duration < 0:
		return &gap.StackError{Op: gap.OpAdvStart, Code: rcInvalid, Err: errors.New("negative duration")}
	}

	if s.advCancel != nil {
		s.advCancel()
	}
	s.advGen++
	gen := s.advGen

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if duration == gap.Forever {
		ctx, cancel = context.WithCancel(s.ctx)
	} else {
		ctx, cancel = context.WithTimeout(s.ctx, duration)
	}
	s.advCancel = cancel
	s.sink = sink

	dev, name, svcUUID := s.dev, s.fields.Name, s.svcUUID
	ad, sr := s.payload, s.scanResp
	s.logger.WithFields(logrus.Fields{
		"name":      name,
		"addr_type": addrType,
		"duration":  duration,
		"payload":   fmt.Sprintf("% x", ad),
	}).Debug("Advertising")

	task.Go(ctx, "advertise", s.logger, func(ctx context.Context) error {
		if raw, ok := dev.(rawAdvertiser); ok {
			return raw.AdvertiseRaw(ctx, ad, sr)
		}
		return dev.AdvertiseNameAndServices(ctx, name, svcUUID)
	}, func(err error) {
		cancel()
		s.advertisingEnded(gen, err)
	})
	return nil
}

// advertisingEnded reports AdvComplete unless the advertisement was
// superseded, ended by a connection, or the stack is shutting down.
func (s *Stack) advertisingEnded(gen uint64, err error) {
	s.mu.Lock()
	current := gen == s.advGen
	if current {
		s.advCancel = nil
	}
	shutdown := s.ctx == nil || s.ctx.Err() != nil
	sink := s.sink
	s.mu.Unlock()

	if !current || shutdown {
		return
	}

	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		// The controller refused to advertise. Treat it like a failed start:
		// nothing is re-armed until the next link event.
		s.logger.WithError(err).Error("Advertising failed")
		return
	}
	post(sink, gap.AdvCompleteEvent{Reason: err})
}

// trackConn marks the peer behind conn as connected on first sight and
// returns its handle.
func (s *Stack) trackConn(conn ble.Conn) (uint16, string) {
	peer := conn.RemoteAddr().String()

	s.mu.Lock()
	if h, ok := s.conns[peer]; ok {
		s.mu.Unlock()
		return h, peer
	}
	handle := s.nextConn
	s.nextConn++
	s.conns[peer] = handle

	// the controller stops advertising once a link is up
	s.advGen++
	if s.advCancel != nil {
		s.advCancel()
		s.advCancel = nil
	}
	ctx, sink := s.ctx, s.sink
	s.mu.Unlock()

	post(sink, gap.ConnectEvent{Status: 0, ConnHandle: handle, Peer: peer})
	post(sink, gap.MtuEvent{ConnHandle: handle, ChannelID: attChannelID, Value: uint16(conn.TxMTU())})

	task.Go(ctx, "conn-watch", s.logger, func(ctx context.Context) error {
		select {
		case <-conn.Disconnected():
		case <-ctx.Done():
			return ctx.Err()
		}

		s.mu.Lock()
		delete(s.conns, peer)
		sink := s.sink
		s.mu.Unlock()

		post(sink, gap.DisconnectEvent{Reason: gap.ReasonRemoteUserTerminated, ConnHandle: handle})
		return nil
	}, nil)

	return handle, peer
}

// Connections returns the number of tracked peers.
func (s *Stack) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// readHandler serves at most what fits in the response, so a drained
// diagnostic chunk is never lost to a short write.
func (s *Stack) readHandler(uuid string) func(req ble.Request, rsp ble.ResponseWriter) {
	return func(req ble.Request, rsp ble.ResponseWriter) {
		handle, _ := s.trackConn(req.Conn())

		room := rsp.Cap() - rsp.Len()
		if room <= 0 {
			return
		}
		v, err := s.registry.Read(uuid, req.Offset(), room)
		if errors.Is(err, gatt.ErrInvalidOffset) {
			rsp.SetStatus(ble.ErrInvalidOffset)
			return
		}
		if err != nil {
			s.logger.WithError(err).WithField("uuid", uuid).Warn("Read of unavailable attribute")
			rsp.SetStatus(ble.ErrUnlikely)
			return
		}
		if _, err := rsp.Write(v); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"uuid":        uuid,
				"conn_handle": handle,
			}).Warn("Read response truncated")
		}
	}
}

func (s *Stack) notifyHandler(uuid string) func(req ble.Request, n ble.Notifier) {
	return func(req ble.Request, n ble.Notifier) {
		_, peer := s.trackConn(req.Conn())

		sub, err := s.registry.Subscribe(uuid, peer, n)
		if err != nil {
			s.logger.WithError(err).WithField("uuid", uuid).Warn("Subscribe failed")
			return
		}
		// go-ble runs each notify handler on its own goroutine
		_ = sub.Serve(n.Context())
	}
}

func post(sink gap.EventSink, ev gap.Event) {
	if sink != nil {
		sink(ev)
	}
}

var _ gap.Stack = (*Stack)(nil)
