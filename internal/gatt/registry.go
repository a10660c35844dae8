package gatt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bletemp/internal/gap"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Temperature service layout
const (
	ServiceUUID  = "5c3a0001-7d2e-4b8f-9a61-2f0c5e3b9a10"
	ReadingsUUID = "5c3a0002-7d2e-4b8f-9a61-2f0c5e3b9a10"
	DiagLogUUID  = "5c3a0003-7d2e-4b8f-9a61-2f0c5e3b9a10"
)

// MaxDeviceNameLen is the longest device name that still fits, complete,
// in the advertising payload.
const MaxDeviceNameLen = gap.MaxNameLen

var (
	ErrNotInitialized     = errors.New("registry not initialized")
	ErrAlreadyInitialized = errors.New("registry already initialized")
	ErrUnknownAttribute   = errors.New("unknown attribute")
	ErrInvalidDeviceName  = errors.New("invalid device name")
	ErrInvalidOffset      = errors.New("read offset past end of value")
)

// Property is a characteristic property bit set.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropNotify
)

func (p Property) String() string {
	var parts []string
	if p&PropRead != 0 {
		parts = append(parts, "read")
	}
	if p&PropNotify != 0 {
		parts = append(parts, "notify")
	}
	return strings.Join(parts, ",")
}

// Notifier receives notification payloads for one subscribed peer.
type Notifier interface {
	Write(b []byte) (int, error)
}

// RegisterEvent is passed to the registration callback once per attribute.
type RegisterEvent struct {
	Kind   string // "service" or "characteristic"
	UUID   string
	Handle uint16
}

// Characteristic is one exposed value.
type Characteristic struct {
	UUID       string
	Name       string
	Properties Property
	Handle     uint16

	value   []byte
	reader  func(max int) []byte
	backlog mpmc.RichOverlappedRingBuffer[[]byte]
	subs    *hashmap.Map[string, *Subscription]
}

// Registry is the attribute table exposed to a connected peer.
// All methods are safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	chars       *orderedmap.OrderedMap[string, *Characteristic]
	deviceName  string
	initialized bool
	nextHandle  uint16
	backlogSize uint32
	onRegister  func(RegisterEvent)
	logger      *logrus.Logger
}

// NewRegistry creates an empty registry. backlogSize bounds how many
// notifications are kept per characteristic while nobody is subscribed.
func NewRegistry(backlogSize uint32, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if backlogSize == 0 {
		backlogSize = 1
	}
	return &Registry{
		chars:       orderedmap.New[string, *Characteristic](),
		nextHandle:  1,
		backlogSize: backlogSize,
		logger:      logger,
	}
}

// OnRegister sets the callback invoked for every registered attribute.
// Must be called before Init to observe the service registration.
func (r *Registry) OnRegister(cb func(RegisterEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRegister = cb
}

// Init registers the temperature service. diagReader, when non-nil, backs the
// diagnostic log characteristic; it returns at most max bytes per call, or a
// reader-chosen amount when max <= 0.
func (r *Registry) Init(diagReader func(max int) []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return ErrAlreadyInitialized
	}

	r.emit(RegisterEvent{Kind: "service", UUID: ServiceUUID, Handle: r.allocHandle()})
	r.add(&Characteristic{UUID: ReadingsUUID, Name: "readings", Properties: PropRead | PropNotify})
	if diagReader != nil {
		r.add(&Characteristic{UUID: DiagLogUUID, Name: "diag_log", Properties: PropRead, reader: diagReader})
	}

	r.initialized = true
	return nil
}

// add must be called with r.mu held.
func (r *Registry) add(c *Characteristic) {
	// declaration handle + value handle, as a GATT server lays them out
	r.allocHandle()
	c.Handle = r.allocHandle()
	// the ring keeps one slot free, so size it one past the backlog
	if c.Properties&PropNotify != 0 {
		c.backlog = mpmc.NewOverlappedRingBuffer[[]byte](r.backlogSize + 1)
		c.subs = hashmap.New[string, *Subscription]()
	}
	r.chars.Set(c.UUID, c)
	r.emit(RegisterEvent{Kind: "characteristic", UUID: c.UUID, Handle: c.Handle})
}

func (r *Registry) allocHandle() uint16 {
	h := r.nextHandle
	r.nextHandle++
	return h
}

func (r *Registry) emit(ev RegisterEvent) {
	if r.onRegister != nil {
		r.onRegister(ev)
	}
}

// SetDeviceName sets the GAP device name.
func (r *Registry) SetDeviceName(name string) error {
	if name == "" || len(name) > MaxDeviceNameLen {
		return fmt.Errorf("%w: length %d (must be 1..%d)", ErrInvalidDeviceName, len(name), MaxDeviceNameLen)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviceName = name
	return nil
}

// DeviceName returns the GAP device name.
func (r *Registry) DeviceName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deviceName
}

// Characteristics returns the registered characteristics in handle order.
func (r *Registry) Characteristics() []*Characteristic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Characteristic, 0, r.chars.Len())
	for pair := r.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (r *Registry) lookup(uuid string) (*Characteristic, error) {
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	c, ok := r.chars.Get(uuid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, uuid)
	}
	return c, nil
}

// SetValue stores a new value and queues it for every subscriber. With no
// subscriber, the value is queued in the backlog, dropping the oldest entry
// when full. It never waits on a peer.
func (r *Registry) SetValue(uuid string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(uuid)
	if err != nil {
		return err
	}
	c.value = append(c.value[:0], value...)

	if c.subs == nil {
		return nil
	}

	if c.subs.Len() == 0 {
		entry := append([]byte(nil), value...)
		if overwrites, err := c.backlog.EnqueueM(entry); err != nil {
			return fmt.Errorf("backlog enqueue failed: %w", err)
		} else if overwrites > 0 {
			r.logger.WithField("uuid", uuid).Debug("Backlog full, oldest notification dropped")
		}
		return nil
	}

	c.subs.Range(func(_ string, sub *Subscription) bool {
		sub.push(append([]byte(nil), value...))
		return true
	})
	return nil
}

// Value returns a copy of the current value. Reader-backed values return
// one reader-sized chunk.
func (r *Registry) Value(uuid string) ([]byte, error) {
	return r.Read(uuid, 0, 0)
}

// Read returns the value as an ATT read at offset sees it, at most max bytes
// long (max <= 0 leaves it unbounded). Reader-backed values are consumed on
// read, so offset does not apply to them: every read returns the next chunk.
func (r *Registry) Read(uuid string, offset, max int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, err := r.lookup(uuid)
	if err != nil {
		return nil, err
	}
	if c.reader != nil {
		return c.reader(max), nil
	}

	if offset < 0 || offset > len(c.value) {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidOffset, offset, len(c.value))
	}
	v := c.value[offset:]
	if max > 0 && len(v) > max {
		v = v[:max]
	}
	return append([]byte(nil), v...), nil
}

// Subscription is one peer's notification stream. Values queue in a bounded
// ring that drops the oldest entry when the peer falls behind; Serve writes
// them out.
type Subscription struct {
	uuid   string
	peer   string
	n      Notifier
	queue  mpmc.RichOverlappedRingBuffer[[]byte]
	wake   chan struct{}
	logger *logrus.Logger
	cancel func()
}

func (s *Subscription) push(v []byte) {
	if overwrites, err := s.queue.EnqueueM(v); err != nil {
		s.logger.WithError(err).WithField("peer", s.peer).Warn("Notification dropped")
		return
	} else if overwrites > 0 {
		s.logger.WithField("peer", s.peer).Debug("Peer behind, oldest notification dropped")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Serve writes queued values to the peer until ctx is done, then
// unsubscribes. Write failures are logged and the value is skipped.
func (s *Subscription) Serve(ctx context.Context) error {
	defer s.cancel()
	for {
		for !s.queue.IsEmpty() {
			v, err := s.queue.Dequeue()
			if err != nil {
				break
			}
			if _, err := s.n.Write(v); err != nil {
				s.logger.WithError(err).WithField("peer", s.peer).Warn("Notification failed")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// Subscribe registers n for notifications on uuid. Any backlog moves to the
// new subscription and goes out first once Serve runs.
func (r *Registry) Subscribe(uuid, peer string, n Notifier) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(uuid)
	if err != nil {
		return nil, err
	}
	if c.subs == nil {
		return nil, fmt.Errorf("%w: %s is not notifiable", ErrUnknownAttribute, uuid)
	}

	sub := &Subscription{
		uuid:   uuid,
		peer:   peer,
		n:      n,
		queue:  mpmc.NewOverlappedRingBuffer[[]byte](r.backlogSize + 1),
		wake:   make(chan struct{}, 1),
		logger: r.logger,
	}
	sub.cancel = func() { r.unsubscribe(c, sub) }

	flushed := 0
	for !c.backlog.IsEmpty() {
		entry, err := c.backlog.Dequeue()
		if err != nil {
			break
		}
		sub.push(entry)
		flushed++
	}

	c.subs.Set(peer, sub)
	r.logger.WithFields(logrus.Fields{
		"uuid":    uuid,
		"peer":    peer,
		"backlog": flushed,
	}).Info("Peer subscribed")
	return sub, nil
}

func (r *Registry) unsubscribe(c *Characteristic, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := c.subs.Get(sub.peer); ok && cur == sub {
		c.subs.Del(sub.peer)
		r.logger.WithFields(logrus.Fields{"uuid": sub.uuid, "peer": sub.peer}).Info("Peer unsubscribed")
	}
}

// Subscribers returns the number of peers subscribed to uuid.
func (r *Registry) Subscribers(uuid string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, err := r.lookup(uuid)
	if err != nil || c.subs == nil {
		return 0
	}
	return c.subs.Len()
}
