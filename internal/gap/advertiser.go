package gap

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the link state owned by the Advertiser.
type State int32

const (
	Idle State = iota
	Advertising
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Advertising:
		return "advertising"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RetryPolicy bounds re-attempts after a failed advertising start.
// The zero value disables retry: a failed start then waits for the next
// disconnect, adv-complete or failed-connect event.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration // attempt n waits n*Backoff
}

func (p RetryPolicy) enabled() bool {
	return p.MaxAttempts > 0 && p.Backoff > 0
}

// Options configure an Advertiser.
type Options struct {
	Name     string
	Privacy  bool
	Duration time.Duration // Forever by default
	Params   AdvParams
	Retry    RetryPolicy
}

// Stats are cumulative counters, safe to read from any goroutine.
type Stats struct {
	AdvStarts   uint64
	AdvFailures uint64
	Connections uint64
	Disconnects uint64
}

// Advertiser keeps the device connectable whenever it is not connected.
//
// Handle must only be called from a single goroutine (the event queue
// consumer). State, Advertising, Identity and Stats may be called from any
// goroutine.
type Advertiser struct {
	stack  Stack
	post   EventSink
	opts   Options
	logger *logrus.Logger

	// schedule runs f after d; replaced in tests.
	schedule func(d time.Duration, f func())

	state    atomic.Int32
	active   atomic.Bool
	identity atomic.Pointer[Identity]

	connHandle uint16
	attempts   int

	advStarts   atomic.Uint64
	advFailures atomic.Uint64
	connections atomic.Uint64
	disconnects atomic.Uint64
}

// NewAdvertiser creates a dormant Advertiser. post is handed to the stack as
// its event sink and is also used to deliver retry events; it should enqueue
// onto the same queue that calls Handle.
func NewAdvertiser(stack Stack, post EventSink, opts Options, logger *logrus.Logger) *Advertiser {
	if logger == nil {
		logger = logrus.New()
	}
	if post == nil {
		post = func(Event) {}
	}
	if opts.Params == (AdvParams{}) {
		opts.Params = SensorAdvParams()
	}
	return &Advertiser{
		stack:  stack,
		post:   post,
		opts:   opts,
		logger: logger,
		schedule: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// State returns the current link state.
func (a *Advertiser) State() State {
	return State(a.state.Load())
}

// Advertising reports whether an advertisement is believed to be running.
// It is false after a failed start even though State is Advertising.
func (a *Advertiser) Advertising() bool {
	return a.active.Load()
}

// Identity returns the resolved identity, or false before Start.
func (a *Advertiser) Identity() (Identity, bool) {
	id := a.identity.Load()
	if id == nil {
		return Identity{}, false
	}
	return *id, true
}

// Stats returns a snapshot of the counters.
func (a *Advertiser) Stats() Stats {
	return Stats{
		AdvStarts:   a.advStarts.Load(),
		AdvFailures: a.advFailures.Load(),
		Connections: a.connections.Load(),
		Disconnects: a.disconnects.Load(),
	}
}

// Start leaves Idle: it resolves the identity and begins advertising.
// Only an identity failure is returned; advertising failures are logged and
// left for the next event to repair.
func (a *Advertiser) Start() error {
	if a.State() != Idle {
		return ErrAlreadyStarted
	}

	addrType, err := a.stack.InferIdentity(a.opts.Privacy)
	if err != nil {
		return asStackError(OpInferIdentity, err)
	}
	a.identity.Store(&Identity{Name: a.opts.Name, AddrType: addrType})
	a.setState(Advertising)

	a.logger.WithFields(logrus.Fields{
		"name":      a.opts.Name,
		"addr_type": addrType,
	}).Info("Identity resolved")

	a.advertise()
	a.logger.Info("Adv started")
	return nil
}

// Handle applies one event. It returns an error only for conditions that
// stop the device (identity inference failure on sync).
func (a *Advertiser) Handle(ev Event) error {
	state := a.State()
	log := a.logger.WithField("state", state)

	if state == Idle {
		if _, ok := ev.(SyncEvent); ok {
			return a.Start()
		}
		log.WithField("event", ev).Debug("Event ignored before sync")
		return nil
	}

	switch e := ev.(type) {
	case SyncEvent:
		log.Debug("Sync ignored, already started")

	case ConnectEvent:
		log.WithField("status", e.Status).Infof("Connection %s", connectOutcome(e.Status))
		if state != Advertising {
			log.WithField("event", e).Warn("Connect ignored, already connected")
			return nil
		}
		if e.Status != 0 {
			// Connection failed; resume advertising
			a.advertise()
			return nil
		}
		a.connHandle = e.ConnHandle
		a.attempts = 0
		a.active.Store(false)
		a.connections.Add(1)
		a.setState(Connected)

	case DisconnectEvent:
		log.WithFields(logrus.Fields{
			"conn_handle": e.ConnHandle,
			"reason":      fmt.Sprintf("0x%02x", e.Reason),
		}).Info("Disconnect")
		if state == Connected {
			a.disconnects.Add(1)
			a.connHandle = 0
			a.setState(Advertising)
		}
		// Connection terminated; resume advertising
		a.advertise()

	case AdvCompleteEvent:
		log.WithError(e.Reason).Info("Adv complete")
		if state == Connected {
			return nil
		}
		a.active.Store(false)
		a.advertise()

	case MtuEvent:
		log.WithFields(logrus.Fields{
			"conn_handle": e.ConnHandle,
			"mtu":         e.Value,
		}).Info("MTU update")

	case RetryEvent:
		if state != Advertising || a.Advertising() {
			log.WithField("attempt", e.Attempt).Debug("Stale retry ignored")
			return nil
		}
		log.WithField("attempt", e.Attempt).Info("Retrying advertising")
		a.advertise()

	default:
		log.WithField("event", ev).Warn("Unknown event")
	}
	return nil
}

// advertise sets the payload and starts advertising. Failures are logged
// and, when retry is enabled, a RetryEvent is scheduled.
func (a *Advertiser) advertise() {
	a.active.Store(false)
	id, _ := a.Identity()

	if err := a.stack.SetAdvFields(SensorAdvFields(id.Name)); err != nil {
		a.logger.WithError(asStackError(OpSetAdvFields, err)).Error("Error setting advertisement data")
		a.startFailed()
		return
	}

	if err := a.stack.StartAdvertising(id.AddrType, a.opts.Duration, a.opts.Params, a.post); err != nil {
		a.logger.WithError(asStackError(OpAdvStart, err)).Error("Error enabling advertisement")
		a.startFailed()
		return
	}

	a.attempts = 0
	a.active.Store(true)
	a.advStarts.Add(1)
}

func (a *Advertiser) startFailed() {
	a.advFailures.Add(1)
	if !a.opts.Retry.enabled() {
		return
	}
	if a.attempts >= a.opts.Retry.MaxAttempts {
		a.logger.WithField("attempts", a.attempts).Warn("Advertising retries exhausted, waiting for next event")
		return
	}
	a.attempts++
	attempt := a.attempts
	delay := time.Duration(attempt) * a.opts.Retry.Backoff
	a.schedule(delay, func() {
		a.post(RetryEvent{Attempt: attempt})
	})
}

func (a *Advertiser) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev != s {
		a.logger.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("State changed")
	}
}

func connectOutcome(status int) string {
	if status == 0 {
		return "established"
	}
	return "failed"
}

func asStackError(op string, err error) error {
	var serr *StackError
	if errors.As(err, &serr) && serr.Op == op {
		return err
	}
	return &StackError{Op: op, Code: -1, Err: err}
}
