package gap

import "fmt"

// Event is one notification delivered by the stack (or the application) to
// the Advertiser. Each kind is its own struct; switch on the concrete type.
type Event interface {
	fmt.Stringer
	isEvent()
}

// HCI disconnect reasons seen most often on a peripheral.
const (
	ReasonRemoteUserTerminated = 0x13
	ReasonConnectionTimeout    = 0x08
	ReasonLocalHostTerminated  = 0x16
)

// SyncEvent is posted once the stack is ready to accept commands.
type SyncEvent struct{}

// ConnectEvent reports a new connection (Status == 0) or a failed attempt.
type ConnectEvent struct {
	Status     int
	ConnHandle uint16
	Peer       string
}

// DisconnectEvent reports the end of a connection.
type DisconnectEvent struct {
	Reason     int
	ConnHandle uint16
}

// AdvCompleteEvent reports that advertising stopped without a connection
// (duration expired or cancelled by the stack).
type AdvCompleteEvent struct {
	Reason error
}

// MtuEvent reports the ATT MTU negotiated on a connection.
type MtuEvent struct {
	ConnHandle uint16
	ChannelID  uint16
	Value      uint16
}

// RetryEvent asks the Advertiser to re-attempt a failed start.
// Only posted when bounded retry is enabled.
type RetryEvent struct {
	Attempt int
}

func (SyncEvent) isEvent()        {}
func (ConnectEvent) isEvent()     {}
func (DisconnectEvent) isEvent()  {}
func (AdvCompleteEvent) isEvent() {}
func (MtuEvent) isEvent()         {}
func (RetryEvent) isEvent()       {}

func (SyncEvent) String() string { return "sync" }

func (e ConnectEvent) String() string {
	if e.Status == 0 {
		return fmt.Sprintf("connect established; handle=%d peer=%s", e.ConnHandle, e.Peer)
	}
	return fmt.Sprintf("connect failed; status=%d", e.Status)
}

func (e DisconnectEvent) String() string {
	return fmt.Sprintf("disconnect; handle=%d reason=0x%02x", e.ConnHandle, e.Reason)
}

func (e AdvCompleteEvent) String() string {
	if e.Reason == nil {
		return "adv complete"
	}
	return fmt.Sprintf("adv complete; reason=%v", e.Reason)
}

func (e MtuEvent) String() string {
	return fmt.Sprintf("mtu update; handle=%d mtu=%d", e.ConnHandle, e.Value)
}

func (e RetryEvent) String() string {
	return fmt.Sprintf("adv retry; attempt=%d", e.Attempt)
}

// EventSink receives events from the stack.
type EventSink func(Event)
