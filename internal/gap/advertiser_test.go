package gap

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// mockStack is a testify mock for Stack.
type mockStack struct {
	mock.Mock
}

func (m *mockStack) InferIdentity(privacy bool) (AddrType, error) {
	args := m.Called(privacy)
	return args.Get(0).(AddrType), args.Error(1)
}

func (m *mockStack) SetAdvFields(fields AdvFields) error {
	return m.Called(fields).Error(0)
}

func (m *mockStack) StartAdvertising(addrType AddrType, duration time.Duration, params AdvParams, sink EventSink) error {
	return m.Called(addrType, duration, params, sink).Error(0)
}

const testName = "ble_temp_sensor"

type AdvertiserSuite struct {
	suite.Suite
	stack  *mockStack
	posted []Event
	adv    *Advertiser
}

func (s *AdvertiserSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.stack = &mockStack{}
	s.posted = nil
	s.adv = NewAdvertiser(s.stack, func(ev Event) {
		s.posted = append(s.posted, ev)
	}, Options{Name: testName}, logger)
}

func (s *AdvertiserSuite) TearDownTest() {
	s.stack.AssertExpectations(s.T())
}

func (s *AdvertiserSuite) expectIdentity() {
	s.stack.On("InferIdentity", false).Return(AddrPublic, nil).Once()
}

func (s *AdvertiserSuite) expectAdvertise(times int) {
	s.stack.On("SetAdvFields", SensorAdvFields(testName)).Return(nil).Times(times)
	s.stack.On("StartAdvertising", AddrPublic, Forever, SensorAdvParams(), mock.Anything).Return(nil).Times(times)
}

func (s *AdvertiserSuite) handle(ev Event) {
	s.Require().NoError(s.adv.Handle(ev))
}

func (s *AdvertiserSuite) TestDormantBeforeSync() {
	s.handle(ConnectEvent{Status: 0, ConnHandle: 1})
	s.handle(DisconnectEvent{Reason: ReasonRemoteUserTerminated})
	s.handle(AdvCompleteEvent{})
	s.handle(MtuEvent{Value: 185})

	s.Equal(Idle, s.adv.State(), "no event may leave Idle except sync")
	s.stack.AssertNotCalled(s.T(), "StartAdvertising", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *AdvertiserSuite) TestConnectDisconnectCycle() {
	s.expectIdentity()
	s.expectAdvertise(2)

	s.handle(SyncEvent{})
	s.Equal(Advertising, s.adv.State())
	s.True(s.adv.Advertising())

	id, ok := s.adv.Identity()
	s.True(ok)
	s.Equal(Identity{Name: testName, AddrType: AddrPublic}, id)

	s.handle(ConnectEvent{Status: 0, ConnHandle: 3, Peer: "11:22:33:44:55:66"})
	s.Equal(Connected, s.adv.State())
	s.False(s.adv.Advertising())

	s.handle(DisconnectEvent{Reason: ReasonRemoteUserTerminated, ConnHandle: 3})
	s.Equal(Advertising, s.adv.State())
	s.True(s.adv.Advertising())

	s.stack.AssertNumberOfCalls(s.T(), "SetAdvFields", 2)
	s.stack.AssertNumberOfCalls(s.T(), "StartAdvertising", 2)
	s.Equal(Stats{AdvStarts: 2, Connections: 1, Disconnects: 1}, s.adv.Stats())
}

func (s *AdvertiserSuite) TestConnectFailedResumesAdvertising() {
	s.expectIdentity()
	s.expectAdvertise(2)

	s.handle(SyncEvent{})
	s.handle(ConnectEvent{Status: 0x3e})

	s.Equal(Advertising, s.adv.State())
	s.True(s.adv.Advertising())
}

func (s *AdvertiserSuite) TestAdvCompleteResumesAdvertising() {
	s.expectIdentity()
	s.expectAdvertise(3)

	s.handle(SyncEvent{})
	s.handle(AdvCompleteEvent{})
	s.handle(AdvCompleteEvent{Reason: errors.New("timeout")})

	s.Equal(Advertising, s.adv.State())
}

func (s *AdvertiserSuite) TestMtuIsNoOp() {
	s.expectIdentity()
	s.expectAdvertise(1)

	s.handle(SyncEvent{})
	s.handle(MtuEvent{ConnHandle: 1, Value: 23})
	s.Equal(Advertising, s.adv.State())

	s.handle(ConnectEvent{Status: 0, ConnHandle: 1})
	s.handle(MtuEvent{ConnHandle: 1, Value: 247})
	s.Equal(Connected, s.adv.State())
}

func (s *AdvertiserSuite) TestConnectedIgnoresAdvCompleteAndSecondConnect() {
	s.expectIdentity()
	s.expectAdvertise(1)

	s.handle(SyncEvent{})
	s.handle(ConnectEvent{Status: 0, ConnHandle: 1})
	s.handle(AdvCompleteEvent{})
	s.handle(ConnectEvent{Status: 0, ConnHandle: 2})
	s.handle(ConnectEvent{Status: 5})
	s.handle(SyncEvent{})

	s.Equal(Connected, s.adv.State())
	s.stack.AssertNumberOfCalls(s.T(), "StartAdvertising", 1)
}

func (s *AdvertiserSuite) TestStrayDisconnectWhileAdvertising() {
	s.expectIdentity()
	s.expectAdvertise(2)

	s.handle(SyncEvent{})
	s.handle(DisconnectEvent{Reason: ReasonConnectionTimeout})

	s.Equal(Advertising, s.adv.State())
	s.Equal(uint64(0), s.adv.Stats().Disconnects)
}

func (s *AdvertiserSuite) TestStartFailureWaitsForNextEvent() {
	s.expectIdentity()
	s.stack.On("SetAdvFields", SensorAdvFields(testName)).Return(nil).Times(3)
	s.stack.On("StartAdvertising", AddrPublic, Forever, SensorAdvParams(), mock.Anything).
		Return(errors.New("controller busy")).Once()
	s.stack.On("StartAdvertising", AddrPublic, Forever, SensorAdvParams(), mock.Anything).
		Return(nil).Twice()

	s.handle(SyncEvent{})
	s.Equal(Advertising, s.adv.State(), "state stays advertising-intended")
	s.False(s.adv.Advertising(), "no advertisement is running")
	s.Empty(s.posted, "no retry without an enabled policy")

	// the next event must still re-attempt
	s.handle(ConnectEvent{Status: 0, ConnHandle: 9})
	s.handle(DisconnectEvent{Reason: ReasonRemoteUserTerminated, ConnHandle: 9})
	s.True(s.adv.Advertising())

	s.handle(AdvCompleteEvent{})
	s.True(s.adv.Advertising())
	s.Equal(uint64(1), s.adv.Stats().AdvFailures)
}

func (s *AdvertiserSuite) TestSetFieldsFailureSkipsStart() {
	s.expectIdentity()
	s.stack.On("SetAdvFields", SensorAdvFields(testName)).Return(ErrAdvPayloadTooBig).Once()

	s.handle(SyncEvent{})

	s.Equal(Advertising, s.adv.State())
	s.False(s.adv.Advertising())
	s.stack.AssertNotCalled(s.T(), "StartAdvertising", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *AdvertiserSuite) TestIdentityFailureIsFatal() {
	s.stack.On("InferIdentity", false).Return(AddrPublic, errors.New("no address")).Once()

	err := s.adv.Handle(SyncEvent{})

	s.Require().Error(err)
	s.ErrorIs(err, ErrIdentity)
	s.Equal(Idle, s.adv.State())
	_, ok := s.adv.Identity()
	s.False(ok)
}

func (s *AdvertiserSuite) TestStartTwice() {
	s.expectIdentity()
	s.expectAdvertise(1)

	s.Require().NoError(s.adv.Start())
	s.ErrorIs(s.adv.Start(), ErrAlreadyStarted)
}

func TestAdvertiserSuite(t *testing.T) {
	suite.Run(t, new(AdvertiserSuite))
}

func TestAdvertiser_BoundedRetry(t *testing.T) {
	stack := &mockStack{}
	stack.On("InferIdentity", true).Return(AddrRPAPublic, nil).Once()
	stack.On("SetAdvFields", mock.Anything).Return(nil)
	stack.On("StartAdvertising", AddrRPAPublic, 30*time.Second, SensorAdvParams(), mock.Anything).
		Return(errors.New("busy")).Times(3)
	stack.On("StartAdvertising", AddrRPAPublic, 30*time.Second, SensorAdvParams(), mock.Anything).
		Return(nil).Once()

	var posted []Event
	adv := NewAdvertiser(stack, func(ev Event) { posted = append(posted, ev) }, Options{
		Name:     testName,
		Privacy:  true,
		Duration: 30 * time.Second,
		Retry:    RetryPolicy{MaxAttempts: 2, Backoff: time.Second},
	}, nil)

	var delays []time.Duration
	adv.schedule = func(d time.Duration, f func()) {
		delays = append(delays, d)
		f()
	}

	require.NoError(t, adv.Handle(SyncEvent{}))
	require.Len(t, posted, 1)
	assert.Equal(t, RetryEvent{Attempt: 1}, posted[0])

	require.NoError(t, adv.Handle(posted[0]))
	require.Len(t, posted, 2)
	assert.Equal(t, RetryEvent{Attempt: 2}, posted[1])

	// third failure exhausts the policy
	require.NoError(t, adv.Handle(posted[1]))
	assert.Len(t, posted, 2)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	assert.False(t, adv.Advertising())

	// a regular event still recovers
	require.NoError(t, adv.Handle(AdvCompleteEvent{}))
	assert.True(t, adv.Advertising())

	// retries arriving after recovery are stale
	require.NoError(t, adv.Handle(RetryEvent{Attempt: 3}))
	stack.AssertNumberOfCalls(t, "StartAdvertising", 4)
	stack.AssertExpectations(t)
}

// Every event sequence that ends in Disconnect or AdvComplete leaves the
// machine advertising, and Connected is only reachable through a successful
// Connect.
func TestAdvertiser_LivenessAndSafety(t *testing.T) {
	events := []Event{
		ConnectEvent{Status: 0, ConnHandle: 1},
		ConnectEvent{Status: 0x3e},
		DisconnectEvent{Reason: ReasonRemoteUserTerminated, ConnHandle: 1},
		AdvCompleteEvent{},
		MtuEvent{ConnHandle: 1, Value: 100},
	}

	// all sequences of length 4 over the event alphabet
	var walk func(prefix []Event, depth int)
	walk = func(prefix []Event, depth int) {
		if depth == 0 {
			checkSequence(t, prefix)
			return
		}
		for _, ev := range events {
			walk(append(append([]Event(nil), prefix...), ev), depth-1)
		}
	}
	walk(nil, 4)
}

func checkSequence(t *testing.T, seq []Event) {
	t.Helper()

	stack := &mockStack{}
	stack.On("InferIdentity", false).Return(AddrPublic, nil)
	stack.On("SetAdvFields", mock.Anything).Return(nil)
	stack.On("StartAdvertising", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	adv := NewAdvertiser(stack, nil, Options{Name: testName}, logger)
	require.NoError(t, adv.Handle(SyncEvent{}))

	for _, ev := range seq {
		before := adv.State()
		require.NoError(t, adv.Handle(ev))
		after := adv.State()

		assert.NotEqual(t, Idle, after, "sequence %v", seq)
		if after == Connected && before != Connected {
			connect, ok := ev.(ConnectEvent)
			assert.True(t, ok && connect.Status == 0 && before == Advertising,
				"connected reached via %v from %v", ev, before)
		}
		if _, ok := ev.(MtuEvent); ok {
			assert.Equal(t, before, after, "mtu must not change state")
		}
	}

	switch seq[len(seq)-1].(type) {
	case DisconnectEvent:
		assert.Equal(t, Advertising, adv.State(), "sequence %v", seq)
	case AdvCompleteEvent:
		// AdvComplete while connected is ignored; liveness only applies when
		// the link is down.
		if adv.State() != Connected {
			assert.Equal(t, Advertising, adv.State(), "sequence %v", seq)
		}
	}
}
