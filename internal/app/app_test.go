package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bletemp/internal/gap"
	"github.com/srg/bletemp/internal/gatt"
	"github.com/srg/bletemp/internal/sampler"
	"github.com/srg/bletemp/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStack struct {
	mu          sync.Mutex
	identityErr error
	syncErr     error
	starts      int
	fields      []gap.AdvFields
	sink        gap.EventSink
	closed      bool
}

func (f *fakeStack) InferIdentity(bool) (gap.AddrType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gap.AddrPublic, f.identityErr
}

func (f *fakeStack) SetAdvFields(fields gap.AdvFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = append(f.fields, fields)
	return nil
}

func (f *fakeStack) StartAdvertising(_ gap.AddrType, _ time.Duration, _ gap.AdvParams, sink gap.EventSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.sink = sink
	return nil
}

func (f *fakeStack) Sync(_ context.Context, onSync func()) error {
	if f.syncErr != nil {
		return f.syncErr
	}
	onSync()
	return nil
}

func (f *fakeStack) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStack) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeStack) post(ev gap.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(ev)
}

type fakeSensor struct {
	initErr error
	readErr error
	mu      sync.Mutex
	next    sampler.Sample
	closed  bool
}

func (s *fakeSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSensor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSensor) Init() error { return s.initErr }

func (s *fakeSensor) Read() (sampler.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	s.next++
	return s.next, nil
}

// withFakes swaps the factories for the duration of the test.
func withFakes(t *testing.T, st *fakeStack, sn *fakeSensor) {
	t.Helper()

	origSensor, origStack := SensorFactory, StackFactory
	t.Cleanup(func() {
		SensorFactory, StackFactory = origSensor, origStack
	})

	SensorFactory = func(*config.Config, *logrus.Logger) (sampler.Sensor, error) { return sn, nil }
	StackFactory = func(*gatt.Registry, *config.Config, *logrus.Logger) Stack { return st }
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SamplePeriod = time.Millisecond
	cfg.LogLevel = "debug"
	return cfg
}

type runResult struct {
	err error
}

func start(t *testing.T, a *App) (context.CancelFunc, <-chan runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{err: a.Run(ctx)}
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func wait(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case r := <-done:
		return r.err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestApp_AdvertisesAfterSyncAndPublishesReports(t *testing.T) {
	st := &fakeStack{}
	sn := &fakeSensor{}
	withFakes(t, st, sn)

	cfg := testConfig()
	a, err := New(cfg, cfg.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, gap.Idle, a.State())

	cancel, done := start(t, a)

	require.Eventually(t, func() bool { return st.startCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, gap.Advertising, a.State())
	assert.Equal(t, "ble_temp_sensor", a.Registry().DeviceName())

	require.Eventually(t, func() bool {
		v, err := a.Registry().Value(gatt.ReadingsUUID)
		return err == nil && len(v) == sampler.ReportSize
	}, time.Second, time.Millisecond)

	v, err := a.Registry().Value(gatt.ReadingsUUID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0}, v[:2], "first report starts with the first sample, little endian")

	assert.False(t, sn.isClosed())
	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
	assert.True(t, sn.isClosed(), "sensor is released on shutdown")

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.True(t, st.closed)
}

type stuckNotifier struct {
	release chan struct{}
}

func (n *stuckNotifier) Write(b []byte) (int, error) {
	<-n.release
	return len(b), nil
}

func TestApp_StuckSubscriberDoesNotStallSampling(t *testing.T) {
	st := &fakeStack{}
	withFakes(t, st, &fakeSensor{})

	a, err := New(testConfig(), nil)
	require.NoError(t, err)
	cancel, done := start(t, a)
	require.Eventually(t, func() bool { return st.startCount() == 1 }, time.Second, time.Millisecond)

	n := &stuckNotifier{release: make(chan struct{})}
	sub, err := a.Registry().Subscribe(gatt.ReadingsUUID, "peer", n)
	require.NoError(t, err)
	subCtx, subCancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = sub.Serve(subCtx)
	}()

	first := func() sampler.Sample {
		v, err := a.Registry().Value(gatt.ReadingsUUID)
		if err != nil || len(v) < 2 {
			return 0
		}
		return sampler.Sample(int16(uint16(v[0]) | uint16(v[1])<<8))
	}
	require.Eventually(t, func() bool { return first() > 0 }, time.Second, time.Millisecond)
	seen := first()
	assert.Eventually(t, func() bool { return first() > seen+2*sampler.Capacity }, 2*time.Second, time.Millisecond,
		"reports keep flowing while the peer is stuck")

	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
	subCancel()
	close(n.release)
	<-served
}

func TestApp_ConnectDisconnectCycle(t *testing.T) {
	st := &fakeStack{}
	withFakes(t, st, &fakeSensor{})

	cfg := testConfig()
	a, err := New(cfg, nil)
	require.NoError(t, err)

	cancel, done := start(t, a)
	require.Eventually(t, func() bool { return st.startCount() == 1 }, time.Second, time.Millisecond)

	st.post(gap.ConnectEvent{Status: 0, ConnHandle: 1})
	require.Eventually(t, func() bool { return a.State() == gap.Connected }, time.Second, time.Millisecond)

	st.post(gap.MtuEvent{ConnHandle: 1, ChannelID: 4, Value: 185})
	st.post(gap.DisconnectEvent{Reason: gap.ReasonRemoteUserTerminated, ConnHandle: 1})
	require.Eventually(t, func() bool { return a.Stats().AdvStarts == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, gap.Advertising, a.State())
	assert.Equal(t, 2, st.startCount())

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Connections)
	assert.Equal(t, uint64(1), stats.Disconnects)

	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
}

func TestApp_FatalErrors(t *testing.T) {
	tests := []struct {
		name    string
		stack   *fakeStack
		sensor  *fakeSensor
		wantErr error
	}{
		{
			name:    "sensor init",
			stack:   &fakeStack{},
			sensor:  &fakeSensor{initErr: errors.New("no sensor")},
			wantErr: ErrSensorInit,
		},
		{
			name:    "stack sync",
			stack:   &fakeStack{syncErr: errors.New("no adapter")},
			sensor:  &fakeSensor{},
			wantErr: ErrStackSync,
		},
		{
			name:    "identity",
			stack:   &fakeStack{identityErr: errors.New("no address")},
			sensor:  &fakeSensor{},
			wantErr: gap.ErrIdentity,
		},
		{
			name:    "sensor read",
			stack:   &fakeStack{},
			sensor:  &fakeSensor{readErr: errors.New("bus error")},
			wantErr: sampler.ErrSensorFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withFakes(t, tt.stack, tt.sensor)

			a, err := New(testConfig(), nil)
			require.NoError(t, err)

			_, done := start(t, a)
			assert.ErrorIs(t, wait(t, done), tt.wantErr)
			if tt.sensor.initErr == nil {
				assert.True(t, tt.sensor.isClosed(), "an initialized sensor is closed on a fatal error")
			}
		})
	}
}

func TestApp_DiagLogCapturesBootstrap(t *testing.T) {
	st := &fakeStack{}
	withFakes(t, st, &fakeSensor{})

	cfg := testConfig()
	cfg.LogLevel = "info"
	cfg.SamplePeriod = time.Hour
	a, err := New(cfg, nil)
	require.NoError(t, err)

	cancel, done := start(t, a)
	require.Eventually(t, func() bool { return st.startCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, wait(t, done), context.Canceled)

	out := string(a.Diag().Drain(0))
	assert.Contains(t, out, "msg=Hello")
	assert.Contains(t, out, "msg=Adv started")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DeviceName = ""

	_, err := New(cfg, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestAddrType(t *testing.T) {
	assert.Equal(t, gap.AddrPublic, addrType(config.AddressPublic))
	assert.Equal(t, gap.AddrRandom, addrType(config.AddressRandom))
}
