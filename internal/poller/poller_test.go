package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fieldbridge/fieldbridge/internal/bus"
	"github.com/fieldbridge/fieldbridge/internal/modbusmodel"
	"github.com/fieldbridge/fieldbridge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scripted Transport used to drive the poller without
// any real I/O. Holding reads return holding[address] on every call, or
// holdingErr[address] when an error is primed for that address; an address
// with nothing primed returns nil words and no error.
type fakeTransport struct {
	mu            sync.Mutex
	holding       map[uint16][]uint16
	holdingErr    map[uint16]error
	closeCalled   bool
	readHoldCalls int
}

func (f *fakeTransport) ReadHolding(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readHoldCalls++
	if err, ok := f.holdingErr[address]; ok {
		return nil, err
	}
	return f.holding[address], nil
}
func (f *fakeTransport) ReadInput(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	return nil, nil
}
func (f *fakeTransport) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	return nil, nil
}
func (f *fakeTransport) ReadDiscrete(ctx context.Context, address, quantity uint16) ([]bool, error) {
	return nil, nil
}
func (f *fakeTransport) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	return nil
}
func (f *fakeTransport) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error {
	return nil
}
func (f *fakeTransport) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	return nil
}
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalled = true
	return nil
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{holding: map[uint16][]uint16{}, holdingErr: map[uint16]error{}}
}

func TestPoller_DecodesStoresAndPublishes(t *testing.T) {
	tr := newFakeTransport()
	tr.holding[100] = []uint16{0x00FA}

	device := modbusmodel.DeviceSpec{
		ID:           "plc-001",
		TransportKind: modbusmodel.TCP,
		PollInterval: 10 * time.Millisecond,
		Registers: []modbusmodel.RegisterSpec{
			{Name: "temperature", Address: 100, Kind: modbusmodel.Holding, Count: 1, DataType: modbusmodel.I16, Unit: "°C", Scale: 0.1},
		},
	}

	st := store.New()
	b := bus.New(4)
	sub := b.Subscribe()

	p := New(device, tr, st, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	ev := <-sub.C
	assert.Equal(t, "plc-001", ev.Update.DeviceID)
	assert.Equal(t, "temperature", ev.Update.RegisterName)
	assert.InDelta(t, 25.0, ev.Update.Value, 1e-9)

	snap, ok := st.Snapshot("plc-001")
	require.True(t, ok)
	assert.InDelta(t, 25.0, snap["temperature"].Value, 1e-9)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, tr.closeCalled)
}

func TestPoller_RegisterErrorDoesNotStallOthers(t *testing.T) {
	tr := newFakeTransport()
	tr.holdingErr[1] = assertErr{"device unreachable"}
	tr.holding[2] = []uint16{7}

	device := modbusmodel.DeviceSpec{
		ID:           "dev",
		PollInterval: 10 * time.Millisecond,
		Registers: []modbusmodel.RegisterSpec{
			{Name: "bad", Address: 1, Kind: modbusmodel.Holding, Count: 1, DataType: modbusmodel.U16, Scale: 1},
			{Name: "good", Address: 2, Kind: modbusmodel.Holding, Count: 1, DataType: modbusmodel.U16, Scale: 1},
		},
	}

	st := store.New()
	b := bus.New(4)
	sub := b.Subscribe()

	p := New(device, tr, st, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer cancel()

	ev := <-sub.C
	assert.Equal(t, "good", ev.Update.RegisterName)

	_, ok := st.Snapshot("dev")
	require.True(t, ok)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
