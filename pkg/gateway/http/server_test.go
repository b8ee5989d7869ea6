package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/controller"
	"github.com/samsamfire/gocia402/pkg/fieldbus/virtual"
	"github.com/samsamfire/gocia402/pkg/gateway"
	"github.com/samsamfire/gocia402/pkg/param"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetLevel(log.DebugLevel)
}

type fakeDrive struct {
	mu     sync.Mutex
	torque float32
	client *param.Client
}

func (d *fakeDrive) ReadParameter(ctx context.Context, slave uint16, index uint16, subindex uint8, size int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client.ReadRaw(slave, index, subindex, size)
}

func (d *fakeDrive) WriteParameter(ctx context.Context, slave uint16, index uint16, subindex uint8, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client.WriteRaw(slave, index, subindex, value)
}

func (d *fakeDrive) SetTargetTorque(torque float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.torque = torque
}

func (d *fakeDrive) Snapshot() controller.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return controller.Snapshot{
		TargetTorque:    d.torque,
		Position:        1234,
		Velocity:        -56,
		StatusWord:      0x0237,
		DriveState:      cia402.StateOperationEnabled,
		CommunicationOK: true,
		Cycles:          10,
	}
}

func createGateway() (*GatewayServer, *fakeDrive) {
	master := virtual.NewMaster(1, nil)
	_ = master.Init("vnet0")
	_, _ = master.DiscoverSlaves()
	drive := &fakeDrive{client: param.NewClient(master, nil)}
	base := gateway.NewBaseGateway(drive, 1, 1, nil)
	return NewGatewayServer(base, 0, nil), drive
}

func createClient() (*GatewayClient, *fakeDrive, *httptest.Server) {
	gw, drive := createGateway()
	ts := httptest.NewServer(gw.Handler())
	client := NewGatewayClient(ts.URL, API_VERSION, 1, nil)
	return client, drive, ts
}

func TestInvalidURIs(t *testing.T) {
	client, _, ts := createClient()
	defer ts.Close()
	resp := new(GatewayResponseBase)
	err := client.Do(http.MethodGet, "/", nil, resp)
	assert.EqualValues(t, ErrGwRequestNotSupported, err)
	err = client.Do(http.MethodGet, "/strt", nil, resp)
	assert.EqualValues(t, ErrGwRequestNotSupported, err)
	err = client.Do(http.MethodGet, "/r/0x6041", nil, resp)
	assert.EqualValues(t, ErrGwSyntaxError, err)

	old := NewGatewayClient(ts.URL, "0.9", 1, nil)
	err = old.Do(http.MethodGet, "/status", nil, resp)
	assert.EqualValues(t, ErrGwRequestNotSupported, err)
}

func TestStatus(t *testing.T) {
	client, _, ts := createClient()
	defer ts.Close()
	snapshot, err := client.Status()
	assert.Nil(t, err)
	assert.EqualValues(t, 1234, snapshot.Position)
	assert.EqualValues(t, -56, snapshot.Velocity)
	assert.Equal(t, cia402.StateOperationEnabled, snapshot.DriveState)
	assert.True(t, snapshot.CommunicationOK)
}

func TestTorque(t *testing.T) {
	client, drive, ts := createClient()
	defer ts.Close()
	assert.Nil(t, client.SetTorque(0.25))
	assert.EqualValues(t, 0.25, drive.Snapshot().TargetTorque)
	assert.EqualValues(t, ErrGwValueOutOfRange, client.SetTorque(1.5))
	assert.EqualValues(t, 0.25, drive.Snapshot().TargetTorque)
	assert.Nil(t, client.SetTorque(-1))
	assert.EqualValues(t, -1, drive.Snapshot().TargetTorque)
}

func TestParameters(t *testing.T) {
	client, _, ts := createClient()
	defer ts.Close()

	data, length, err := client.ReadRaw(0x1018, 1)
	assert.Nil(t, err)
	assert.Equal(t, "0x000022d2", data)
	assert.Equal(t, 4, length)

	assert.Nil(t, client.WriteRaw(cia402.EntryMaxTorque, 0, "500", "u16"))
	data, _, err = client.ReadRaw(cia402.EntryMaxTorque, 0)
	assert.Nil(t, err)
	assert.Equal(t, "0x01f4", data)

	_, _, err = client.ReadRaw(0x2000, 0)
	assert.EqualValues(t, NewGatewayError(int(param.AbortNotExist)), err)
	err = client.WriteRaw(cia402.EntryMaxTorque, 0, "500", "u8")
	assert.EqualValues(t, ErrGwSyntaxError, err)
	err = client.WriteRaw(cia402.EntryMaxTorque, 0, "1", "vs")
	assert.EqualValues(t, ErrGwRequestNotSupported, err)
	err = client.WriteRaw(cia402.EntryMaxTorque, 0, "1", "u32")
	assert.EqualValues(t, NewGatewayError(int(param.AbortTypeMismatch)), err)
}

func TestGetVersion(t *testing.T) {
	client, _, ts := createClient()
	defer ts.Close()
	version, err := client.GetVersion()
	assert.Nil(t, err)
	assert.Equal(t, "01.00", version.ProtocolVersion)
}

func TestStream(t *testing.T) {
	client, _, ts := createClient()
	defer ts.Close()
	assert.Nil(t, client.SetTorque(0.5))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + STREAM_PATH
	stream, err := DialStream(context.Background(), url)
	require.Nil(t, err)
	defer stream.Close()
	for i := 0; i < 3; i++ {
		snapshot, err := stream.Next()
		assert.Nil(t, err)
		assert.EqualValues(t, 0.5, snapshot.TargetTorque)
		assert.Equal(t, cia402.StateOperationEnabled, snapshot.DriveState)
	}
}

func TestParseValue(t *testing.T) {
	v, err := parseValue("-0x10", "i8")
	assert.Nil(t, err)
	assert.Equal(t, int8(-16), v)
	v, err = parseValue("70000", "u32")
	assert.Nil(t, err)
	assert.Equal(t, uint32(70000), v)
	_, err = parseValue("70000", "i16")
	assert.Equal(t, ErrGwSyntaxError, err)
}
