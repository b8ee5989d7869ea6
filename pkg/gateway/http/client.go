package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samsamfire/gocia402/pkg/controller"
	"github.com/samsamfire/gocia402/pkg/gateway"
	log "github.com/sirupsen/logrus"
)

type GatewayClient struct {
	http.Client
	logger            *log.Entry
	baseURL           string
	apiVersion        string
	currentSequenceNb int
	slave             string
}

func NewGatewayClient(baseURL string, apiVersion string, slave int, logger *log.Logger) *GatewayClient {
	if logger == nil {
		logger = log.StandardLogger()
	}
	slaveParam := "default"
	if slave > 0 {
		slaveParam = strconv.Itoa(slave)
	}
	return &GatewayClient{
		logger:     logger.WithField("service", "[HTTP client]"),
		Client:     http.Client{},
		baseURL:    baseURL,
		slave:      slaveParam,
		apiVersion: apiVersion,
	}
}

// HTTP request to gateway endpoint
// Does error checking : http related errors, json decode errors
// or actual gateway errors
func (client *GatewayClient) Do(method string, uri string, body io.Reader, response GatewayResponse) error {
	client.currentSequenceNb += 1
	baseUri := client.baseURL + "/servo" + fmt.Sprintf("/%s/%d/%s", client.apiVersion, client.currentSequenceNb, client.slave)
	req, err := http.NewRequest(method, baseUri+uri, body)
	if err != nil {
		client.logger.Errorf("failed to create request : %v", err)
		return err
	}
	httpResp, err := client.Client.Do(req)
	if err != nil {
		client.logger.Errorf("failed request : %v", err)
		return err
	}
	defer httpResp.Body.Close()
	err = json.NewDecoder(httpResp.Body).Decode(response)
	if err != nil {
		client.logger.Errorf("failed to decode response : %v", err)
		return err
	}
	err = response.GetError()
	if err != nil {
		return err
	}
	sequence := response.GetSequenceNb()
	if client.currentSequenceNb != sequence {
		client.logger.Errorf("wrong sequence number %v, expected %v", sequence, client.currentSequenceNb)
		return fmt.Errorf("error in sequence number")
	}
	return nil
}

// Read a raw parameter, data is returned as a big endian hex string
func (client *GatewayClient) ReadRaw(index uint16, subindex uint8) (data string, length int, err error) {
	resp := new(ParameterReadResponse)
	err = client.Do(http.MethodGet, fmt.Sprintf("/r/0x%x/0x%x", index, subindex), nil, resp)
	if err != nil {
		return
	}
	return resp.Data, resp.Length, nil
}

// Write a raw parameter given as string with its datatype (u8, i16, ...)
func (client *GatewayClient) WriteRaw(index uint16, subindex uint8, value string, datatype string) error {
	req := ParameterWriteRequest{Value: value, Datatype: datatype}
	encodedReq, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp := new(GatewayResponseBase)
	return client.Do(http.MethodPut, fmt.Sprintf("/w/0x%x/0x%x", index, subindex), bytes.NewBuffer(encodedReq), resp)
}

// Read drive status
func (client *GatewayClient) Status() (controller.Snapshot, error) {
	resp := new(StatusResponse)
	err := client.Do(http.MethodGet, "/status", nil, resp)
	if err != nil || resp.Snapshot == nil {
		return controller.Snapshot{}, err
	}
	return *resp.Snapshot, nil
}

// Request a normalized torque
func (client *GatewayClient) SetTorque(torque float32) error {
	req := TorqueRequest{Value: strconv.FormatFloat(float64(torque), 'f', -1, 32)}
	encodedReq, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp := new(GatewayResponseBase)
	return client.Do(http.MethodPut, "/torque", bytes.NewBuffer(encodedReq), resp)
}

// Read gateway version
func (client *GatewayClient) GetVersion() (*gateway.GatewayVersion, error) {
	versionInfo := new(VersionInfo)
	err := client.Do(http.MethodGet, "/info/version", nil, versionInfo)
	return versionInfo.GatewayVersion, err
}

// StreamClient receives drive snapshots pushed by a gateway
type StreamClient struct {
	conn *websocket.Conn
}

// Open a snapshot stream, url is in the form ws://host:port/servo/stream
func DialStream(ctx context.Context, url string) (*StreamClient, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream connection failed (HTTP %d) : %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("stream connection failed : %w", err)
	}
	return &StreamClient{conn: conn}, nil
}

// Block until next snapshot
func (s *StreamClient) Next() (controller.Snapshot, error) {
	var snapshot controller.Snapshot
	err := s.conn.ReadJSON(&snapshot)
	return snapshot, err
}

func (s *StreamClient) Close() error {
	return closeStream(s.conn)
}
