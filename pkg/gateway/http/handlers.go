package http

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/samsamfire/gocia402/pkg/gateway"
	"github.com/samsamfire/gocia402/pkg/param"
)

// Largest parameter returned by a read
const maxParameterSize = 256

// Wrapper around [http.ResponseWriter] but keeps track of any writes already done
// This allows us to perform default behaviour if handler has not already sent a response
type doneWriter struct {
	http.ResponseWriter
	done bool
}

// Handle a [GatewayRequest]
type GatewayRequestHandler func(w *doneWriter, req *GatewayRequest) error

func (w *doneWriter) WriteHeader(status int) {
	w.done = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *doneWriter) Write(b []byte) (int, error) {
	w.done = true
	return w.ResponseWriter.Write(b)
}

// Create a new sanitized api request object from raw http request
// This function also checks that values are within bounds etc.
func (g *GatewayServer) newRequestFromRaw(r *http.Request) (*GatewayRequest, error) {
	match := regURI.FindStringSubmatch(r.URL.Path)
	if len(match) != 5 {
		g.logger.Error("request does not match a known API pattern")
		return nil, ErrGwSyntaxError
	}
	apiVersion := match[1]
	if apiVersion != API_VERSION {
		g.logger.Errorf("api version %v is not supported", apiVersion)
		return nil, ErrGwRequestNotSupported
	}
	sequence, err := strconv.Atoi(match[2])
	if err != nil || sequence > MAX_SEQUENCE_NB {
		g.logger.Errorf("error processing sequence number %v", match[2])
		return nil, ErrGwSyntaxError
	}
	slave, err := parseSlaveParam(match[3])
	if err != nil || slave == 0 {
		g.logger.Errorf("error processing slave param %v", match[3])
		return nil, ErrGwUnsupportedSlave
	}

	// Unmarshall request body
	var parameters json.RawMessage
	err = json.NewDecoder(r.Body).Decode(&parameters)
	if err != nil && err != io.EOF {
		g.logger.Warnf("failed to unmarshal request body : %v", err)
		return nil, ErrGwSyntaxError
	}
	return &GatewayRequest{
		ctx:        r.Context(),
		slave:      slave,
		command:    match[4],
		sequence:   uint32(sequence),
		parameters: parameters,
	}, nil
}

// Default handler of any HTTP gateway request
// This parses a typical request and forwards it to the correct handler
func (g *GatewayServer) handleRequest(w http.ResponseWriter, raw *http.Request) {
	g.logger.Debugf("handle incoming request %v", raw.URL)
	req, err := g.newRequestFromRaw(raw)
	if err != nil {
		w.Write(NewResponseError(0, err))
		return
	}
	// Full command is looked up first, then command up to the first "/"
	// e.g. 'info/version' is handled straight away
	// 'read/0x6041/0x0' does not exist in map, so we then check 'read' which does exist
	route, ok := g.routes[req.command]
	if !ok {
		firstCommand, _, _ := strings.Cut(req.command, "/")
		route, ok = g.routes[firstCommand]
		if !ok {
			g.logger.Debugf("no handler found for %v", req.command)
			w.Write(NewResponseError(int(req.sequence), ErrGwRequestNotSupported))
			return
		}
	}
	dw := &doneWriter{ResponseWriter: w, done: false}
	err = route(dw, req)
	if err != nil {
		w.Write(NewResponseError(int(req.sequence), err))
		return
	}
	if !dw.done {
		// No response specific command has been given, reply with default success
		dw.Write(NewResponseSuccess(int(req.sequence)))
	}
}

func (g *GatewayServer) slaveOf(req *GatewayRequest) uint16 {
	if req.slave == TOKEN_DEFAULT {
		return g.DefaultSlave()
	}
	return uint16(req.slave)
}

// Convert a parameter access error to a gateway error
func parameterError(err error) error {
	var abort param.Abort
	if errors.As(err, &abort) {
		return NewGatewayError(int(abort))
	}
	return ErrGwRequestNotProcessed
}

func (g *GatewayServer) handleRead(w *doneWriter, req *GatewayRequest) error {
	match := regParameter.FindStringSubmatch(req.command)
	if len(match) < 2 {
		return ErrGwSyntaxError
	}
	index, subindex, err := parseParameterCommand(match[1:])
	if err != nil {
		g.logger.Errorf("unable to parse parameter command : %v", err)
		return err
	}
	data, err := g.ReadParameter(req.ctx, g.slaveOf(req), uint16(index), uint8(subindex), maxParameterSize)
	if err != nil {
		return parameterError(err)
	}
	n := len(data)
	slices.Reverse(data)
	resp := ParameterReadResponse{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		Data:                "0x" + hex.EncodeToString(data),
		Length:              n,
	}
	respRaw, err := json.Marshal(resp)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	w.Write(respRaw)
	return nil
}

func (g *GatewayServer) handleWrite(w *doneWriter, req *GatewayRequest) error {
	match := regParameter.FindStringSubmatch(req.command)
	if len(match) < 2 {
		return ErrGwSyntaxError
	}
	index, subindex, err := parseParameterCommand(match[1:])
	if err != nil {
		g.logger.Errorf("unable to parse parameter command : %v", err)
		return err
	}
	var write ParameterWriteRequest
	err = json.Unmarshal(req.parameters, &write)
	if err != nil {
		return ErrGwSyntaxError
	}
	value, err := parseValue(write.Value, write.Datatype)
	if err != nil {
		g.logger.Errorf("invalid value %v of type %v", write.Value, write.Datatype)
		return err
	}
	err = g.WriteParameter(req.ctx, g.slaveOf(req), uint16(index), uint8(subindex), value)
	if err != nil {
		return parameterError(err)
	}
	return nil
}

func (g *GatewayServer) handleStatus(w *doneWriter, req *GatewayRequest) error {
	snapshot := g.Status()
	resp := StatusResponse{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		Snapshot:            &snapshot,
	}
	respRaw, err := json.Marshal(resp)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	w.Write(respRaw)
	return nil
}

func (g *GatewayServer) handleTorque(w *doneWriter, req *GatewayRequest) error {
	var torque TorqueRequest
	err := json.Unmarshal(req.parameters, &torque)
	if err != nil {
		return ErrGwSyntaxError
	}
	value, err := strconv.ParseFloat(torque.Value, 32)
	if err != nil {
		return ErrGwSyntaxError
	}
	err = g.SetTorque(float32(value))
	if errors.Is(err, gateway.ErrTorqueOutOfRange) {
		return ErrGwValueOutOfRange
	}
	return err
}

func (g *GatewayServer) handleGetVersion(w *doneWriter, req *GatewayRequest) error {
	version, err := g.GetVersion()
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	resp := VersionInfo{
		GatewayResponseBase: NewResponseBase(int(req.sequence), "OK"),
		GatewayVersion:      &version,
	}
	respRaw, err := json.Marshal(resp)
	if err != nil {
		return ErrGwRequestNotProcessed
	}
	w.Write(respRaw)
	return nil
}
