package http

import (
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samsamfire/gocia402/pkg/gateway"
	log "github.com/sirupsen/logrus"
)

const API_VERSION = "1.0"
const MAX_SEQUENCE_NB = 2<<31 - 1
const URI_PATTERN = `/servo/(\d+\.\d+)/(\d{1,10})/(0x[0-9a-f]{1,4}|\d{1,5}|default)/(.*)`
const PARAMETER_COMMAND_URI_PATTERN = `^(r|read|w|write)/(0x[0-9a-f]{1,4}|\d{1,5})/?(0x[0-9a-f]{1,2}|\d{1,3})?$`
const STREAM_PATH = "/servo/stream"

const DefaultStreamPeriod = 50 * time.Millisecond

var regURI = regexp.MustCompile(URI_PATTERN)
var regParameter = regexp.MustCompile(PARAMETER_COMMAND_URI_PATTERN)

type GatewayServer struct {
	*gateway.BaseGateway
	logger       *log.Entry
	serveMux     *http.ServeMux
	routes       map[string]GatewayRequestHandler
	upgrader     websocket.Upgrader
	streamPeriod time.Duration
}

// Create a new gateway
func NewGatewayServer(base *gateway.BaseGateway, streamPeriod time.Duration, logger *log.Logger) *GatewayServer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if streamPeriod <= 0 {
		streamPeriod = DefaultStreamPeriod
	}
	gw := &GatewayServer{
		BaseGateway:  base,
		logger:       logger.WithField("service", "[HTTP]"),
		streamPeriod: streamPeriod,
	}
	gw.serveMux = http.NewServeMux()
	gw.serveMux.HandleFunc(STREAM_PATH, gw.handleStream)
	gw.serveMux.HandleFunc("/", gw.handleRequest) // This base route handles all the other requests
	gw.routes = make(map[string]GatewayRequestHandler)

	gw.addRoute("r", gw.handleRead)
	gw.addRoute("read", gw.handleRead)
	gw.addRoute("w", gw.handleWrite)
	gw.addRoute("write", gw.handleWrite)
	gw.addRoute("status", gw.handleStatus)
	gw.addRoute("torque", gw.handleTorque)
	gw.addRoute("info/version", gw.handleGetVersion)

	return gw
}

// Process server, blocking
func (gateway *GatewayServer) ListenAndServe(addr string) error {
	gateway.logger.Infof("listening on %v", addr)
	return http.ListenAndServe(addr, gateway.serveMux)
}

// Handler serving every gateway route
func (gateway *GatewayServer) Handler() http.Handler {
	return gateway.serveMux
}

// Add a route to the server for handling a specific command
func (g *GatewayServer) addRoute(command string, handler GatewayRequestHandler) {
	g.routes[command] = handler
}
