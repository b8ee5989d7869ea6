package http

import "fmt"

var ERROR_GATEWAY_DESCRIPTION_MAP = map[int]string{
	100: "Request not supported",
	101: "Syntax error",
	102: "Request not processed due to internal state",
	103: "Time-out (where applicable)",
	107: "Unsupported slave",
	110: "Value out of range",
	900: "Manufacturer-specific error",
}

var (
	ErrGwRequestNotSupported       = &GatewayError{Code: 100}
	ErrGwSyntaxError               = &GatewayError{Code: 101}
	ErrGwRequestNotProcessed       = &GatewayError{Code: 102}
	ErrGwTimeout                   = &GatewayError{Code: 103}
	ErrGwUnsupportedSlave          = &GatewayError{Code: 107}
	ErrGwValueOutOfRange           = &GatewayError{Code: 110}
	ErrGwManufacturerSpecificError = &GatewayError{Code: 900}
)

type GatewayError struct {
	Code int // Can be either a parameter abort code or a gateway error code
}

func NewGatewayError(code int) error {
	return &GatewayError{Code: code}
}

func (e *GatewayError) Error() string {
	if e.Code <= 999 {
		return fmt.Sprintf("ERROR:%d", e.Code)
	}
	// Return as a hex value (parameter aborts)
	return fmt.Sprintf("ERROR:0x%x", e.Code)
}
