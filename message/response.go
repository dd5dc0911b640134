package message

import (
	"fmt"
	"math"
)

// ResponseCode is the status carried in a driver response map.
type ResponseCode int

const (
	RespOK                    ResponseCode = 1
	RespBitstreamNotFound     ResponseCode = 2
	RespInvalidCmdSchema      ResponseCode = 3
	RespInvalidArg            ResponseCode = 4
	RespBitstreamLoadFailed   ResponseCode = 5
	RespInternalError         ResponseCode = 6
	RespEmulationError        ResponseCode = 7
	RespDeploymentError       ResponseCode = 8
	RespHilBusConflictWarning ResponseCode = 9
	RespDriverFileNotFound    ResponseCode = 10
	RespDriverWriteFailed     ResponseCode = 11
)

var responseCodeNames = map[ResponseCode]string{
	RespOK:                    "ok",
	RespBitstreamNotFound:     "bitstream_not_found",
	RespInvalidCmdSchema:      "invalid_cmd_schema",
	RespInvalidArg:            "invalid_arg",
	RespBitstreamLoadFailed:   "bitstream_load_failed",
	RespInternalError:         "internal_error",
	RespEmulationError:        "emulation_error",
	RespDeploymentError:       "deployment_error",
	RespHilBusConflictWarning: "hil_bus_conflict_warning",
	RespDriverFileNotFound:    "driver_file_not_found",
	RespDriverWriteFailed:     "driver_write_failed",
}

func (c ResponseCode) String() string {
	if name, ok := responseCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("response_code(%d)", int(c))
}

// Keys of the driver response map.
const (
	KeyResponseCode = "response_code"
	KeyData         = "data"
)

// Response is a decoded driver reply.
type Response struct {
	Code ResponseCode
	Data any
	// Raw is the value exactly as decoded.
	Raw any
}

// DriverError is returned when the driver answers with a code other than RespOK.
type DriverError struct {
	Code ResponseCode
	Data any
}

func (e *DriverError) Error() string {
	if msg, ok := e.Data.(string); ok && msg != "" {
		return fmt.Sprintf("driver returned %s: %s", e.Code, msg)
	}
	return fmt.Sprintf("driver returned %s", e.Code)
}

// NewResponse builds the map the driver sends back for code and data.
func NewResponse(code ResponseCode, data any) map[string]any {
	return map[string]any{
		KeyResponseCode: int(code),
		KeyData:         data,
	}
}

// ParseResponse interprets a decoded value as a driver response map. ok is false when
// value is not a map or carries no integer response_code.
func ParseResponse(value any) (resp *Response, ok bool) {
	m, isMap := value.(map[string]any)
	if !isMap {
		return nil, false
	}
	code, isInt := AsInt64(m[KeyResponseCode])
	if !isInt {
		return nil, false
	}
	return &Response{Code: ResponseCode(code), Data: m[KeyData], Raw: value}, true
}

// Err returns a *DriverError for non-ok codes.
func (r *Response) Err() error {
	if r.Code == RespOK {
		return nil
	}
	return &DriverError{Code: r.Code, Data: r.Data}
}

// AsInt64 converts any Go integer type produced by a decoder into an int64.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
