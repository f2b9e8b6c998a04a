// Package control exposes the engine and subscriber manager facades
// over HTTP/JSON, following the response envelope and error taxonomy
// sketched for the simulator's external interfaces. It mirrors the way
// cmd/gatherer/main.go carries a createHealthHandler alongside its
// core data path: this surface is ambient, not core-scope, but carried
// anyway.
package control

import "encoding/json"

// ErrorCode names the control surface's error taxonomy. The zero value
// is reserved for "no error" and is never written to the wire as a
// string.
type ErrorCode string

const (
	// NoError marks a successful reply; Envelope omits error_code
	// entirely in that case rather than writing this value.
	NoError ErrorCode = ""

	GeneralError          ErrorCode = "GeneralError"
	JsonParseError        ErrorCode = "JsonParseError"
	JsonTypeError         ErrorCode = "JsonTypeError"
	Multiple              ErrorCode = "Multiple"
	AlreadyStarted        ErrorCode = "AlreadyStarted"
	NotFound              ErrorCode = "NotFound"
	AgentNotImplemented   ErrorCode = "AgentNotImplemented"
	AgentConfigError      ErrorCode = "AgentConfigError"
	SubscriberConfigError ErrorCode = "SubscriberConfigError"
)

// DataType discriminates the shape of a batch reply's data field, so a
// client knows how to interpret it without inspecting its contents.
type DataType string

const (
	NoDataType        DataType = ""
	MultipleStringMap DataType = "MultipleStringMap"
	MultiplePairList  DataType = "MultiplePairList"
	MultipleBareList  DataType = "MultipleBareList"
)

// APIVersion is the control surface's wire version, carried on every
// envelope so clients can detect a breaking change.
const APIVersion = 1.0

// Envelope is the uniform reply shape for every control operation.
type Envelope struct {
	ErrorCode  ErrorCode   `json:"error_code,omitempty"`
	Message    string      `json:"message"`
	APIVersion float64     `json:"api_version"`
	DataType   DataType    `json:"data_type,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

// OK builds a successful envelope carrying data.
func OK(data interface{}) Envelope {
	return Envelope{APIVersion: APIVersion, Data: data}
}

// OKBatch builds a successful batch envelope, tagging data's shape.
func OKBatch(dt DataType, data interface{}) Envelope {
	return Envelope{APIVersion: APIVersion, DataType: dt, Data: data}
}

// Fail builds an error envelope with no data payload.
func Fail(code ErrorCode, message string) Envelope {
	return Envelope{ErrorCode: code, Message: message, APIVersion: APIVersion}
}

// FailWithData builds an error envelope that still carries a data
// payload, used for partial-success batch replies where error_code is
// Multiple but individual per-entry results are still useful.
func FailWithData(code ErrorCode, message string, dt DataType, data interface{}) Envelope {
	return Envelope{ErrorCode: code, Message: message, APIVersion: APIVersion, DataType: dt, Data: data}
}

// Marshal renders the envelope to JSON. It never fails on a
// well-formed Envelope built by this package's own constructors.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
