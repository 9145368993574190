// Package message defines the wire messages exchanged between RPC callers and handlers.
//
// A Request travels from the caller to the handler's queue. An Envelope travels back
// to the caller's reply queue. Both carry the correlation id that ties them together.
// Payloads are raw JSON documents and are never interpreted by the broker.
package message

import "encoding/json"

// Status discriminates a successful reply from a failed one.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Request carries the data for a single RPC call.
type Request struct {
	CorrelationID string          `json:"correlationId" cbor:"correlationId"`
	ReplyTo       string          `json:"replyTo,omitempty" cbor:"replyTo,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// Envelope wraps every reply.
//
//   - Status == StatusSuccess: Data holds the handler result, ErrorMessage is empty.
//   - Status == StatusError:   ErrorMessage holds the handler's error text, Data is ignored.
type Envelope struct {
	CorrelationID string          `json:"correlationId" cbor:"correlationId"`
	Status        Status          `json:"status" cbor:"status"`
	Data          json.RawMessage `json:"data,omitempty" cbor:"data,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty" cbor:"errorMessage,omitempty"`
}

// Success builds a success envelope for the given correlation id.
func Success(correlationID string, data json.RawMessage) *Envelope {
	return &Envelope{
		CorrelationID: correlationID,
		Status:        StatusSuccess,
		Data:          data,
	}
}

// Failure builds an error envelope. Only the message text survives the wire.
func Failure(correlationID string, errorMessage string) *Envelope {
	return &Envelope{
		CorrelationID: correlationID,
		Status:        StatusError,
		ErrorMessage:  errorMessage,
	}
}

// Failed reports whether the envelope carries an error.
func (e *Envelope) Failed() bool {
	return e.Status == StatusError
}
