// Package model defines the wire types shared by the API and its clients.
package model

import "time"

// ErrorCode classifies an API failure.
type ErrorCode string

const (
	CodeBadRequest        ErrorCode = "BAD_REQUEST"
	CodeTooLarge          ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeInvalidDescriptor ErrorCode = "INVALID_DESCRIPTOR"
	CodeOutOfBounds       ErrorCode = "OUT_OF_BOUNDS"
	CodeEngineFailed      ErrorCode = "ENGINE_FAILED"
	CodeConsumerFailed    ErrorCode = "CONSUMER_FAILED"
	CodeInternal          ErrorCode = "INTERNAL"
)

// APIResponse is the standard REST API response envelope.
type APIResponse struct {
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      ErrorCode `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health is the payload of the health endpoint.
type Health struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
	Uptime string `json:"uptime"`
}
