package data

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags a wire message.
type MessageType string

const (
	TypeReading         MessageType = "reading"
	TypeError           MessageType = "error"
	TypeStatus          MessageType = "status"
	TypeCommand         MessageType = "command"
	TypeCommandComplete MessageType = "command_complete"
	TypeCommandError    MessageType = "command_error"
)

// CommandType is an operator command understood by the edge.
type CommandType string

const (
	CommandRestart      CommandType = "restart"
	CommandUpdateConfig CommandType = "updateConfig"
	CommandShutdown     CommandType = "shutdown"
)

func (c CommandType) Valid() bool {
	switch c {
	case CommandRestart, CommandUpdateConfig, CommandShutdown:
		return true
	}
	return false
}

// CommandParameters carries the optional set-points of an updateConfig command.
type CommandParameters struct {
	Frequency  *float64 `json:"frequency,omitempty"`
	FanSpeed   *float64 `json:"fanSpeed,omitempty"`
	PowerLimit *float64 `json:"powerLimit,omitempty"`
}

// Message is the closed set of frames exchanged between a site and the hub.
// The unexported method seals the set to this package; consumers match on it
// through Handler, so a new kind breaks every handler at compile time.
type Message interface {
	Kind() MessageType
	validate() error
}

// Handler receives a decoded message, one method per kind.
type Handler interface {
	HandleReading(ReadingMessage) error
	HandleError(ErrorMessage) error
	HandleStatus(StatusMessage) error
	HandleCommand(CommandMessage) error
	HandleCommandComplete(CommandCompleteMessage) error
	HandleCommandError(CommandErrorMessage) error
}

// Dispatch routes msg to the matching Handler method.
func Dispatch(msg Message, h Handler) error {
	switch m := msg.(type) {
	case ReadingMessage:
		return h.HandleReading(m)
	case ErrorMessage:
		return h.HandleError(m)
	case StatusMessage:
		return h.HandleStatus(m)
	case CommandMessage:
		return h.HandleCommand(m)
	case CommandCompleteMessage:
		return h.HandleCommandComplete(m)
	case CommandErrorMessage:
		return h.HandleCommandError(m)
	default:
		return fmt.Errorf("%w: unhandled message %T", ErrMalformedMessage, msg)
	}
}

type ReadingMessage struct {
	DeviceID  int         `json:"deviceId"`
	Timestamp time.Time   `json:"timestamp"`
	Data      ReadingData `json:"data"`
}

func (ReadingMessage) Kind() MessageType { return TypeReading }

func (m ReadingMessage) validate() error {
	if m.DeviceID <= 0 {
		return malformed("reading: deviceId must be positive")
	}
	return nil
}

// Reading converts the frame into a domain reading for site.
func (m ReadingMessage) Reading(siteID string) Reading {
	return Reading{SiteID: siteID, DeviceID: m.DeviceID, Timestamp: m.Timestamp, Data: m.Data}
}

type ErrorMessage struct {
	DeviceID  int             `json:"deviceId"`
	ErrorType string          `json:"errorType"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (ErrorMessage) Kind() MessageType { return TypeError }

func (m ErrorMessage) validate() error {
	if m.DeviceID <= 0 {
		return malformed("error: deviceId must be positive")
	}
	return nil
}

// StatusMessage is an ordered full-sweep status batch. On the wire its
// payload is the bare array of entries.
type StatusMessage struct {
	Devices []DeviceStatus
}

func (StatusMessage) Kind() MessageType { return TypeStatus }

func (m StatusMessage) validate() error {
	for i, d := range m.Devices {
		if d.DeviceID <= 0 {
			return malformed(fmt.Sprintf("status[%d]: deviceId must be positive", i))
		}
		if !d.Status.Valid() {
			return malformed(fmt.Sprintf("status[%d]: unknown status %q", i, d.Status))
		}
	}
	return nil
}

type CommandMessage struct {
	CommandID  string             `json:"commandId,omitempty"`
	Type       CommandType        `json:"type"`
	DeviceID   int                `json:"deviceId"`
	Parameters *CommandParameters `json:"parameters,omitempty"`
}

func (CommandMessage) Kind() MessageType { return TypeCommand }

func (m CommandMessage) validate() error {
	if m.DeviceID <= 0 {
		return malformed("command: deviceId must be positive")
	}
	if !m.Type.Valid() {
		return malformed(fmt.Sprintf("command: unknown type %q", m.Type))
	}
	return nil
}

type CommandCompleteMessage struct {
	CommandID string      `json:"commandId"`
	DeviceID  int         `json:"deviceId"`
	Type      CommandType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

func (CommandCompleteMessage) Kind() MessageType { return TypeCommandComplete }

func (m CommandCompleteMessage) validate() error {
	if m.CommandID == "" {
		return malformed("command_complete: commandId required")
	}
	return nil
}

type CommandErrorMessage struct {
	CommandID string      `json:"commandId"`
	DeviceID  int         `json:"deviceId"`
	Type      CommandType `json:"type"`
	Error     string      `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

func (CommandErrorMessage) Kind() MessageType { return TypeCommandError }

func (m CommandErrorMessage) validate() error {
	if m.CommandID == "" {
		return malformed("command_error: commandId required")
	}
	return nil
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, reason)
}
