package livesync

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// MessageType tags a live sync message.
type MessageType string

const (
	MessageTypePing             MessageType = "PING"
	MessageTypePageChange       MessageType = "PAGE_CHANGE"
	MessageTypeBoardEvent       MessageType = "BOARD_EVENT"
	MessageTypeToggleSync       MessageType = "TOGGLE_SYNC"
	MessageTypeForceMoveRequest MessageType = "FORCE_MOVE_REQUEST"
)

// BoardEventKind names the board mutation carried by a BOARD_EVENT.
type BoardEventKind string

const (
	BoardEventCreated BoardEventKind = "created"
	BoardEventUpdated BoardEventKind = "updated"
	BoardEventDeleted BoardEventKind = "deleted"
)

// Role is the participant role of a channel.
type Role string

const (
	// RoleAssistant presents pages and answers force-move requests.
	RoleAssistant Role = "assistant"
	// RoleStudent follows the assistant.
	RoleStudent Role = "student"
)

// ParseRole maps free-form input onto a Role.
func ParseRole(value string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAssistant:
		return RoleAssistant, true
	case RoleStudent:
		return RoleStudent, true
	default:
		return "", false
	}
}

// Message is the wire form of every live sync message. Only the fields of the
// tagged type are populated.
type Message struct {
	Type    MessageType     `json:"type"`
	Page    *int            `json:"page,omitempty"`
	Event   BoardEventKind  `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// PingMessage builds a keepalive message.
func PingMessage() Message {
	return Message{Type: MessageTypePing}
}

// PageChangeMessage builds a page change message.
func PageChangeMessage(page int) Message {
	return Message{Type: MessageTypePageChange, Page: &page}
}

// ToggleSyncMessage builds a follow-toggle message.
func ToggleSyncMessage(enabled bool) Message {
	return Message{Type: MessageTypeToggleSync, Enabled: &enabled}
}

// ForceMoveRequestMessage asks the assistant to re-announce its page.
func ForceMoveRequestMessage() Message {
	return Message{Type: MessageTypeForceMoveRequest}
}

// BoardEventMessage builds a board event message.
func BoardEventMessage(kind BoardEventKind, data json.RawMessage) Message {
	return Message{Type: MessageTypeBoardEvent, Event: kind, Data: data}
}

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Page    json.RawMessage `json:"page"`
	Event   json.RawMessage `json:"event"`
	Data    json.RawMessage `json:"data"`
	Enabled json.RawMessage `json:"enabled"`
}

// ParseMessage validates raw bytes against the message shapes. Anything that
// does not match a known shape is rejected.
func ParseMessage(raw []byte) (Message, bool) {
	var envelope rawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Message{}, false
	}

	switch envelope.Type {
	case MessageTypePing, MessageTypeForceMoveRequest:
		return Message{Type: envelope.Type}, true
	case MessageTypePageChange:
		page, ok := decodeInteger(envelope.Page)
		if !ok {
			return Message{}, false
		}
		return PageChangeMessage(page), true
	case MessageTypeToggleSync:
		var enabled bool
		if isAbsent(envelope.Enabled) || json.Unmarshal(envelope.Enabled, &enabled) != nil {
			return Message{}, false
		}
		return ToggleSyncMessage(enabled), true
	case MessageTypeBoardEvent:
		var kind BoardEventKind
		if isAbsent(envelope.Event) || json.Unmarshal(envelope.Event, &kind) != nil {
			return Message{}, false
		}
		switch kind {
		case BoardEventCreated, BoardEventUpdated, BoardEventDeleted:
		default:
			return Message{}, false
		}
		return BoardEventMessage(kind, envelope.Data), true
	default:
		return Message{}, false
	}
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// decodeInteger accepts any integral JSON number. Values outside the int32
// range saturate at its bounds.
func decodeInteger(raw json.RawMessage) (int, bool) {
	if isAbsent(raw) {
		return 0, false
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		parsed, parseErr := strconv.ParseFloat(string(raw), 64)
		if !errors.Is(parseErr, strconv.ErrRange) || !math.IsInf(parsed, 0) {
			return 0, false
		}
		value = parsed
	}
	if math.IsNaN(value) {
		return 0, false
	}
	if !math.IsInf(value, 0) && value != math.Trunc(value) {
		return 0, false
	}
	if value > math.MaxInt32 {
		return math.MaxInt32, true
	}
	if value < math.MinInt32 {
		return math.MinInt32, true
	}
	return int(value), true
}

// ClampPage bounds page to [1, totalPages]. A non-positive totalPages means the
// page count is unknown and only the lower bound applies.
func ClampPage(page, totalPages int) int {
	if page < 1 {
		page = 1
	}
	if totalPages > 0 && page > totalPages {
		page = totalPages
	}
	return page
}
