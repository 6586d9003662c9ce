// Package notify ingests server-pushed notifications over a reconnecting
// websocket and maintains the bounded set of notifications visible to the user.
package notify

import (
	"errors"
	"time"
)

var (
	ErrMalformedMessage = errors.New("malformed notification message")
	ErrHandshakeFailed  = errors.New("notification channel handshake failed")
	ErrChannelDropped   = errors.New("notification channel dropped")
)

type Category string

const (
	CategoryInfo    Category = "info"
	CategorySuccess Category = "success"
	CategoryWarning Category = "warning"
	CategoryError   Category = "error"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryInfo, CategorySuccess, CategoryWarning, CategoryError:
		return true
	}
	return false
}

type Notification struct {
	ID         string    `json:"id"`
	Category   Category  `json:"category"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"receivedAt"`
	Read       bool      `json:"read"`
	// Persistent notifications are never auto-hidden.
	Persistent bool `json:"persistent,omitempty"`
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
