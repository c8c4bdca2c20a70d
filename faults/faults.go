// Package faults classifies failures of announcement operations into a
// closed set of kinds and drives retry decisions from them.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind is the classified category of a failure. The set is closed:
// callers switch on it to decide whether an operation is worth retrying.
type Kind int

const (
	// Unknown marks failures that match no known category. Never retried.
	Unknown Kind = iota
	// NetworkTimeout marks deadline and i/o timeout failures.
	NetworkTimeout
	// ConnectionRefused marks transport-level connection failures.
	ConnectionRefused
	// PlayerUnavailable marks a target player that is absent, powered
	// off or otherwise not ready.
	PlayerUnavailable
	// InvalidURL marks announcement URLs that cannot be fetched.
	InvalidURL
	// UnsupportedAudioFormat marks media the player cannot play.
	UnsupportedAudioFormat
	// AnnouncementFailed marks announcements the hub accepted but could
	// not play.
	AnnouncementFailed
	// ServerError marks internal failures reported by the hub.
	ServerError
)

func (k Kind) String() string {
	switch k {
	case NetworkTimeout:
		return "network_timeout"
	case ConnectionRefused:
		return "connection_refused"
	case PlayerUnavailable:
		return "player_unavailable"
	case InvalidURL:
		return "invalid_url"
	case UnsupportedAudioFormat:
		return "unsupported_audio_format"
	case AnnouncementFailed:
		return "announcement_failed"
	case ServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Fault is one classified failure of one attempt. It wraps the
// originating error and carries the context the operation ran under.
type Fault struct {
	Kind     Kind
	Err      error
	PlayerID string
	URL      string
	Attempt  int
	Time     time.Time
	Details  map[string]string
}

// New builds a Fault of the given kind wrapping err.
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err, Time: time.Now()}
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return f.Kind.String()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// coded is implemented by errors that carry a hub error code.
type coded interface {
	ErrorCode() string
}

// kindForCode maps hub error codes to kinds. Codes the table does not
// know are still hub-reported failures and classify as ServerError.
var kindForCode = map[string]Kind{
	"player_not_found":    PlayerUnavailable,
	"player_unavailable":  PlayerUnavailable,
	"invalid_url":         InvalidURL,
	"media_not_found":     InvalidURL,
	"unsupported_format":  UnsupportedAudioFormat,
	"announcement_failed": AnnouncementFailed,
}

// transportPatterns match transport failures that present as opaque
// error strings. Lifted from what dial and read errors actually say.
var transportPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"network is unreachable",
	"no route to host",
	"use of closed network connection",
	"websocket: close",
}

// Classify maps any error to its Kind. It is total: every error gets a
// kind, and errors that match nothing are Unknown.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	var c coded
	if errors.As(err, &c) {
		if kind, ok := kindForCode[c.ErrorCode()]; ok {
			return kind
		}
		return ServerError
	}
	if isTimeoutError(err) {
		return NetworkTimeout
	}
	if isTransportError(err) {
		return ConnectionRefused
	}
	return Unknown
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "tls handshake timeout")
}

func isTransportError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range transportPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
