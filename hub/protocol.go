package hub

import (
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Player feature flags as the hub reports them in supported_features.
const (
	FeatureAnnounce  = "play_announcement"
	FeatureVolumeSet = "volume_set"
	FeaturePower     = "power"
)

// Hub event types pushed to connected clients.
const (
	EventPlayerUpdated = "player_updated"
	EventPlayerAdded   = "player_added"
	EventPlayerRemoved = "player_removed"
)

// Player is the hub's view of a single audio player. Pointer fields are
// optional on the wire: a hub may not report power or volume for every
// player type.
type Player struct {
	ID                     string   `json:"player_id" mapstructure:"player_id"`
	Name                   string   `json:"name" mapstructure:"name"`
	Available              bool     `json:"available" mapstructure:"available"`
	Powered                *bool    `json:"powered" mapstructure:"powered"`
	PlaybackState          string   `json:"state" mapstructure:"state"`
	VolumeLevel            *int     `json:"volume_level" mapstructure:"volume_level"`
	Muted                  *bool    `json:"volume_muted" mapstructure:"volume_muted"`
	AnnouncementInProgress bool     `json:"announcement_in_progress" mapstructure:"announcement_in_progress"`
	CurrentMedia           string   `json:"current_media" mapstructure:"current_media"`
	SupportedFeatures      []string `json:"supported_features" mapstructure:"supported_features"`
}

// Event is one hub push notification delivered to subscribers. Player
// is nil for player_removed.
type Event struct {
	Type     string
	PlayerID string
	Player   *Player
}

// commandMessage is a client request frame. Every command carries a
// unique message id the hub echoes back on its reply.
type commandMessage struct {
	MessageID int64          `json:"message_id"`
	Command   string         `json:"command"`
	Args      map[string]any `json:"args,omitempty"`
}

// serverMessage is any frame the hub sends. Exactly one of the three
// shapes is populated: the server-info greeting, a command reply, or an
// event push.
type serverMessage struct {
	ServerID      string `json:"server_id,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
	SchemaVersion int    `json:"schema_version,omitempty"`

	MessageID int64           `json:"message_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Details   string          `json:"details,omitempty"`

	Event    string         `json:"event,omitempty"`
	ObjectID string         `json:"object_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// CommandError is a failure the hub reported for one command.
type CommandError struct {
	Code    string
	Details string
}

func (e *CommandError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("hub: %s: %s", e.Code, e.Details)
	}

	return "hub: " + e.Code
}

// ErrorCode exposes the hub error code for fault classification.
func (e *CommandError) ErrorCode() string {
	return e.Code
}

// decodePlayer fills p from the loosely typed event payload. JSON
// numbers arrive as float64, so decoding is weakly typed.
func decodePlayer(data map[string]any, p *Player) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	return dec.Decode(data)
}
