package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Ping checks hub liveness over the established connection.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Command(ctx, "ping", nil)
	return err
}

// Players fetches every player the hub knows and refreshes the local
// snapshot cache with them.
func (c *Client) Players(ctx context.Context) ([]Player, error) {
	raw, err := c.Command(ctx, "players/all", nil)
	if err != nil {
		return nil, err
	}

	var players []Player
	if err := json.Unmarshal(raw, &players); err != nil {
		return nil, fmt.Errorf("decode players: %w", err)
	}

	c.mu.Lock()
	for _, p := range players {
		c.players[p.ID] = p
	}
	c.mu.Unlock()

	return players, nil
}

// Player fetches one player's current state from the hub.
func (c *Client) Player(ctx context.Context, playerID string) (Player, error) {
	raw, err := c.Command(ctx, "players/get", map[string]any{"player_id": playerID})
	if err != nil {
		return Player{}, err
	}

	var p Player
	if err := json.Unmarshal(raw, &p); err != nil {
		return Player{}, fmt.Errorf("decode player %s: %w", playerID, err)
	}
	if p.ID == "" {
		p.ID = playerID
	}

	c.mu.Lock()
	c.players[p.ID] = p
	c.mu.Unlock()

	return p, nil
}

// SetPower turns a player on or off.
func (c *Client) SetPower(ctx context.Context, playerID string, on bool) error {
	_, err := c.Command(ctx, "players/cmd/power", map[string]any{
		"player_id": playerID,
		"powered":   on,
	})

	return err
}

// SetVolume sets a player's volume level (0-100).
func (c *Client) SetVolume(ctx context.Context, playerID string, level int) error {
	_, err := c.Command(ctx, "players/cmd/volume_set", map[string]any{
		"player_id":    playerID,
		"volume_level": level,
	})

	return err
}

// PlayAnnouncement asks the hub to interrupt the player with the given
// audio URL. A non-nil volume overrides the player volume for the
// duration of the announcement.
func (c *Client) PlayAnnouncement(ctx context.Context, playerID, mediaURL string, volume *int) error {
	args := map[string]any{
		"player_id": playerID,
		"url":       mediaURL,
	}
	if volume != nil {
		args["volume_level"] = *volume
	}

	_, err := c.Command(ctx, "players/cmd/play_announcement", args)

	return err
}

// CachedPlayer returns the last known snapshot of one player, fed by
// hub events and previous fetches.
func (c *Client) CachedPlayer(playerID string) (Player, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.players[playerID]

	return p, ok
}

// CachedPlayers returns the last known snapshot of every player, sorted
// by name for stable listings.
func (c *Client) CachedPlayers() []Player {
	c.mu.RLock()
	players := make([]Player, 0, len(c.players))
	for _, p := range c.players {
		players = append(players, p)
	}
	c.mu.RUnlock()

	sort.Slice(players, func(i, j int) bool {
		if players[i].Name != players[j].Name {
			return players[i].Name < players[j].Name
		}
		return players[i].ID < players[j].ID
	})

	return players
}
