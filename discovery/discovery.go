// Package discovery finds announcement targets: it grades every player
// the hub knows by capability and answers filtered queries from a
// time-bounded cache.
package discovery

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"heraldcast.app/herald/hub"
	"heraldcast.app/herald/internal/memo"
)

// DefaultTTL is how long one capability computation stays valid.
const DefaultTTL = 30 * time.Second

// Capability is a bitmask of what a player can do right now.
type Capability uint8

const (
	// CurrentlyAvailable means the player is connected and powered.
	CurrentlyAvailable Capability = 1 << iota
	// CanAnnounce means the player accepts announcement playback.
	CanAnnounce
	// CanSetVolume means the player accepts volume commands.
	CanSetVolume
	// CanPower means the player can be switched on and off remotely.
	CanPower
)

// Has reports whether every capability in want is present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}

	var parts []string
	for _, flag := range []struct {
		bit  Capability
		name string
	}{
		{CurrentlyAvailable, "available"},
		{CanAnnounce, "announce"},
		{CanSetVolume, "volume"},
		{CanPower, "power"},
	} {
		if c&flag.bit != 0 {
			parts = append(parts, flag.name)
		}
	}

	return strings.Join(parts, "+")
}

// CapabilitiesOf grades one player snapshot. Availability requires the
// hub to see the player and the player to be powered; a player that
// does not report power at all counts as powered.
func CapabilitiesOf(p hub.Player) Capability {
	var caps Capability
	if p.Available && (p.Powered == nil || *p.Powered) {
		caps |= CurrentlyAvailable
	}
	for _, feature := range p.SupportedFeatures {
		switch feature {
		case hub.FeatureAnnounce:
			caps |= CanAnnounce
		case hub.FeatureVolumeSet:
			caps |= CanSetVolume
		case hub.FeaturePower:
			caps |= CanPower
		}
	}

	return caps
}

// Candidate pairs a player with its graded capabilities.
type Candidate struct {
	Player hub.Player
	Caps   Capability
}

// PlayerSource yields the hub's current player list.
type PlayerSource interface {
	Players(ctx context.Context) ([]hub.Player, error)
}

// Discovery caches capability computations. One refresh recomputes the
// whole player set; entries are never patched individually.
type Discovery struct {
	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once

	src   PlayerSource
	cache *memo.Cache[string, []Candidate]
}

const cacheKey = "players"

// New builds a Discovery over src. A zero ttl uses DefaultTTL.
func New(src PlayerSource, ttl time.Duration) *Discovery {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Discovery{
		src:   src,
		cache: memo.New[string, []Candidate](ttl),
	}
}

func (d *Discovery) Log() *zerolog.Logger {
	if d.LogOutput != nil {
		d.initLogOnce.Do(func() {
			d.Logger = zerolog.New(d.LogOutput).With().Timestamp().Logger()
		})
	}

	return &d.Logger
}

// Discover returns the players holding every required capability,
// sorted by name. With no explicit requirement it returns the players
// available for playback right now.
func (d *Discovery) Discover(ctx context.Context, required ...Capability) ([]Candidate, error) {
	var want Capability
	if len(required) == 0 {
		want = CurrentlyAvailable
	}
	for _, r := range required {
		want |= r
	}

	all, err := d.candidates(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]Candidate, 0, len(all))
	for _, c := range all {
		if c.Caps.Has(want) {
			matched = append(matched, c)
		}
	}

	return matched, nil
}

// All returns every known player with its capabilities, unfiltered.
func (d *Discovery) All(ctx context.Context) ([]Candidate, error) {
	return d.candidates(ctx)
}

// Refresh throws the cache away and recomputes immediately.
func (d *Discovery) Refresh(ctx context.Context) ([]Candidate, error) {
	d.cache.InvalidateAll()
	return d.candidates(ctx)
}

// candidates answers from the cache, recomputing the whole set when it
// is stale. A failed refresh caches nothing.
func (d *Discovery) candidates(ctx context.Context) ([]Candidate, error) {
	return d.cache.GetOrCompute(cacheKey, func() ([]Candidate, error) {
		players, err := d.src.Players(ctx)
		if err != nil {
			return nil, fmt.Errorf("refresh players: %w", err)
		}

		out := make([]Candidate, 0, len(players))
		for _, p := range players {
			out = append(out, Candidate{Player: p, Caps: CapabilitiesOf(p)})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Player.Name != out[j].Player.Name {
				return out[i].Player.Name < out[j].Player.Name
			}
			return out[i].Player.ID < out[j].Player.ID
		})

		d.Log().Debug().Int("players", len(out)).Msg("player capabilities refreshed")

		return out, nil
	})
}
