package monitor

import (
	"time"

	"heraldcast.app/herald/hub"
)

// Snapshot is one observation of a player at a point in time.
type Snapshot struct {
	PlayerID               string
	Name                   string
	Available              bool
	Powered                *bool
	PlaybackState          string
	VolumeLevel            *int
	Muted                  *bool
	AnnouncementInProgress bool
	CurrentMedia           string
	At                     time.Time
}

func snapshotOf(p hub.Player, at time.Time) Snapshot {
	return Snapshot{
		PlayerID:               p.ID,
		Name:                   p.Name,
		Available:              p.Available,
		Powered:                p.Powered,
		PlaybackState:          p.PlaybackState,
		VolumeLevel:            p.VolumeLevel,
		Muted:                  p.Muted,
		AnnouncementInProgress: p.AnnouncementInProgress,
		CurrentMedia:           p.CurrentMedia,
		At:                     at,
	}
}

// Edge marks an announcement boundary between two consecutive
// snapshots of the same player. Exactly one of Started and Ended is
// set per edge.
type Edge struct {
	PlayerID string
	Started  bool
	Ended    bool
	At       time.Time
}

// announcementEdge compares consecutive snapshots and reports whether
// an announcement started or ended between them.
func announcementEdge(prev, cur Snapshot) (started, ended bool) {
	started = !prev.AnnouncementInProgress && cur.AnnouncementInProgress
	ended = prev.AnnouncementInProgress && !cur.AnnouncementInProgress

	return started, ended
}
