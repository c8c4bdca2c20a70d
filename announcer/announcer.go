// Package announcer is the front door for issuing announcements. It
// composes the hub connection, player discovery, duration estimation
// and state monitoring into one call: validate the media, ready the
// player, play, and wait for the player to go quiet again.
package announcer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"heraldcast.app/herald/discovery"
	"heraldcast.app/herald/duration"
	"heraldcast.app/herald/faults"
	"heraldcast.app/herald/hub"
	"heraldcast.app/herald/monitor"
)

const (
	// DefaultPowerOnTimeout caps how long we wait for a player to come
	// up after a power-on command.
	DefaultPowerOnTimeout = 10 * time.Second

	powerPollInterval      = 250 * time.Millisecond
	validateHTTPTimeout    = 15 * time.Second
	defaultAnnounceTimeout = 60 * time.Second
	minAnnounceTimeout     = 30 * time.Second
	completionSlack        = 10 * time.Second
)

// Validation failures are worth retrying only when the network hiccuped.
// Playback commands additionally retry hub-side errors.
var (
	validationRetryable = []faults.Kind{faults.NetworkTimeout}
	playbackRetryable   = []faults.Kind{faults.NetworkTimeout, faults.ServerError}
)

// Options tune a single announcement.
type Options struct {
	// Volume, when set, asks the hub to play at this level and restore
	// the previous level afterwards.
	Volume *int
	// NoWait returns right after the play command is accepted instead
	// of blocking until the announcement finishes.
	NoWait bool
	// Timeout bounds the completion wait. Zero sizes the budget from
	// the estimated media duration.
	Timeout time.Duration
}

// Client drives announcements end to end. Build one with New; the
// exported fields may be swapped before first use.
type Client struct {
	Hub       *hub.Client
	Discovery *discovery.Discovery
	Monitor   *monitor.Monitor
	Estimator *duration.Estimator

	// ValidatePolicy retries media URL checks, PlayPolicy retries the
	// play command itself.
	ValidatePolicy *faults.Policy
	PlayPolicy     *faults.Policy

	PowerOnTimeout time.Duration
	HTTPClient     *http.Client

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

// New wires a Client for the hub at hubURL (a ws:// or wss:// address).
func New(hubURL string) *Client {
	h := hub.NewClient(hubURL)

	return &Client{
		Hub:            h,
		Discovery:      discovery.New(h, 0),
		Monitor:        monitor.New(h),
		Estimator:      duration.NewEstimator(),
		ValidatePolicy: faults.DefaultPolicy(),
		PlayPolicy:     faults.DefaultPolicy(),
		PowerOnTimeout: DefaultPowerOnTimeout,
	}
}

func (a *Client) Log() *zerolog.Logger {
	if a.LogOutput != nil {
		a.initLogOnce.Do(func() {
			a.Logger = zerolog.New(a.LogOutput).With().Timestamp().Logger()
		})
	}

	return &a.Logger
}

// SetLogOutput points every component at w. Call it before the first
// operation; loggers are initialized lazily and only once.
func (a *Client) SetLogOutput(w io.Writer) {
	a.LogOutput = w
	a.Hub.LogOutput = w
	a.Discovery.LogOutput = w
	a.Monitor.LogOutput = w
	a.Estimator.LogOutput = w
	a.ValidatePolicy.LogOutput = w
	a.PlayPolicy.LogOutput = w
}

// Connect establishes the hub connection ahead of time. Announce calls
// it implicitly.
func (a *Client) Connect(ctx context.Context) error {
	return a.Hub.Connect(ctx)
}

// Announce plays mediaURL on the player and, unless opts.NoWait is set,
// blocks until the player reports the announcement finished. It returns
// (true, nil) on confirmed completion, (false, nil) when completion
// could not be confirmed within the budget, and (false, err) on
// failure. Errors are *faults.Fault values.
func (a *Client) Announce(ctx context.Context, playerID, mediaURL string, opts Options) (bool, error) {
	op := faults.Op{Name: "announce", PlayerID: playerID, URL: mediaURL}

	if err := a.Hub.Connect(ctx); err != nil {
		return false, faults.Wrap(err, op, 1)
	}

	if err := a.validateURL(ctx, mediaURL); err != nil {
		return false, err
	}

	if err := a.readyPlayer(ctx, playerID); err != nil {
		return false, err
	}

	est, haveEst := a.Estimator.Estimate(ctx, mediaURL)
	budget := a.completionBudget(est, haveEst, opts)

	// Track before playing so the start edge cannot slip past us.
	untrack := a.Monitor.Track(playerID, nil, nil)
	defer untrack()

	a.Log().Info().
		Str("player_id", playerID).
		Str("url", mediaURL).
		Dur("budget", budget).
		Msg("playing announcement")

	playOp := faults.Op{Name: "play announcement", PlayerID: playerID, URL: mediaURL}
	err := a.PlayPolicy.Do(ctx, playOp, playbackRetryable, func(ctx context.Context) error {
		return a.Hub.PlayAnnouncement(ctx, playerID, mediaURL, opts.Volume)
	})
	if err != nil {
		return false, err
	}

	if opts.NoWait {
		return true, nil
	}

	done, err := a.Monitor.WaitForCompletion(ctx, playerID, budget)
	if err != nil {
		if errors.Is(err, monitor.ErrPlayerVanished) {
			a.Log().Warn().
				Str("player_id", playerID).
				Msg("player vanished mid-announcement, completion unknown")
			return false, nil
		}
		return false, faults.Wrap(err, op, 1)
	}

	return done, nil
}

// validateURL rejects anything that is not a reachable http(s) audio
// resource before the hub ever sees it.
func (a *Client) validateURL(ctx context.Context, mediaURL string) error {
	u, err := url.ParseRequestURI(mediaURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		fault := faults.New(faults.InvalidURL, fmt.Errorf("not a playable http url: %q", mediaURL))
		fault.URL = mediaURL
		return fault
	}

	op := faults.Op{Name: "validate media url", URL: mediaURL}
	var contentType string

	return a.ValidatePolicy.Do(ctx, op, validationRetryable, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
		if err != nil {
			return err
		}

		resp, err := a.httpClient().Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			fault := faults.New(faults.InvalidURL, fmt.Errorf("media url answered %s", resp.Status))
			fault.URL = mediaURL
			return fault
		}

		contentType = duration.NormalizeContentType(resp.Header.Get("Content-Type"))
		if !duration.IsAudioType(contentType) {
			fault := faults.New(faults.UnsupportedAudioFormat,
				fmt.Errorf("content type %q is not audio", contentType))
			fault.URL = mediaURL
			return fault
		}

		return nil
	})
}

// readyPlayer confirms the player exists and is available, powering it
// on first when it supports that.
func (a *Client) readyPlayer(ctx context.Context, playerID string) error {
	op := faults.Op{Name: "ready player", PlayerID: playerID}

	p, err := a.Hub.Player(ctx, playerID)
	if err != nil {
		return faults.Wrap(err, op, 1)
	}

	if p.Powered != nil && !*p.Powered {
		if !discovery.CapabilitiesOf(p).Has(discovery.CanPower) {
			fault := faults.New(faults.PlayerUnavailable,
				fmt.Errorf("player %q is powered off and cannot be powered on remotely", playerID))
			fault.PlayerID = playerID
			return fault
		}
		if err := a.powerOn(ctx, playerID); err != nil {
			return err
		}
		if p, err = a.Hub.Player(ctx, playerID); err != nil {
			return faults.Wrap(err, op, 1)
		}
	}

	if !p.Available {
		fault := faults.New(faults.PlayerUnavailable,
			fmt.Errorf("player %q is not available", playerID))
		fault.PlayerID = playerID
		return fault
	}

	return nil
}

// powerOn sends the power command and waits for the player to report
// powered and available.
func (a *Client) powerOn(ctx context.Context, playerID string) error {
	op := faults.Op{Name: "power on player", PlayerID: playerID}

	a.Log().Info().Str("player_id", playerID).Msg("powering on player")
	if err := a.Hub.SetPower(ctx, playerID, true); err != nil {
		return faults.Wrap(err, op, 1)
	}

	timeout := a.PowerOnTimeout
	if timeout <= 0 {
		timeout = DefaultPowerOnTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(powerPollInterval)
	defer ticker.Stop()

	for {
		if p, ok := a.Hub.CachedPlayer(playerID); ok && p.Available && (p.Powered == nil || *p.Powered) {
			return nil
		}

		select {
		case <-ctx.Done():
			return faults.Wrap(ctx.Err(), op, 1)
		case <-deadline.C:
			fault := faults.New(faults.PlayerUnavailable,
				fmt.Errorf("player %q did not come up within %s", playerID, timeout))
			fault.PlayerID = playerID
			return fault
		case <-ticker.C:
		}
	}
}

// completionBudget sizes the wait: the caller's explicit timeout wins,
// then the media estimate plus slack, then a flat default.
func (a *Client) completionBudget(est time.Duration, haveEst bool, opts Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if haveEst {
		budget := est + completionSlack
		if budget < minAnnounceTimeout {
			budget = minAnnounceTimeout
		}
		return budget
	}

	return defaultAnnounceTimeout
}

func (a *Client) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}

	return &http.Client{Timeout: validateHTTPTimeout}
}

// Players lists every player the hub knows with its capabilities.
func (a *Client) Players(ctx context.Context) ([]discovery.Candidate, error) {
	return a.Discovery.All(ctx)
}

// Discover returns the players holding every required capability.
func (a *Client) Discover(ctx context.Context, required ...discovery.Capability) ([]discovery.Candidate, error) {
	return a.Discovery.Discover(ctx, required...)
}

// OnConnectionState watches the hub connection lifecycle.
func (a *Client) OnConnectionState(fn func(old, new hub.ConnState)) func() {
	return a.Hub.OnStateChange(fn)
}

// OnPlayerState streams state snapshots for one player.
func (a *Client) OnPlayerState(playerID string, fn func(monitor.Snapshot)) func() {
	return a.Monitor.Track(playerID, fn, nil)
}

// OnAnnouncementEdge reports announcement start and end boundaries for
// one player.
func (a *Client) OnAnnouncementEdge(playerID string, fn func(monitor.Edge)) func() {
	return a.Monitor.Track(playerID, nil, fn)
}

// Close tears down the monitor subscription and the hub connection.
func (a *Client) Close() error {
	a.Monitor.Close()
	return a.Hub.Close()
}
