// Package duration estimates how long a remote audio resource plays
// for, so announcement timeouts can be sized to the media. Estimation
// is layered: a cheap header calculation, an exact ffprobe reading, and
// a partial-content analysis, in that order. Results are memoized and
// persisted, and every strategy failure is swallowed: an estimate is an
// optimization, never a requirement.
package duration

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"heraldcast.app/herald/internal/memo"
)

const (
	compressedBitrate = 128_000
	pcmBitrate        = 1_411_200

	// DefaultProbeTimeout bounds one ffprobe run.
	DefaultProbeTimeout = 10 * time.Second

	defaultHTTPRetries = 2
)

var errNoEstimate = errors.New("duration: no strategy produced an estimate")

// bitrateByType carries the coarse transfer rates behind the header
// estimate: compressed audio is assumed to stream at 128 kbit/s,
// uncompressed PCM at the CD rate.
var bitrateByType = map[string]int64{
	"audio/mpeg":      compressedBitrate,
	"audio/mp3":       compressedBitrate,
	"audio/aac":       compressedBitrate,
	"audio/aacp":      compressedBitrate,
	"audio/mp4":       compressedBitrate,
	"audio/m4a":       compressedBitrate,
	"audio/x-m4a":     compressedBitrate,
	"audio/ogg":       compressedBitrate,
	"application/ogg": compressedBitrate,
	"audio/opus":      compressedBitrate,
	"audio/webm":      compressedBitrate,
	"audio/wav":       pcmBitrate,
	"audio/x-wav":     pcmBitrate,
	"audio/wave":      pcmBitrate,
	"audio/vnd.wave":  pcmBitrate,
	"audio/aiff":      pcmBitrate,
	"audio/x-aiff":    pcmBitrate,
	"audio/l16":       pcmBitrate,
}

// Estimator answers duration queries for audio URLs. The zero value is
// not usable; construct with NewEstimator.
type Estimator struct {
	// ProbeTimeout bounds the ffprobe strategy.
	ProbeTimeout time.Duration

	// CachePath is the JSON file estimates persist to. Empty disables
	// persistence but keeps the in-memory cache.
	CachePath string

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once

	client   *http.Client
	cache    *memo.Cache[string, float64]
	loadOnce sync.Once
}

func NewEstimator() *Estimator {
	return &Estimator{
		ProbeTimeout: DefaultProbeTimeout,
		CachePath:    defaultCachePath(),
		client:       newRetryableHTTPClient(defaultHTTPRetries),
		cache:        memo.New[string, float64](0),
	}
}

func (e *Estimator) Log() *zerolog.Logger {
	if e.LogOutput != nil {
		e.initLogOnce.Do(func() {
			e.Logger = zerolog.New(e.LogOutput).With().Timestamp().Logger()
		})
	}

	return &e.Logger
}

// Estimate reports how long the audio at mediaURL plays for. The second
// return is false when every strategy came up empty; callers then fall
// back to their own defaults. Estimates are cached per URL, so asking
// again never re-probes.
func (e *Estimator) Estimate(ctx context.Context, mediaURL string) (time.Duration, bool) {
	e.loadOnce.Do(e.loadCache)

	computed := false
	secs, err := e.cache.GetOrCompute(mediaURL, func() (float64, error) {
		computed = true
		if s, ok := e.headerEstimate(ctx, mediaURL); ok {
			e.Log().Debug().Str("url", mediaURL).Float64("seconds", s).Msg("duration from headers")
			return s, nil
		}
		if s, ok := e.ffprobeDuration(ctx, mediaURL); ok {
			e.Log().Debug().Str("url", mediaURL).Float64("seconds", s).Msg("duration from ffprobe")
			return s, nil
		}
		if s, ok := e.sniffDuration(ctx, mediaURL); ok {
			e.Log().Debug().Str("url", mediaURL).Float64("seconds", s).Msg("duration from content analysis")
			return s, nil
		}
		return 0, errNoEstimate
	})
	if err != nil {
		e.Log().Debug().Str("url", mediaURL).Msg("no duration estimate")
		return 0, false
	}
	if computed {
		e.saveCache()
	}

	return time.Duration(secs * float64(time.Second)), true
}

// headerEstimate derives a duration from Content-Length and a coarse
// per-format bitrate. It only answers for media types in the table.
func (e *Estimator) headerEstimate(ctx context.Context, mediaURL string) (float64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return 0, false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.Log().Debug().Err(err).Msg("duration header probe failed")
		return 0, false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest || resp.ContentLength <= 0 {
		return 0, false
	}
	bitrate, ok := bitrateByType[NormalizeContentType(resp.Header.Get("Content-Type"))]
	if !ok {
		return 0, false
	}

	return float64(resp.ContentLength*8) / float64(bitrate), true
}

// NormalizeContentType strips parameters and case from a Content-Type
// header value.
func NormalizeContentType(contentType string) string {
	mediatype, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}

	return strings.ToLower(mediatype)
}

// IsAudioType reports whether a media type can plausibly carry audio.
// Generic binary types pass: plenty of servers label audio files
// application/octet-stream, and rejecting those would refuse media the
// player can handle.
func IsAudioType(mediaType string) bool {
	switch {
	case mediaType == "":
		return true
	case strings.HasPrefix(mediaType, "audio/"):
		return true
	case mediaType == "application/ogg", mediaType == "application/octet-stream":
		return true
	default:
		return false
	}
}
