package duration

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
)

type ffprobeInfo struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Stubbed in tests.
var lookFfprobe = ffprobePath

func ffprobePath() (string, error) {
	return exec.LookPath("ffprobe")
}

// ffprobeDuration reads the exact duration with ffprobe when the binary
// is installed. Any failure, a missing binary included, just means the
// next strategy gets its turn.
func (e *Estimator) ffprobeDuration(ctx context.Context, mediaURL string) (float64, bool) {
	path, err := lookFfprobe()
	if err != nil {
		return 0, false
	}

	ctx, cancel := context.WithTimeout(ctx, e.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "-loglevel", "error", "-show_format", "-of", "json", mediaURL)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		e.Log().Debug().Err(err).Msg("ffprobe failed")
		return 0, false
	}

	var info ffprobeInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		e.Log().Debug().Err(err).Msg("ffprobe output unparsable")
		return 0, false
	}
	secs, err := strconv.ParseFloat(info.Format.Duration, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}

	return secs, true
}
