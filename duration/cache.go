package duration

import (
	"encoding/json"
	"os"
	"path/filepath"
)

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}

	return filepath.Join(dir, "herald", "durations.json")
}

// loadCache seeds the memo from the persisted estimates. A missing or
// unreadable file starts empty; estimation must keep working without it.
func (e *Estimator) loadCache() {
	if e.CachePath == "" {
		return
	}

	data, err := os.ReadFile(e.CachePath)
	if err != nil {
		if !os.IsNotExist(err) {
			e.Log().Debug().Err(err).Msg("duration cache unreadable")
		}
		return
	}

	var entries map[string]float64
	if err := json.Unmarshal(data, &entries); err != nil {
		e.Log().Debug().Err(err).Msg("duration cache corrupt, starting empty")
		return
	}
	e.cache.Seed(entries)
}

// saveCache rewrites the persisted estimates after a new one lands.
func (e *Estimator) saveCache() {
	if e.CachePath == "" {
		return
	}

	data, err := json.MarshalIndent(e.cache.Snapshot(), "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.CachePath), 0700); err != nil {
		e.Log().Debug().Err(err).Msg("duration cache dir not writable")
		return
	}
	if err := os.WriteFile(e.CachePath, data, 0644); err != nil {
		e.Log().Debug().Err(err).Msg("duration cache write failed")
	}
}
