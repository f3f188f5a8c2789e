package schedule

import "time"

const (
	defaultForegroundIntervalMs int64 = 60_000
	defaultBackgroundIntervalMs int64 = 300_000
	defaultPushLimit                  = 200
	defaultPullLimit                  = 200
	defaultMaxPullPages               = 5

	minForegroundIntervalMs int64 = 15_000
	maxForegroundIntervalMs int64 = 3_600_000
	minBackgroundIntervalMs int64 = 30_000
	maxBackgroundIntervalMs int64 = 21_600_000
	minBatchLimit                 = 20
	maxBatchLimit                 = 500
	minPullPages                  = 1
	maxPullPages                  = 20
)

// ProfileInput carries raw, possibly partial runtime settings. A nil field is
// treated as missing and replaced by its default.
type ProfileInput struct {
	ForegroundIntervalMs *int64
	BackgroundIntervalMs *int64
	PushLimit            *int
	PullLimit            *int
	MaxPullPages         *int
}

// Profile is a normalized runtime profile. Values are always within their safe
// ranges and BackgroundIntervalMs >= ForegroundIntervalMs.
type Profile struct {
	ForegroundIntervalMs int64 `json:"foreground_interval_ms"`
	BackgroundIntervalMs int64 `json:"background_interval_ms"`
	PushLimit            int   `json:"push_limit"`
	PullLimit            int   `json:"pull_limit"`
	MaxPullPages         int   `json:"max_pull_pages"`
}

// DefaultProfile returns the normalized profile for an empty input.
func DefaultProfile() Profile {
	return NormalizeProfile(ProfileInput{})
}

// NormalizeProfile fills defaults and clamps every field into its safe range.
func NormalizeProfile(input ProfileInput) Profile {
	foreground := clampInt64(valueOrInt64(input.ForegroundIntervalMs, defaultForegroundIntervalMs), minForegroundIntervalMs, maxForegroundIntervalMs)
	background := clampInt64(valueOrInt64(input.BackgroundIntervalMs, defaultBackgroundIntervalMs), minBackgroundIntervalMs, maxBackgroundIntervalMs)
	if background < foreground {
		background = foreground
	}
	return Profile{
		ForegroundIntervalMs: foreground,
		BackgroundIntervalMs: background,
		PushLimit:            clampInt(valueOrInt(input.PushLimit, defaultPushLimit), minBatchLimit, maxBatchLimit),
		PullLimit:            clampInt(valueOrInt(input.PullLimit, defaultPullLimit), minBatchLimit, maxBatchLimit),
		MaxPullPages:         clampInt(valueOrInt(input.MaxPullPages, defaultMaxPullPages), minPullPages, maxPullPages),
	}
}

// Input converts a profile back into a fully populated input.
func (p Profile) Input() ProfileInput {
	foreground := p.ForegroundIntervalMs
	background := p.BackgroundIntervalMs
	pushLimit := p.PushLimit
	pullLimit := p.PullLimit
	maxPages := p.MaxPullPages
	return ProfileInput{
		ForegroundIntervalMs: &foreground,
		BackgroundIntervalMs: &background,
		PushLimit:            &pushLimit,
		PullLimit:            &pullLimit,
		MaxPullPages:         &maxPages,
	}
}

// IntervalForVisibility selects the auto-sync interval for the current
// visibility state.
func IntervalForVisibility(foreground bool, profile Profile) time.Duration {
	if foreground {
		return time.Duration(profile.ForegroundIntervalMs) * time.Millisecond
	}
	return time.Duration(profile.BackgroundIntervalMs) * time.Millisecond
}

func valueOrInt64(value *int64, fallback int64) int64 {
	if value == nil {
		return fallback
	}
	return *value
}

func valueOrInt(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

func clampInt64(value, lower, upper int64) int64 {
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}

func clampInt(value, lower, upper int) int {
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}
