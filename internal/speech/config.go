package speech

// Engine-supported parameter ranges; values outside are clamped on write.
const (
	MinRate   = 0.1
	MaxRate   = 10.0
	MinPitch  = 0.0
	MaxPitch  = 2.0
	MinVolume = 0.0
	MaxVolume = 1.0
)

const configKey = "speech_config"

// Config holds the delivery parameters for local synthesis. The voice is
// persisted by name and locale only; the live handle is re-resolved on
// load and falls back to the engine default when unavailable.
type Config struct {
	Rate        float64 `json:"rate"`
	Pitch       float64 `json:"pitch"`
	Volume      float64 `json:"volume"`
	VoiceName   string  `json:"voiceName"`
	VoiceLocale string  `json:"voiceLocale"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Rate: 1.0, Pitch: 1.0, Volume: 1.0}
}

// Clamp forces every numeric parameter into its supported range.
func (c *Config) Clamp() {
	c.Rate = clamp(c.Rate, MinRate, MaxRate)
	c.Pitch = clamp(c.Pitch, MinPitch, MaxPitch)
	c.Volume = clamp(c.Volume, MinVolume, MaxVolume)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
