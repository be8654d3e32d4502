package notifier

import "time"

// Config controls delivery. Zero values fall back to defaults.
type Config struct {
	APIURL  string
	Token   string
	Timeout time.Duration

	Attempts          int
	MaxRateLimitWaits int
	RatePerSec        float64
	Burst             int
}

func (c Config) withDefaults() Config {
	if c.APIURL == "" {
		c.APIURL = "https://api.telegram.org"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.MaxRateLimitWaits <= 0 {
		c.MaxRateLimitWaits = 5
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Alert is one matched message ready to be sent.
type Alert struct {
	// From is the decoded From header.
	From    string
	Subject string
	Excerpt string
	Matches []string
}
