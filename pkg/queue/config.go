package queue

import "time"

type Config struct {
	Concurrency int           // C: maximum in-flight jobs
	RateMax     int           // R: job starts admitted per RateWindow (0 disables)
	RateWindow  time.Duration // W
	MaxAttempts int           // A
	BackoffBase time.Duration
	MaxBackoff  time.Duration // 0 means uncapped
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 10,
		RateMax:     100,
		RateWindow:  60 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RateMax > 0 && c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// Backoff returns the delay between attempt n and n+1: base * 2^(n-1).
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	// 2^30 seconds is already far past any sane cap.
	if n > 31 {
		n = 31
	}
	d := c.BackoffBase * time.Duration(1<<(n-1))
	if c.MaxBackoff > 0 && (d > c.MaxBackoff || d < 0) {
		return c.MaxBackoff
	}
	return d
}
