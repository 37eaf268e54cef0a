// Package retry computes capped exponential backoff delays and runs
// operations with retry.
//
// Delays follow delay(n) = min(InitialDelay * Multiplier^(n-1), MaxDelay)
// for attempt n >= 1, computed with github.com/jpillora/backoff. The same
// Config drives both the blocking Do helpers, used for short in-request
// retries such as re-reading an auto-registered device, and the scheduled
// reconnect policy of the lifecycle manager, which only asks for Delay and
// never sleeps.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s
//   - Reconnect(): 15 attempts, 2s-30s, no jitter
//   - Quick(): 10 attempts, 50ms-1s
//
// Usage:
//
//	dev, err := retry.DoWithResult(ctx, retry.Quick(), func() (*device.Device, error) {
//	    return dir.GetDevice(ctx, productKey, deviceID)
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately.
package retry
