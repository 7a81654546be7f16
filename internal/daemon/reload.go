package daemon

import (
	"github.com/harun/vice/internal/config"
)

// applyReload applies the settings that can change without a restart:
// log level, idle timeout and the per-connection frame limit. Everything
// else needs a restart and is only logged.
func (d *Daemon) applyReload(next *config.Config) {
	d.mu.Lock()
	prev := d.config
	d.config = next
	d.mu.Unlock()

	if next.Logging.Level != prev.Logging.Level {
		if err := d.logger.SetLevel(next.Logging.Level); err != nil {
			d.logger.Warn().Err(err).Str("level", next.Logging.Level).Msg("Ignoring invalid log level")
		} else {
			d.logger.Info().Str("level", next.Logging.Level).Msg("Log level updated")
		}
	}

	if next.Session.IdleTimeout != prev.Session.IdleTimeout {
		d.engine.SetIdleTimeout(next.Session.IdleTimeout)
	}

	if next.Gateway.RequestsPerMinute != prev.Gateway.RequestsPerMinute {
		d.gatewayServer.SetRequestsPerMinute(next.Gateway.RequestsPerMinute)
		d.logger.Info().Int("requests_per_minute", next.Gateway.RequestsPerMinute).Msg("Frame rate limit updated")
	}

	if restartRequired(prev, next) {
		d.logger.Warn().Msg("Config changed in fields that take effect after restart")
	}
}

func restartRequired(prev, next *config.Config) bool {
	return prev.Gateway.Host != next.Gateway.Host ||
		prev.Gateway.Port != next.Gateway.Port ||
		prev.Store != next.Store ||
		prev.Uploads != next.Uploads ||
		prev.Responder != next.Responder ||
		prev.DataDir != next.DataDir
}
