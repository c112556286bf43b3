package toggles

import (
	"encoding/json"

	"go.uber.org/zap"

	"xpilot/internal/logger"
	"xpilot/internal/models"
)

// bounds is the allowlist of per-agent integer toggles. Anything not
// listed here is ignored no matter what the agent row carries.
var bounds = map[string]struct{ min, max int }{
	"posts_per_day":        {0, 20},
	"x_search_max":         {0, 50},
	"web_search_max":       {0, 50},
	"web_fetch_max":        {0, 20},
	"posting_poll_seconds": {1, 86400},
	"reply_quote_daily_max": {0, 100},
}

// IntToggle resolves an integer toggle for the agent, falling back to
// def when the key is absent, not allowlisted, not numeric, or out of
// range. Every fallback for a present-but-bad value is logged.
func IntToggle(agent *models.Agent, key string, def int) int {
	limit, allowed := bounds[key]
	if !allowed {
		logger.Warn("feature toggle not allowlisted",
			zap.Int64("agent_id", agent.ID), zap.String("key", key))
		return def
	}

	if agent.FeatureToggles == nil {
		return def
	}
	raw, ok := agent.FeatureToggles[key]
	if !ok {
		return def
	}

	value, ok := asInt(raw)
	if !ok {
		logger.Warn("feature toggle is not an integer, using default",
			zap.Int64("agent_id", agent.ID),
			zap.String("key", key),
			zap.Any("value", raw),
			zap.Int("default", def))
		return def
	}

	if value < limit.min || value > limit.max {
		logger.Warn("feature toggle out of range, using default",
			zap.Int64("agent_id", agent.ID),
			zap.String("key", key),
			zap.Int("value", value),
			zap.Int("min", limit.min),
			zap.Int("max", limit.max),
			zap.Int("default", def))
		return def
	}

	return value
}

func asInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
