package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"xpilot/internal/logger"
)

// writeRunLog persists the run result as
// <log_dir>/<agent_id>/<target_date>.json, overwriting any earlier run
// for the same day. A failure to write never fails the routine.
func (s *Service) writeRunLog(result RoutineResult) {
	dir := s.cfg.Worker.LogDir
	if dir == "" {
		return
	}

	agentDir := filepath.Join(dir, fmt.Sprintf("%d", result.AgentID))
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		logger.Warn("run log directory creation failed",
			zap.String("dir", agentDir), zap.Error(err))
		return
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Warn("run log encode failed", zap.Error(err))
		return
	}

	path := filepath.Join(agentDir, result.TargetDate+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Warn("run log write failed",
			zap.String("path", path), zap.Error(err))
	}
}
