package handlers

import (
	"context"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
)

// HealthChecker is implemented by dependencies that can be probed.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Version is reported by the health endpoint
var Version = "dev"

// getDiskStats returns disk usage for the given path
func getDiskStats(ctx context.Context, path string) (total, used, free uint64) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, 0, 0
	}
	return usage.Total, usage.Used, usage.Free
}

// countChunkFiles counts regular files below root
func countChunkFiles(root string) int {
	count := 0
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}

// Health reports the state of every named dependency plus disk usage of dataPath.
// GET /health
func Health(deps map[string]HealthChecker, dataPath string, logger *logrus.Logger) gin.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		dependencies := gin.H{}
		healthy := true

		for _, name := range names {
			dep := deps[name]
			if dep == nil {
				logger.WithField("dependency", name).Error("Health check skipped: dependency not provided")
				dependencies[name] = "unhealthy"
				healthy = false
				continue
			}
			if err := dep.HealthCheck(ctx); err != nil {
				logger.WithError(err).WithField("dependency", name).Error("Health check failed")
				dependencies[name] = "unhealthy"
				healthy = false
				continue
			}
			dependencies[name] = "ok"
		}

		diskTotal, diskUsed, diskFree := getDiskStats(ctx, dataPath)

		status := gin.H{
			"status":       "ok",
			"timestamp":    time.Now().Format(time.RFC3339),
			"service":      "shardvault-chunks",
			"version":      Version,
			"dependencies": dependencies,
			"disk_total":   diskTotal,
			"disk_used":    diskUsed,
			"disk_free":    diskFree,
			"chunk_count":  countChunkFiles(dataPath),
		}

		if !healthy {
			status["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}

		c.JSON(http.StatusOK, status)
	}
}
