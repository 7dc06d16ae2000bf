package mounts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"clone-bench/internal/dockerapi"
	"clone-bench/internal/logging"

	"github.com/sirupsen/logrus"
)

// DiscoverHostPath translates localPath into a Docker host path when this
// process runs inside a container, by inspecting the bind mounts of its own
// container. Outside a container localPath is returned unchanged.
func DiscoverHostPath(ctx context.Context, cli dockerapi.Client, localPath string) (string, error) {
	logger := logging.GetLogger()

	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}

	self, err := os.Hostname()
	if err != nil {
		return abs, nil
	}

	mountPoints, err := cli.ContainerMounts(ctx, self)
	if errors.Is(err, dockerapi.ErrNotFound) {
		logger.Debug("Not running inside a container, using local paths as host paths")
		return abs, nil
	}
	if err != nil {
		return "", err
	}

	best := ""
	source := ""
	for _, mp := range mountPoints {
		dest := filepath.Clean(mp.Destination)
		if abs != dest && !strings.HasPrefix(abs, dest+string(filepath.Separator)) {
			continue
		}
		if len(dest) > len(best) {
			best = dest
			source = mp.Source
		}
	}
	if best == "" {
		logger.WithField("path", abs).Warn("No bind mount covers path, using it as host path")
		return abs, nil
	}

	rel, err := filepath.Rel(best, abs)
	if err != nil {
		return "", err
	}
	hostPath := filepath.Join(source, rel)
	logger.WithFields(logrus.Fields{
		"path":      abs,
		"host_path": hostPath,
	}).Info("Discovered host path")
	return hostPath, nil
}
