package dockerapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"clone-bench/internal/config"
	"clone-bench/internal/logging"

	"github.com/docker/docker/api/types/registry"
	"github.com/sirupsen/logrus"
)

// checks if an image belongs to a private registry
func isPrivateRegistryImage(image string, registryHost string) bool {
	if registryHost == "" {
		return false
	}

	// If image starts with the registry host, its from the private registry
	return strings.HasPrefix(image, registryHost)
}

// creates a base64-encoded auth string for Docker registry
func createRegistryAuth(registryConfig *config.RegistryConfig) (string, error) {
	if registryConfig == nil {
		return "", nil
	}

	authConfig := registry.AuthConfig{
		Username:      registryConfig.Username,
		Password:      registryConfig.Password,
		ServerAddress: registryConfig.Host,
	}

	authJSON, err := json.Marshal(authConfig)
	if err != nil {
		return "", fmt.Errorf("failed to marshal auth config: %w", err)
	}

	return base64.URLEncoding.EncodeToString(authJSON), nil
}

// PullImages pulls all images concurrently. Pulls are not abortable once issued.
func PullImages(ctx context.Context, cli Client, images []string, registryConfig *config.RegistryConfig) error {
	logger := logging.GetLogger()

	var authString string
	if registryConfig != nil {
		var err error
		authString, err = createRegistryAuth(registryConfig)
		if err != nil {
			logger.WithError(err).Error("Failed to create registry auth")
			return fmt.Errorf("failed to create registry auth: %w", err)
		}
	}

	logger.WithField("unique_images", len(images)).Info("Preparing to pull images")

	resultChan := make(chan error, len(images))
	var wg sync.WaitGroup

	for _, image := range images {
		wg.Add(1)
		go func(image string) {
			defer wg.Done()

			auth := ""
			if registryConfig != nil && isPrivateRegistryImage(image, registryConfig.Host) {
				auth = authString
				logger.WithFields(logrus.Fields{
					"image":    image,
					"registry": registryConfig.Host,
				}).Debug("Using private registry authentication")
			}

			logger.WithField("image", image).Info("Pulling image")
			if err := cli.ImagePull(ctx, image, auth); err != nil {
				logger.WithField("image", image).WithError(err).Error("Failed to pull image")
				resultChan <- fmt.Errorf("failed to pull image %s: %w", image, err)
				return
			}
			logger.WithField("image", image).Info("Image pulled successfully")
		}(image)
	}

	wg.Wait()
	close(resultChan)

	var pullErrors []error
	for err := range resultChan {
		pullErrors = append(pullErrors, err)
	}

	if len(pullErrors) > 0 {
		logger.WithField("error_count", len(pullErrors)).Error("Failed to pull some images")
		return fmt.Errorf("failed to pull %d images: %w", len(pullErrors), pullErrors[0])
	}

	logger.Info("All images pulled successfully")
	return nil
}
