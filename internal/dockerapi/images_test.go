package dockerapi_test

import (
	"context"
	"errors"
	"testing"

	"clone-bench/internal/dockerapi"
	"clone-bench/internal/dockerapi/dockertest"
)

func TestPullImages(t *testing.T) {
	fake := dockertest.New()
	images := []string{"ghcr.io/example/nicad", "ghcr.io/example/big-clone-eval"}

	if err := dockerapi.PullImages(context.Background(), fake, images, nil); err != nil {
		t.Fatalf("PullImages: %v", err)
	}
	if n := fake.Count("image-pull:"); n != 2 {
		t.Fatalf("expected 2 pulls, got %d (%v)", n, fake.CallLog())
	}
}

func TestPullImages_ReportsFailure(t *testing.T) {
	fake := dockertest.New()
	fake.PullErr = errors.New("manifest unknown")

	err := dockerapi.PullImages(context.Background(), fake, []string{"ghcr.io/example/missing"}, nil)
	if err == nil {
		t.Fatalf("expected pull error")
	}
	if !errors.Is(err, fake.PullErr) {
		t.Fatalf("expected wrapped pull error, got %v", err)
	}
}
