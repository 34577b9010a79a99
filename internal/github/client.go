// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v66/github"
)

// RetryConfig defines the retry behavior for API calls
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// githubClient implements the Client interface using go-github
type githubClient struct {
	client      *github.Client
	httpClient  *http.Client
	retryConfig *RetryConfig
}

// NewClient creates a new GitHub client. The token is optional; anonymous
// requests are enough for public release metadata but have a lower rate limit.
func NewClient(token string) (Client, error) {
	var httpClient *http.Client
	if token != "" {
		httpClient = github.NewClient(nil).Client()
		httpClient.Transport = &github.BasicAuthTransport{
			Username: "token",
			Password: token,
		}
	}

	return &githubClient{
		client:     github.NewClient(httpClient),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		retryConfig: &RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2.0,
		},
	}, nil
}

// GetRelease retrieves release metadata
func (c *githubClient) GetRelease(ctx context.Context, owner, repo, tag string) (*Release, error) {
	var rel *github.RepositoryRelease

	err := c.executeWithRetry(ctx, func() error {
		var err error
		if tag == "" {
			rel, _, err = c.client.Repositories.GetLatestRelease(ctx, owner, repo)
		} else {
			rel, _, err = c.client.Repositories.GetReleaseByTag(ctx, owner, repo, tag)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get release %s/%s@%s: %w", owner, repo, tagOrLatest(tag), err)
	}

	return c.convertRelease(rel), nil
}

// DownloadAsset streams a release asset, following the redirect to the
// storage backend.
func (c *githubClient) DownloadAsset(ctx context.Context, owner, repo string, assetID int64) (io.ReadCloser, error) {
	var rc io.ReadCloser

	err := c.executeWithRetry(ctx, func() error {
		var err error
		rc, _, err = c.client.Repositories.DownloadReleaseAsset(ctx, owner, repo, assetID, c.httpClient)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download asset %d of %s/%s: %w", assetID, owner, repo, err)
	}
	if rc == nil {
		return nil, fmt.Errorf("asset %d of %s/%s returned no content", assetID, owner, repo)
	}

	return rc, nil
}

// executeWithRetry executes an operation with exponential backoff retry
func (c *githubClient) executeWithRetry(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryConfig.InitialBackoff
	b.MaxInterval = c.retryConfig.MaxBackoff
	b.Multiplier = c.retryConfig.BackoffFactor
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := operation()
		if err == nil {
			return nil
		}
		if !c.isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retryConfig.MaxRetries)), ctx))

	if err != nil && attempts > c.retryConfig.MaxRetries && c.isRetryableError(err) {
		return fmt.Errorf("operation failed after %d retries: %w", c.retryConfig.MaxRetries, err)
	}
	return err
}

// isRetryableError determines if an error should trigger a retry
func (c *githubClient) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			if ghErr.Message == "API rate limit exceeded" {
				return true
			}
		}
	}

	return false
}

// convertRelease converts a GitHub release to our domain model
func (c *githubClient) convertRelease(rel *github.RepositoryRelease) *Release {
	if rel == nil {
		return nil
	}

	result := &Release{
		TagName: rel.GetTagName(),
		Name:    rel.GetName(),
	}
	for _, a := range rel.Assets {
		if a == nil {
			continue
		}
		result.Assets = append(result.Assets, Asset{
			ID:          a.GetID(),
			Name:        a.GetName(),
			ContentType: a.GetContentType(),
			Size:        a.GetSize(),
		})
	}

	return result
}

func tagOrLatest(tag string) string {
	if tag == "" {
		return "latest"
	}
	return tag
}
