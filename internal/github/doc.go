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

// Package github fetches release metadata and assets from the GitHub API.
//
// The certificate authority uses it to install the EasyRSA release it runs
// for team PKI generation when no local installation is configured.
//
// Example usage:
//
//	client, _ := github.NewClient(token)
//
//	rel, err := client.GetRelease(ctx, "OpenVPN", "easy-rsa", "v3.1.0")
//	if err != nil {
//	    return err
//	}
//	asset, ok := rel.FindAsset(".tgz")
//	if !ok {
//	    return errors.New("no tarball")
//	}
//	rc, err := client.DownloadAsset(ctx, "OpenVPN", "easy-rsa", asset.ID)
//
// Retry Logic:
//
// Failed requests are retried with exponential backoff:
//   - Initial backoff: 500 milliseconds
//   - Maximum backoff: 30 seconds
//   - Maximum retries: 3
//   - Backoff factor: 2.0
//
// Retries are performed for rate limits and 502/503/504 responses.
// Client errors (4xx except 429) are not retried.
package github
