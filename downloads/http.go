package downloads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
	DefaultBufferSize    = 32 * 1024
)

var ErrChecksum = errors.New("checksum mismatch")

// Fetcher downloads files over HTTP, resuming partial files with Range
// requests and retrying transient failures.
type Fetcher struct {
	Client   *http.Client
	Attempts int
	Delay    time.Duration
}

// DefaultFetcher has no client timeout so large archives can finish.
var DefaultFetcher = &Fetcher{
	Client:   &http.Client{},
	Attempts: DefaultRetryAttempts,
	Delay:    DefaultRetryDelay,
}

// Fetch downloads url to destPath once. An existing partial file is resumed
// when the server honours the Range header and restarted otherwise.
func (f *Fetcher) Fetch(ctx context.Context, destPath, url string, progressCb ByteProgressCallback) error {
	var existing int64
	if stat, err := os.Stat(destPath); err == nil {
		existing = stat.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}

	resp, err := f.client().Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusOK:
		existing = 0
		flags |= os.O_TRUNC
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusRequestedRangeNotSatisfiable:
		// the partial file is already complete
		if progressCb != nil {
			progressCb(existing, existing)
		}
		return nil
	default:
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	total := resp.ContentLength
	if total > 0 {
		total += existing
	}

	out, err := os.OpenFile(destPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer out.Close()

	downloaded := existing
	buf := make([]byte, DefaultBufferSize)
	lastReport := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write to file: %w", err)
			}
			downloaded += int64(n)
			if progressCb != nil && time.Since(lastReport) >= 100*time.Millisecond {
				progressCb(downloaded, total)
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read response: %w", readErr)
		}
	}

	if progressCb != nil {
		progressCb(downloaded, total)
	}
	return nil
}

// FetchWithRetry calls Fetch up to Attempts times. Cancellation is not retried.
func (f *Fetcher) FetchWithRetry(ctx context.Context, destPath, url string, progressCb ByteProgressCallback) error {
	attempts := f.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := f.Fetch(ctx, destPath, url, progressCb)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.Delay):
			}
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", attempts, lastErr)
}

// FetchVerified downloads with retry and, when sum is set, compares the
// file's sha256 against it. A mismatching file is removed.
func (f *Fetcher) FetchVerified(ctx context.Context, destPath, url, sum string, progressCb ByteProgressCallback) error {
	if err := f.FetchWithRetry(ctx, destPath, url, progressCb); err != nil {
		return err
	}
	if sum == "" {
		return nil
	}
	got, err := FileSHA256(destPath)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, sum) {
		os.Remove(destPath)
		return fmt.Errorf("%w: %s has %s, want %s", ErrChecksum, destPath, got, sum)
	}
	return nil
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// FileSHA256 returns the hex sha256 of the file at path.
func FileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FormatBytes formats a byte count for progress messages.
func FormatBytes(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

func FormatSpeed(bytesPerSec int64) string {
	return FormatBytes(bytesPerSec) + "/s"
}
