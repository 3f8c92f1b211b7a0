// Package download produces verified local files for (url, sha256) pairs.
// Completed downloads live at downloads/<sha256>; an in-flight transfer
// streams into a .part sibling and is promoted only after the digest checks
// out.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/derrors"
	"github.com/antonpaquin/citrine/internal/scheduler"
	"github.com/antonpaquin/citrine/internal/storage"
)

const chunkSize = 64 * 1024

// Downloader fetches remote files into the storage layout's downloads
// directory. One instance serves the whole process; the per-hash locks live
// here.
type Downloader struct {
	logger arbor.ILogger
	layout *storage.Layout
	client *http.Client

	mu       sync.Mutex
	inflight map[string]bool
}

// New builds a downloader over the given layout
func New(logger arbor.ILogger, layout *storage.Layout) *Downloader {
	return &Downloader{
		logger:   logger,
		layout:   layout,
		client:   &http.Client{Timeout: 0},
		inflight: make(map[string]bool),
	}
}

// Fetch returns a local path whose contents hash to exactly sha. A cached
// file is returned immediately. A transfer already in flight for the same
// hash fails with DownloadCollision; callers retry after the winner finishes
// and then hit the cache.
func (d *Downloader) Fetch(ctx context.Context, url, sha string) (string, error) {
	final := d.layout.DownloadFile(sha)
	if fileExists(final) {
		d.logger.Debug().Str("sha256", sha).Msg("Download already cached")
		return final, nil
	}

	if !d.tryLock(sha) {
		return "", derrors.Newf(derrors.DownloadCollision,
			"download for hash %s is already in progress", sha)
	}
	defer d.unlock(sha)

	// The winner of a race may have finished while we waited on the map
	if fileExists(final) {
		return final, nil
	}

	d.logger.Info().Str("url", url).Str("sha256", sha).Msg("Downloading file")

	part := final + ".part"
	offset, total, err := d.prepareResume(ctx, url, part)
	if err != nil {
		return "", err
	}

	if err := d.stream(ctx, url, part, offset, total); err != nil {
		return "", err
	}

	if err := verifyDigest(part, sha); err != nil {
		os.Remove(part)
		return "", err
	}

	if err := os.Rename(part, final); err != nil {
		return "", derrors.Wrap(derrors.PackageStorage, "failed to promote downloaded file", err)
	}
	d.logger.Info().Str("sha256", sha).Msg("Download complete")
	return final, nil
}

func (d *Downloader) tryLock(sha string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[sha] {
		return false
	}
	d.inflight[sha] = true
	return true
}

func (d *Downloader) unlock(sha string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, sha)
}

// prepareResume decides where the transfer starts. A leftover part file is
// resumed when the server advertises range support, otherwise discarded.
func (d *Downloader) prepareResume(ctx context.Context, url, part string) (offset, total int64, err error) {
	info, statErr := os.Stat(part)
	if statErr != nil {
		return 0, 0, nil
	}

	ranges, length, err := d.probeRange(ctx, url)
	if err != nil {
		return 0, 0, err
	}
	if !ranges {
		d.logger.Debug().Str("url", url).Msg("Remote does not support ranges, restarting download")
		if err := os.Remove(part); err != nil {
			return 0, 0, derrors.Wrap(derrors.PackageStorage, "failed to discard partial download", err)
		}
		return 0, 0, nil
	}
	d.logger.Debug().Int64("offset", info.Size()).Msg("Resuming partial download")
	return info.Size(), length, nil
}

// probeRange issues a HEAD request to learn whether the server accepts Range
// and how large the file is.
func (d *Downloader) probeRange(ctx context.Context, url string) (bool, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, 0, derrors.Wrap(derrors.Connection, "failed to build probe request", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, 0, derrors.Wrap(derrors.Connection, "failed to reach remote server", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, 0, derrors.Newf(derrors.RemoteFailed,
			"probe of %s failed with status %d", url, resp.StatusCode)
	}
	accept := resp.Header.Get("Accept-Ranges")
	if accept == "" || accept == "none" {
		return false, 0, nil
	}
	return true, resp.ContentLength, nil
}

func (d *Downloader) stream(ctx context.Context, url, part string, offset, total int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return derrors.Wrap(derrors.Connection, "failed to build download request", err)
	}
	if offset > 0 {
		if total > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, total-1))
		} else {
			// Size unknown: the probe saw no Content-Length
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return derrors.Wrap(derrors.Connection, "failed to reach remote server", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return derrors.Newf(derrors.RemoteFailed,
			"download of %s failed with status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		scheduler.Report(ctx, "download-size", offset+resp.ContentLength)
	}

	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to open part file", err)
	}
	defer out.Close()

	written := offset
	scheduler.Report(ctx, "download-progress", written)
	buf := make([]byte, chunkSize)
	for {
		// Cancellation lands between chunks
		if ctx.Err() != nil {
			return derrors.New(derrors.JobInterrupted, "download interrupted")
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return derrors.Wrap(derrors.PackageStorage, "failed to write part file", werr)
			}
			written += int64(n)
			scheduler.Report(ctx, "download-progress", written)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return derrors.New(derrors.JobInterrupted, "download interrupted")
			}
			return derrors.Wrap(derrors.Connection, "download stream failed", rerr)
		}
	}
}

func verifyDigest(path, expected string) error {
	in, err := os.Open(path)
	if err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to open downloaded file", err)
	}
	defer in.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, in); err != nil {
		return derrors.Wrap(derrors.PackageStorage, "failed to hash downloaded file", err)
	}
	actual := hex.EncodeToString(digest.Sum(nil))
	if actual != expected {
		return derrors.Newf(derrors.HashMismatch,
			"file hash %s did not match expected value %s", actual, expected)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
