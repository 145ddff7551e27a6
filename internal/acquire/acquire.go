// Package acquire downloads the compressed MediaWiki dump with resumable,
// retrying ranged HTTP requests, verifying it against a checksum sidecar
// before reuse.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/xerrors"
)

const (
	clientRetryMax     = 9
	clientRetryWaitMax = 30 * time.Second
	userAgent          = "wikicore/1 (offline encyclopedia core)"
)

// NewHTTPClient returns the retryablehttp.Client the dump acquirer uses:
// bounded retries, capped backoff, and a descriptive User-Agent, with
// logging silenced until it is wired to a structured logger by the caller.
// The LLM client builds its own client (llmclient.New) with its own retry
// settings.
func NewHTTPClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = clientRetryMax
	client.RetryWaitMax = clientRetryWaitMax
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
		req.Header.Set("User-Agent", userAgent)
	}
	return client
}

// downloader wraps an in-progress HTTP response body, resuming with a
// Range request whenever the read fails before the expected length is
// reached. Grounded on the mediawiki dump downloader's Range-resume loop.
type downloader struct {
	client     *retryablehttp.Client
	req        *retryablehttp.Request
	downloaded int64
	length     int64
	resp       *http.Response
}

func newDownloader(client *retryablehttp.Client, req *retryablehttp.Request) (*downloader, errors.E) {
	d := &downloader{client: client, req: req}
	if err := d.start(0); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *downloader) start(from int64) errors.E {
	if d.resp != nil {
		_ = d.resp.Body.Close()
		d.resp = nil
	}
	if from <= 0 {
		d.req.Header.Del("Range")
	} else {
		d.req.Header.Set("Range", fmt.Sprintf("bytes=%d-", from))
	}

	resp, err := d.client.Do(d.req) //nolint:bodyclose
	if err != nil {
		return xerrors.Wrap(xerrors.Unreachable, err, "starting dump download")
	}
	wantStatus := http.StatusOK
	if from > 0 {
		wantStatus = http.StatusPartialContent
	}
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		return xerrors.Newf(xerrors.DumpIo, "unexpected dump download status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	d.resp = resp
	lengthStr := resp.Header.Get("Content-Length")
	length, convErr := strconv.ParseInt(lengthStr, 10, 64)
	if lengthStr == "" || convErr != nil || length == 0 {
		return xerrors.New(xerrors.DumpIo, "dump download response missing a usable Content-Length")
	}
	d.length = from + length
	return nil
}

func (d *downloader) Read(p []byte) (int, error) {
	n, err := d.resp.Body.Read(p)
	d.downloaded += int64(n)

	switch {
	case d.downloaded >= d.length:
		return n, err
	case d.req.Context().Err() != nil:
		return n, d.req.Context().Err()
	case err != nil:
		if startErr := d.start(d.downloaded); startErr != nil {
			return n, startErr
		}
		if n > 0 {
			return n, nil
		}
		return d.Read(p)
	default:
		return n, err
	}
}

func (d *downloader) Close() error {
	if d.resp == nil {
		return nil
	}
	err := d.resp.Body.Close()
	d.resp = nil
	return err
}

// Result reports what Acquire found or produced.
type Result struct {
	Path         string
	AlreadyFresh bool
	BytesWritten int64
}

// Acquire ensures destPath holds the content at url, verified by its
// sha256 sidecar (destPath + ".sha256"). If destPath and its sidecar
// already agree, no network request is made. Otherwise the content is
// downloaded (resumably) to destPath+".part" and renamed atomically into
// place once its checksum matches the sidecar, or once the download
// succeeds and a fresh sidecar is written when none existed yet.
func Acquire(ctx context.Context, client *retryablehttp.Client, url, destPath string) (Result, errors.E) {
	sidecarPath := destPath + ".sha256"

	if fresh, errE := verifyExisting(destPath, sidecarPath); errE != nil {
		return Result{}, errE
	} else if fresh {
		return Result{Path: destPath, AlreadyFresh: true}, nil
	}

	partPath := destPath + ".part"
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil { //nolint:gosec
		return Result{}, xerrors.Wrap(xerrors.DumpIo, err, "creating dump directory")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.Internal, err, "building dump request")
	}

	dl, errE := newDownloader(client, req)
	if errE != nil {
		return Result{}, errE
	}
	defer dl.Close() //nolint:errcheck

	out, err := os.Create(partPath) //nolint:gosec
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.DumpIo, err, "creating partial dump file")
	}

	hasher := sha256.New()
	written, err := io.Copy(out, io.TeeReader(dl, hasher))
	closeErr := out.Close()
	if err != nil {
		_ = os.Remove(partPath)
		if ctx.Err() != nil {
			return Result{}, xerrors.Wrap(xerrors.Cancelled, ctx.Err(), "dump download cancelled")
		}
		return Result{}, xerrors.Wrap(xerrors.DumpIo, err, "downloading dump")
	}
	if closeErr != nil {
		return Result{}, xerrors.Wrap(xerrors.DumpIo, closeErr, "finalizing partial dump file")
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if existing, readErr := os.ReadFile(sidecarPath); readErr == nil { //nolint:gosec
		if want := strings.TrimSpace(string(existing)); want != "" && want != checksum {
			_ = os.Remove(partPath)
			return Result{}, xerrors.Newf(xerrors.DumpIo, "downloaded dump checksum %s does not match expected %s", checksum, want)
		}
	}

	if err := os.Rename(partPath, destPath); err != nil {
		return Result{}, xerrors.Wrap(xerrors.DumpIo, err, "renaming dump into place")
	}
	if err := os.WriteFile(sidecarPath, []byte(checksum+"\n"), 0o644); err != nil { //nolint:gosec
		return Result{}, xerrors.Wrap(xerrors.DumpIo, err, "writing dump checksum sidecar")
	}

	return Result{Path: destPath, BytesWritten: written}, nil
}

func verifyExisting(destPath, sidecarPath string) (bool, errors.E) {
	f, err := os.Open(destPath) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.DumpIo, err, "opening existing dump")
	}
	defer f.Close() //nolint:errcheck

	want, err := os.ReadFile(sidecarPath) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.DumpIo, err, "reading dump checksum sidecar")
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false, xerrors.Wrap(xerrors.DumpIo, err, "hashing existing dump")
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	return got == strings.TrimSpace(string(want)), nil
}
