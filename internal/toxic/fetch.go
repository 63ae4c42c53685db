package toxic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/metrics"
)

// Download results, also used as metric labels.
const (
	ResultChanged     = "changed"
	ResultUnchanged   = "unchanged"
	ResultNotModified = "not_modified"
	ResultError       = "error"
	ResultSkipped     = "skipped"
)

const maxListSize = 64 << 20

// Fetcher mirrors a remote list into a local file.
type Fetcher struct {
	URL       string
	Path      string
	UserAgent string
	Client    *http.Client
	Retry     RetryConfig

	logger    *logging.Logger
	urlLogged bool
}

// NewFetcher returns a Fetcher with a 30 second client timeout.
func NewFetcher(rawURL, path, userAgent string) *Fetcher {
	return &Fetcher{
		URL:       rawURL,
		Path:      path,
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: 30 * time.Second},
		Retry:     DefaultRetryConfig(),
		logger:    logging.WithComponent("toxic"),
	}
}

// validURL reports whether the URL can be fetched. An unusable URL is logged
// the first time only.
func (f *Fetcher) validURL() bool {
	u, err := url.Parse(f.URL)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return true
	}
	if !f.urlLogged {
		f.logger.Error("Toxic list URL is not valid, using local file only", "url", f.URL)
		f.urlLogged = true
	}
	return false
}

// Fetch downloads the list and rewrites the local file when the content
// differs. It reports the outcome as one of the Result constants; only
// ResultChanged means the file was written.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	if !f.validURL() {
		return ResultSkipped, nil
	}

	var modified time.Time
	if st, err := os.Stat(f.Path); err == nil {
		modified = st.ModTime()
	}

	type download struct {
		body         []byte
		lastModified time.Time
		notModified  bool
	}
	d, err := Retry(ctx, f.Retry, func() (download, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
		if err != nil {
			return download{}, err
		}
		if f.UserAgent != "" {
			req.Header.Set("User-Agent", f.UserAgent)
		}
		if !modified.IsZero() {
			req.Header.Set("If-Modified-Since", modified.UTC().Format(http.TimeFormat))
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			return download{}, WrapTemporary(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotModified:
			return download{notModified: true}, nil
		case resp.StatusCode >= 500:
			return download{}, WrapTemporary(fmt.Errorf("http status %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return download{}, fmt.Errorf("http status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxListSize))
		if err != nil {
			return download{}, WrapTemporary(err)
		}
		lm, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
		return download{body: body, lastModified: lm}, nil
	})
	if err != nil {
		f.record(ResultError)
		return ResultError, errors.Attr(errors.Wrap(err, errors.KindIO, "download toxic list"), "url", f.URL)
	}
	if d.notModified {
		f.record(ResultNotModified)
		return ResultNotModified, nil
	}

	existing, err := os.ReadFile(f.Path)
	if err == nil && bytes.Equal(existing, d.body) {
		f.record(ResultUnchanged)
		return ResultUnchanged, nil
	}
	if err := writeFile(f.Path, d.body, d.lastModified); err != nil {
		f.record(ResultError)
		return ResultError, err
	}
	f.logger.Info("Downloaded toxic list", "url", f.URL, "path", f.Path, "bytes", len(d.body))
	f.record(ResultChanged)
	return ResultChanged, nil
}

func (f *Fetcher) record(result string) {
	metrics.Get().ToxicDownloads.WithLabelValues(result).Inc()
}

// writeFile replaces path through a temporary file in the same directory.
func writeFile(path string, data []byte, mtime time.Time) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.KindIO, "create toxic list directory")
	}
	tmp, err := os.CreateTemp(dir, ".toxic-*")
	if err != nil {
		return errors.Wrap(err, errors.KindIO, "create toxic list")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.KindIO, "write toxic list")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.KindIO, "write toxic list")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.Wrap(err, errors.KindIO, "write toxic list")
	}
	if !mtime.IsZero() {
		_ = os.Chtimes(tmp.Name(), mtime, mtime)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, errors.KindIO, "replace toxic list")
	}
	return nil
}
