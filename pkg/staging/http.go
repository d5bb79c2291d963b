package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

// rendezvousToken is the JSON body some distribution endpoints return
// instead of the product bytes: a pointer into object storage where the
// payload was parked for pickup.
type rendezvousToken struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// HTTPSource stages resources over plain HTTP(S). Endpoints either serve
// the archive directly or answer with a bucket rendezvous token, which is
// resolved through the remote source.
type HTTPSource struct {
	client *http.Client
	remote Source
}

// NewHTTPSource builds the source. A nil client gets a 5 minute timeout
// default; remote may be nil when no rendezvous endpoints are in play.
func NewHTTPSource(client *http.Client, remote Source) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPSource{client: client, remote: remote}
}

// Fetch downloads the URL into destDir. JSON responses are treated as
// rendezvous tokens and chased through the remote source.
func (h *HTTPSource) Fetch(ctx context.Context, uri URI, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus(resp.StatusCode, uri.URL); err != nil {
		return "", err
	}

	if isJSONResponse(resp) {
		return h.fetchViaToken(ctx, resp.Body, uri, destDir)
	}

	local := filepath.Join(destDir, downloadName(resp, uri.URL))
	f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return local, nil
}

func (h *HTTPSource) fetchViaToken(ctx context.Context, body io.Reader, uri URI, destDir string) (string, error) {
	var token rendezvousToken
	if err := json.NewDecoder(body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode rendezvous token from %s: %w", uri.URL, err)
	}
	if token.Bucket == "" || token.Key == "" {
		return "", fmt.Errorf("rendezvous token from %s missing bucket or key", uri.URL)
	}
	if h.remote == nil {
		return "", fmt.Errorf("rendezvous token from %s but no remote source configured", uri.URL)
	}
	return h.remote.Fetch(ctx, URI{
		Scheme: SchemeRemote,
		Raw:    uri.Raw,
		Bucket: token.Bucket,
		Key:    token.Key,
	}, destDir)
}

func classifyHTTPStatus(code int, url string) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w: %s returned %d", ErrNotFound, url, code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d", ErrAccessDenied, url, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned %d", ErrThrottled, url, code)
	case code >= 500:
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, url, code)
	default:
		return fmt.Errorf("unexpected status %d from %s", code, url)
	}
}

func isJSONResponse(resp *http.Response) bool {
	ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && ct == "application/json"
}

// downloadName picks the local filename: Content-Disposition if present,
// else the last URL path element.
func downloadName(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := filepath.Base(params["filename"]); name != "" && name != "." {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return "download"
}
