// Package staging resolves input resource URIs to local paths inside a job
// working directory and publishes produced artefacts back to object storage.
//
// Three URI forms are understood:
//   - plain local paths, returned as-is after an existence check
//   - "remote:bucket/key" for object storage, downloaded recursively
//   - "http(s)://..." for direct archives or bucket-rendezvous tokens
//
// Downloads of archives (.zip, .tar, .tar.gz) are extracted transparently.
package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Scheme identifies how a resource URI is fetched.
type Scheme string

const (
	SchemeLocal  Scheme = "local"
	SchemeRemote Scheme = "remote"
	SchemeHTTP   Scheme = "http"
)

// Sentinel errors for source classification. Transient errors are retried
// by the stager, permanent ones fail the stage immediately.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrAccessDenied = errors.New("access denied")
	ErrThrottled    = errors.New("throttled by remote")
	ErrUnavailable  = errors.New("remote unavailable")
)

// URI is a parsed resource locator.
type URI struct {
	Scheme Scheme
	Raw    string

	// Bucket and Key are set for SchemeRemote.
	Bucket string
	Key    string

	// URL is set for SchemeHTTP.
	URL string

	// Path is set for SchemeLocal.
	Path string
}

// ParseURI classifies a raw resource string.
func ParseURI(raw string) (URI, error) {
	switch {
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return URI{Scheme: SchemeHTTP, Raw: raw, URL: raw}, nil

	case strings.HasPrefix(raw, "remote:"):
		rest := strings.TrimPrefix(raw, "remote:")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return URI{}, fmt.Errorf("remote uri %q: want remote:bucket/key", raw)
		}
		return URI{Scheme: SchemeRemote, Raw: raw, Bucket: bucket, Key: strings.TrimSuffix(key, "/")}, nil

	case raw == "":
		return URI{}, fmt.Errorf("empty resource uri")

	default:
		return URI{Scheme: SchemeLocal, Raw: raw, Path: raw}, nil
	}
}

// StageFailedError reports a resource that could not be staged after the
// retry budget was exhausted or a permanent failure occurred.
type StageFailedError struct {
	URI string
	Err error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.URI, e.Err)
}

func (e *StageFailedError) Unwrap() error { return e.Err }

// IsStageFailed reports whether err is a StageFailedError.
func IsStageFailed(err error) bool {
	var sf *StageFailedError
	return errors.As(err, &sf)
}

// Source fetches a resource into destDir and returns the local path of what
// it fetched (a file or a directory).
type Source interface {
	Fetch(ctx context.Context, uri URI, destDir string) (string, error)
}

// Config tunes the stager.
type Config struct {
	// Retry policy for transient source errors.
	Retry Policy

	// Remote provides SchemeRemote downloads. Required when remote URIs
	// are staged.
	Remote Source

	// HTTP provides SchemeHTTP downloads. Defaults to an HTTPSource with
	// the Remote source as its rendezvous backend.
	HTTP Source

	Logger *zap.Logger
}

// Stager resolves resource URIs into a working directory.
type Stager struct {
	cfg Config
	log *zap.Logger
}

// New creates a stager, backfilling defaults.
func New(cfg Config) *Stager {
	if cfg.Retry == (Policy{}) {
		cfg.Retry = DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HTTP == nil {
		cfg.HTTP = NewHTTPSource(nil, cfg.Remote)
	}
	return &Stager{cfg: cfg, log: cfg.Logger}
}

// Stage resolves raw into workdir and returns the local path. Local paths
// are returned in place, remote resources are downloaded, and archives are
// extracted with their single root directory returned.
func (s *Stager) Stage(ctx context.Context, raw, workdir string) (string, error) {
	uri, err := ParseURI(raw)
	if err != nil {
		return "", &StageFailedError{URI: raw, Err: err}
	}

	if uri.Scheme == SchemeLocal {
		if _, err := os.Stat(uri.Path); err != nil {
			return "", &StageFailedError{URI: raw, Err: fmt.Errorf("%w: %v", ErrNotFound, err)}
		}
		return uri.Path, nil
	}

	src, err := s.sourceFor(uri)
	if err != nil {
		return "", &StageFailedError{URI: raw, Err: err}
	}

	var local string
	err = s.cfg.Retry.Do(ctx, func() error {
		var ferr error
		local, ferr = src.Fetch(ctx, uri, workdir)
		return ferr
	}, isTransient)
	if err != nil {
		return "", &StageFailedError{URI: raw, Err: err}
	}
	s.log.Debug("staged resource", zap.String("uri", raw), zap.String("local", local))

	if isArchivePath(local) {
		root, err := ExtractArchive(local, workdir)
		if err != nil {
			return "", &StageFailedError{URI: raw, Err: err}
		}
		if err := os.Remove(local); err != nil {
			s.log.Warn("could not remove staged archive", zap.String("path", local), zap.Error(err))
		}
		return root, nil
	}
	return local, nil
}

func (s *Stager) sourceFor(uri URI) (Source, error) {
	switch uri.Scheme {
	case SchemeRemote:
		if s.cfg.Remote == nil {
			return nil, fmt.Errorf("no remote source configured for %s", uri.Raw)
		}
		return s.cfg.Remote, nil
	case SchemeHTTP:
		return s.cfg.HTTP, nil
	}
	return nil, fmt.Errorf("no source for scheme %s", uri.Scheme)
}

// isTransient classifies source errors for the retry policy.
func isTransient(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}

func isArchivePath(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	return strings.HasSuffix(name, ".zip") ||
		strings.HasSuffix(name, ".tar") ||
		strings.HasSuffix(name, ".tar.gz") ||
		strings.HasSuffix(name, ".tgz")
}
