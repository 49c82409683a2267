package vulnfeed

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const maxFeedBytes = 512 << 20

// Source yields one raw feed document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// ObjectGetter reads an object from a bucket. *s3.Client satisfies it.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// OpenSource picks a source from a feed location: http(s) URLs,
// s3://bucket/key when objects is set, and file:// URLs or plain paths.
func OpenSource(loc string, client *http.Client, objects ObjectGetter) (Source, error) {
	if loc == "" {
		return nil, errors.New("empty feed location")
	}
	u, err := url.Parse(loc)
	if err != nil || u.Scheme == "" {
		return FileSource{Path: loc}, nil
	}
	switch u.Scheme {
	case "http", "https":
		if client == nil {
			client = &http.Client{Timeout: 5 * time.Minute}
		}
		return HTTPSource{URL: loc, Client: client}, nil
	case "file":
		return FileSource{Path: u.Path}, nil
	case "s3":
		if objects == nil {
			return nil, errors.Errorf("feed %s needs object storage configured", loc)
		}
		return ObjectSource{Objects: objects, Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
	}
	return nil, errors.Errorf("unsupported feed scheme %q", u.Scheme)
}

type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s HTTPSource) String() string { return s.URL }

func (s HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := s.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", s.URL)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		err := fmt.Errorf("GET %s: %s", s.URL, res.Status)
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return nil, permanent(err)
		}
		return nil, err
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, maxFeedBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.URL)
	}
	return gunzip(b)
}

type FileSource struct {
	Path string
}

func (s FileSource) String() string { return "file://" + s.Path }

func (s FileSource) Fetch(context.Context) ([]byte, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, permanent(errors.Wrap(err, "read feed file"))
	}
	return gunzip(b)
}

type ObjectSource struct {
	Objects ObjectGetter
	Bucket  string
	Key     string
}

func (s ObjectSource) String() string { return "s3://" + s.Bucket + "/" + s.Key }

func (s ObjectSource) Fetch(ctx context.Context) ([]byte, error) {
	b, err := s.Objects.GetObject(ctx, s.Bucket, s.Key)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", s)
	}
	return gunzip(b)
}

// gunzip transparently inflates gzip payloads such as the NVD .json.gz feeds.
func gunzip(b []byte) ([]byte, error) {
	if len(b) < 2 || b[0] != 0x1f || b[1] != 0x8b {
		return b, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, permanent(errors.Wrap(err, "gzip"))
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxFeedBytes))
	if err != nil {
		return nil, permanent(errors.Wrap(err, "gunzip"))
	}
	return out, nil
}
