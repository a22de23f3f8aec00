package fetcher

import (
	"errors"
	"fmt"
)

var ErrNoProxy = errors.New("no proxy available")

// Outcome says how a Result was produced.
type Outcome int

const (
	Failed Outcome = iota
	Cached
	Fetched
)

func (o Outcome) String() string {
	switch o {
	case Cached:
		return "cached"
	case Fetched:
		return "fetched"
	default:
		return "failed"
	}
}

type ErrorKind int

const (
	// KindNoProxy: no attempt ever obtained a proxy.
	KindNoProxy ErrorKind = iota
	// KindExhausted: every attempt used a proxy and failed.
	KindExhausted
	// KindStorage: the page was fetched but could not be written to the cache.
	KindStorage
	// KindCanceled: the caller's context ended first.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoProxy:
		return "no_proxy"
	case KindExhausted:
		return "exhausted"
	case KindStorage:
		return "storage"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// FetchError describes why a URL could not be cached.
type FetchError struct {
	Kind  ErrorKind
	URL   string
	Cause error
}

func (e *FetchError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Result is what FetchAndCache produces for one URL.
type Result struct {
	URL      string
	Path     string
	Outcome  Outcome
	Attempts int
	Err      *FetchError
}

func (r Result) OK() bool {
	return r.Outcome != Failed
}

// AsError returns r.Err as an error, nil on success.
func (r Result) AsError() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}
