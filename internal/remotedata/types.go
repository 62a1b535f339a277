// Package remotedata keeps per-source caches of remote data payloads and
// decides when each source needs to be fetched again.
package remotedata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/text/language"
)

var (
	ErrRefreshFailed = errors.New("remote data refresh failed")
	ErrUnknownSource = errors.New("unknown remote data source")
	ErrInvalidInput  = errors.New("invalid input")
)

type Source string

const (
	SourceApp     Source = "app"
	SourceContact Source = "contact"
)

// rank orders sources when payloads of the same type are merged: app
// content first so contact content can extend or override it.
func (s Source) rank() int {
	switch s {
	case SourceApp:
		return 0
	case SourceContact:
		return 1
	}
	return 2
}

// Info identifies the request that produced a set of payloads.
type Info struct {
	URL          string `json:"url"`
	LastModified string `json:"lastModified,omitempty"`
	Source       Source `json:"source"`
	ContactID    string `json:"contactId,omitempty"`
}

type Payload struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Info      *Info           `json:"info,omitempty"`
}

type RefreshResult int

const (
	Skipped RefreshResult = iota
	NewData
	Failed
)

func (r RefreshResult) String() string {
	switch r {
	case Skipped:
		return "skipped"
	case NewData:
		return "newData"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Status int

const (
	UpToDate Status = iota
	Stale
	OutOfDate
)

func (s Status) String() string {
	switch s {
	case UpToDate:
		return "upToDate"
	case Stale:
		return "stale"
	case OutOfDate:
		return "outOfDate"
	}
	return "unknown"
}

// FetchResult is a remote data response. Payloads and Info are set for 2xx
// responses only.
type FetchResult struct {
	StatusCode int
	Payloads   []Payload
	Info       Info
}

// Delegate fetches one source and judges whether previously fetched data
// still matches the current request parameters.
type Delegate interface {
	Source() Source
	IsRemoteDataInfoUpToDate(ctx context.Context, info Info, locale language.Tag, randomValue int) bool
	FetchRemoteData(ctx context.Context, locale language.Tag, randomValue int, last *Info) (FetchResult, error)
}
