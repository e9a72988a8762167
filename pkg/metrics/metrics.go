// Package metrics fetches a Prometheus text exposition endpoint and reduces
// it to the handful of key/value samples the dashboard shows.
package metrics

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/billm/switchboard/pkg/types"
)

// DefaultLimit is the number of samples returned when no limit is given.
const DefaultLimit = 6

// maxBodySize caps how much of the exposition is read.
const maxBodySize = 4 << 20

// Metric is a single sample
type Metric struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// Fetcher pulls samples from one metrics URL.
type Fetcher struct {
	url    string
	limit  int
	client *http.Client
}

// NewFetcher creates a fetcher for url. limit <= 0 selects DefaultLimit and
// a nil client selects http.DefaultClient.
func NewFetcher(url string, limit int, client *http.Client) *Fetcher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{url: url, limit: limit, client: client}
}

// URL returns the endpoint being polled
func (f *Fetcher) URL() string { return f.url }

// Fetch GETs the endpoint and parses the response body.
func (f *Fetcher) Fetch(ctx context.Context) ([]Metric, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid metrics url", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "metrics request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, types.NewError(types.ErrCodeUnavailable,
			fmt.Sprintf("metrics endpoint returned %s", resp.Status))
	}

	return Parse(io.LimitReader(resp.Body, maxBodySize), f.limit)
}

// Parse reads the first limit sample lines of the Prometheus text format.
// Blank lines and '#' lines are not samples. A sample whose value is missing
// or not a finite number still uses up its place in the window but is left
// out of the result, since it cannot be encoded as JSON.
func Parse(r io.Reader, limit int) ([]Metric, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	out := make([]Metric, 0, limit)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for seen := 0; seen < limit && scanner.Scan(); {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seen++
		m, ok := parseLine(line)
		if !ok {
			continue
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "failed to read metrics", err)
	}
	return out, nil
}

// ParseString is Parse over a string
func ParseString(text string, limit int) []Metric {
	out, _ := Parse(strings.NewReader(text), limit)
	return out
}

// parseLine splits "name{labels} value [timestamp]". Label values may
// contain spaces, so the key runs to the closing brace when there is one.
func parseLine(line string) (Metric, bool) {
	var key, rest string
	if open := strings.IndexByte(line, '{'); open >= 0 && open < strings.IndexAny(line+" ", " \t") {
		end := strings.LastIndexByte(line, '}')
		if end < open {
			return Metric{}, false
		}
		key, rest = line[:end+1], line[end+1:]
	} else {
		fields := strings.Fields(line)
		key = fields[0]
		rest = strings.TrimPrefix(line, key)
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Metric{}, false
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return Metric{}, false
	}
	return Metric{Key: key, Value: value}, true
}
