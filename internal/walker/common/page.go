// Package common holds the pagination, host-extraction, and
// protocol-fallback helpers shared by every walker in internal/walker.
package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/denikryt/peertube-crawler/internal/fault"
	"github.com/denikryt/peertube-crawler/internal/httpfetch"
)

// PageSize is the page size every paginated upstream endpoint is called
// with, per spec.md §6 "accept start (0-based offset) and count (page
// size, 50)".
const PageSize = 50

// Page decodes a paginated upstream response, which may arrive as either
// a bare JSON array or an envelope object carrying a total alongside the
// data array.
type Page[T any] struct {
	Data  []T
	Total *int64
}

func (p *Page[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(data, &p.Data)
	}

	var envelope struct {
		Total *int64 `json:"total"`
		Data  []T    `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	p.Data = envelope.Data
	p.Total = envelope.Total
	return nil
}

// Done reports whether pagination should stop after a page of the given
// returned length, fetched at offset, given the page's own total if the
// server provided one.
func Done(offset, returned int, total *int64) bool {
	if total != nil {
		return int64(offset+returned) >= *total
	}
	return returned < PageSize
}

// ProtoCache remembers which protocol (http or https) succeeded for a
// host, so later pages of the same host's walk skip straight to it
// instead of re-probing both on every call.
type ProtoCache struct {
	mu sync.Mutex
	m  map[string]string
}

func NewProtoCache() *ProtoCache {
	return &ProtoCache{m: make(map[string]string)}
}

func (c *ProtoCache) get(host string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.m[host]
	return p, ok
}

func (c *ProtoCache) set(host, proto string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[host] = proto
}

// FetchJSONWithFallback implements spec.md §4.2's per-host protocol
// fallback: the preferred protocol is tried first with the full retry
// budget; on any failure other than no-network, the alternate protocol
// is tried with half the budget. Whichever succeeds is cached in proto
// for later calls against the same host. A no-network fault is returned
// immediately without trying the alternate, since it means the network
// itself is unreachable, not that the protocol was wrong.
func FetchJSONWithFallback[T any](ctx context.Context, fetcher *httpfetch.Client, proto *ProtoCache, host, preferredProto, pathAndQuery string, maxRetries int) (T, string, error) {
	var zero T

	if cached, ok := proto.get(host); ok {
		v, err := httpfetch.FetchJSON[T](ctx, fetcher, cached+"://"+host+pathAndQuery, maxRetries)
		return v, cached, err
	}

	first := preferredProto
	if first == "" {
		first = "https"
	}
	second := "http"
	if first == "http" {
		second = "https"
	}

	v, err := httpfetch.FetchJSON[T](ctx, fetcher, first+"://"+host+pathAndQuery, maxRetries)
	if err == nil {
		proto.set(host, first)
		return v, first, nil
	}

	var f *fault.Fault
	if errors.As(err, &f) && f.Kind == fault.KindNoNetwork {
		return zero, "", err
	}

	v2, err2 := httpfetch.FetchJSON[T](ctx, fetcher, second+"://"+host+pathAndQuery, maxRetries/2)
	if err2 != nil {
		return zero, "", fmt.Errorf("both protocols failed for %s (preferred %s: %s, alternate %s): %w", host, first, err, second, err2)
	}
	proto.set(host, second)
	return v2, second, nil
}
