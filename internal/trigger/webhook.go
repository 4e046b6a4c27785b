// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/juju/errors"

	"github.com/juju/feedmux/core/changefeed"
)

const (
	// EventMatch is posted when a row enters a trigger's region.
	EventMatch = "MATCH"
	// EventUnmatch is posted when a row leaves a trigger's region.
	EventUnmatch = "UNMATCH"

	// postTimeout bounds a single delivery attempt. There is no retry,
	// so a hung endpoint must not stall the trigger's dispatcher for
	// long.
	postTimeout = 10 * time.Second
)

// Payload is the JSON body posted to a trigger's webhook.
type Payload struct {
	EventType   string         `json:"event_type"`
	TriggerName string         `json:"trigger_name"`
	Timestamp   string         `json:"timestamp"`
	Data        changefeed.Row `json:"data"`
}

// Poster delivers webhook payloads.
type Poster interface {
	Post(ctx context.Context, url string, payload Payload) error
}

// HTTPPoster posts payloads as JSON over plain HTTP. No auth header, no
// signature.
type HTTPPoster struct {
	client *http.Client
}

// NewHTTPPoster returns a poster with a bounded-timeout client.
func NewHTTPPoster() *HTTPPoster {
	return &HTTPPoster{
		client: &http.Client{Timeout: postTimeout},
	}
}

// Post is part of the Poster interface.
func (p *HTTPPoster) Post(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Trace(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("webhook %s returned %s", url, resp.Status)
	}
	return nil
}
