// Package stream consumes the sampled-tweet stream and keeps it running
// across disconnects.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
)

// Source delivers raw stream payloads to fn until the connection ends.
// Stream always returns a non-nil error: the context error on cancellation,
// a *errors.CrawlerError with a STREAM code otherwise.
type Source interface {
	Stream(ctx context.Context, fn func(payload []byte) error) error
}

// Query parameters requested on every connection.
var (
	Expansions = []string{
		"author_id", "referenced_tweets.id", "in_reply_to_user_id",
		"attachments.media_keys", "attachments.poll_ids", "geo.place_id",
		"entities.mentions.username", "referenced_tweets.id.author_id",
	}
	MediaFields = []string{
		"media_key", "type", "url", "duration_ms", "height",
		"preview_image_url", "public_metrics", "width", "alt_text", "variants",
	}
	PlaceFields = []string{
		"full_name", "id", "contained_within", "country", "country_code",
		"geo", "name", "place_type",
	}
	PollFields = []string{"id", "options", "duration_minutes", "end_datetime", "voting_status"}
	TweetFields = []string{
		"id", "text", "attachments", "author_id", "context_annotations",
		"conversation_id", "created_at", "entities", "geo", "in_reply_to_user_id",
		"lang", "non_public_metrics", "organic_metrics", "possibly_sensitive",
		"promoted_metrics", "public_metrics", "referenced_tweets",
		"reply_settings", "source", "withheld",
	}
	UserFields = []string{
		"id", "name", "username", "created_at", "description", "entities",
		"location", "pinned_tweet_id", "profile_image_url", "protected",
		"public_metrics", "url", "verified", "withheld",
	}
)

// HTTPSource reads newline-delimited JSON from the streaming endpoint.
type HTTPSource struct {
	endpoint    string
	token       string
	idleTimeout time.Duration
	client      *http.Client
}

// NewHTTPSource creates a source for endpoint authenticated with a bearer
// token. A connection that delivers nothing for idleTimeout is dropped.
func NewHTTPSource(endpoint, token string, idleTimeout time.Duration) *HTTPSource {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 30 * time.Second
	return &HTTPSource{
		endpoint:    endpoint,
		token:       token,
		idleTimeout: idleTimeout,
		client:      &http.Client{Transport: transport},
	}
}

// RequestURL returns the endpoint with the field and expansion query.
func (s *HTTPSource) RequestURL() (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("expansions", strings.Join(Expansions, ","))
	q.Set("media.fields", strings.Join(MediaFields, ","))
	q.Set("place.fields", strings.Join(PlaceFields, ","))
	q.Set("poll.fields", strings.Join(PollFields, ","))
	q.Set("tweet.fields", strings.Join(TweetFields, ","))
	q.Set("user.fields", strings.Join(UserFields, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Stream implements Source.
func (s *HTTPSource) Stream(ctx context.Context, fn func(payload []byte) error) error {
	target, err := s.RequestURL()
	if err != nil {
		return crawlerrors.NewStreamError(crawlerrors.CodeHTTPStatus, "invalid stream URL", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, target, nil)
	if err != nil {
		return crawlerrors.NewStreamError(crawlerrors.CodeHTTPStatus, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("User-Agent", "tweetcrawler")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return crawlerrors.NewStreamError(crawlerrors.CodeHTTPStatus, "connect", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}

	var idle atomic.Bool
	timer := time.AfterFunc(s.idleTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer timer.Stop()

	r := bufio.NewReaderSize(resp.Body, 256*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err == nil {
			timer.Reset(s.idleTimeout)
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue // keep-alive
			}
			if ferr := fn(line); ferr != nil {
				return ferr
			}
			continue
		}

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case idle.Load():
			return crawlerrors.NewStreamError(crawlerrors.CodePartialRead,
				fmt.Sprintf("no data for %s", s.idleTimeout), nil)
		case err == io.EOF && len(line) == 0:
			return crawlerrors.NewStreamError(crawlerrors.CodeStreamClosed, "server closed the stream", nil)
		default:
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return crawlerrors.NewStreamError(crawlerrors.CodePartialRead, "read stream", err)
		}
	}
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("stream returned %s: %s", resp.Status, bytes.TrimSpace(body))
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return crawlerrors.NewStreamError(crawlerrors.CodeAuthFailed, msg, nil)
	case http.StatusTooManyRequests:
		return crawlerrors.NewStreamError(crawlerrors.CodeRateLimited, msg, nil)
	default:
		return crawlerrors.NewStreamError(crawlerrors.CodeHTTPStatus, msg, nil).
			WithDetails(map[string]interface{}{"status": resp.StatusCode})
	}
}
