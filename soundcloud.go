package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SoundCloud's v2 API is unauthenticated but keyed by a client_id that is
// only published inside the web app's script bundles. The id is scraped once
// and reused for the process lifetime; a 401/403 invalidates it.

const soundcloudAPIBase = "https://api-v2.soundcloud.com"

var (
	scHTTPClient = &http.Client{Timeout: 30 * time.Second}
	// No timeout: carries audio bodies that play for minutes.
	scStreamClient = &http.Client{}
	apiLimiter     = rate.NewLimiter(rate.Limit(4), 8)

	scClientIDMu sync.Mutex
	scClientID   string

	scScriptRegex   = regexp.MustCompile(`<script[^>]+src="(https://a-v2\.sndcdn\.com/assets/[^"]+\.js)"`)
	scClientIDRegex = regexp.MustCompile(`client_id\s*[:=]\s*"([A-Za-z0-9]{20,40})"`)
)

type scUser struct {
	Username string `json:"username"`
}

type scTranscoding struct {
	URL    string `json:"url"`
	Format struct {
		Protocol string `json:"protocol"`
	} `json:"format"`
}

type scTrack struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	PermalinkURL string `json:"permalink_url"`
	ArtworkURL   string `json:"artwork_url"`
	Description  string `json:"description"`
	DurationMS   int64  `json:"duration"`
	User         scUser `json:"user"`
	Media        struct {
		Transcodings []scTranscoding `json:"transcodings"`
	} `json:"media"`
}

func resolveSoundCloudClientID(ctx context.Context) (string, error) {
	scClientIDMu.Lock()
	defer scClientIDMu.Unlock()
	if scClientID != "" {
		return scClientID, nil
	}

	body, err := scFetch(ctx, "https://soundcloud.com/")
	if err != nil {
		return "", fmt.Errorf("failed to fetch soundcloud homepage: %w", err)
	}

	for _, m := range scScriptRegex.FindAllStringSubmatch(string(body), -1) {
		script, err := scFetch(ctx, m[1])
		if err != nil {
			continue
		}
		if id := scClientIDRegex.FindSubmatch(script); len(id) > 1 {
			scClientID = string(id[1])
			LogResolver("Resolved SoundCloud client id (%d scripts scanned)", len(m))
			return scClientID, nil
		}
	}
	return "", errors.New("no client_id found in soundcloud scripts")
}

func invalidateSoundCloudClientID() {
	scClientIDMu.Lock()
	scClientID = ""
	scClientIDMu.Unlock()
}

func scFetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := apiLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	resp, err := scHTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		invalidateSoundCloudClientID()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("soundcloud returned status %d for %s", resp.StatusCode, rawURL)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// soundcloudSearch queries the track search endpoint.
func soundcloudSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	clientID, err := resolveSoundCloudClientID(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	endpoint := fmt.Sprintf("%s/search/tracks?q=%s&client_id=%s&limit=%d",
		soundcloudAPIBase, url.QueryEscape(query), clientID, limit)
	body, err := scFetch(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Collection []scTrack `json:"collection"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode soundcloud search response: %w", err)
	}

	results := make([]SearchResult, 0, len(payload.Collection))
	for _, t := range payload.Collection {
		if t.PermalinkURL == "" {
			continue
		}
		results = append(results, SearchResult{
			VideoID:       fmt.Sprintf("sc:%d", t.ID),
			Title:         t.Title,
			ChannelName:   t.User.Username,
			URL:           t.PermalinkURL,
			Thumbnail:     t.ArtworkURL,
			DurationLabel: formatDurationLabel(time.Duration(t.DurationMS) * time.Millisecond),
		})
	}
	return results, nil
}

// soundcloudStream resolves a track page URL down to a readable audio stream.
func soundcloudStream(ctx context.Context, trackURL string) (io.ReadCloser, error) {
	clientID, err := resolveSoundCloudClientID(ctx)
	if err != nil {
		return nil, err
	}

	body, err := scFetch(ctx, fmt.Sprintf("%s/resolve?url=%s&client_id=%s",
		soundcloudAPIBase, url.QueryEscape(trackURL), clientID))
	if err != nil {
		return nil, err
	}

	var track scTrack
	if err := json.Unmarshal(body, &track); err != nil {
		return nil, fmt.Errorf("failed to decode soundcloud track: %w", err)
	}

	transcodingURL := ""
	for _, tc := range track.Media.Transcodings {
		if strings.EqualFold(tc.Format.Protocol, "progressive") {
			transcodingURL = tc.URL
			break
		}
	}
	if transcodingURL == "" && len(track.Media.Transcodings) > 0 {
		transcodingURL = track.Media.Transcodings[0].URL
	}
	if transcodingURL == "" {
		return nil, errors.New("soundcloud track has no playable transcodings")
	}

	sep := "?"
	if strings.Contains(transcodingURL, "?") {
		sep = "&"
	}
	body, err = scFetch(ctx, transcodingURL+sep+"client_id="+clientID)
	if err != nil {
		return nil, err
	}

	var stream struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &stream); err != nil || stream.URL == "" {
		return nil, errors.New("failed to resolve soundcloud stream url")
	}

	// The stream body outlives the resolve deadline.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, stream.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := scStreamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("soundcloud stream returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
