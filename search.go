package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

func init() {
	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogSearch, func(ctx context.Context) (bool, func(), func()) {
			if DB == nil {
				return false, nil, nil
			}
			return true, func() {
				ticker := time.NewTicker(6 * time.Hour)
				defer ticker.Stop()
				PruneSearchCache(ctx)
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						PruneSearchCache(ctx)
					}
				}
			}, nil
		})
	})
}

const (
	memCacheSize = 100
	memCacheTTL  = 10 * time.Minute

	maxSearchResults = 25
	maxQueryItems    = 10
)

// SearchResult is one candidate video/track from any search provider.
type SearchResult struct {
	VideoID       string `json:"videoId"`
	Title         string `json:"title"`
	ChannelName   string `json:"channelTitle"`
	URL           string `json:"url"`
	Thumbnail     string `json:"thumbnail,omitempty"`
	DurationLabel string `json:"duration,omitempty"`
}

// Two cache tiers in front of the live providers: a small in-process LRU for
// hot queries and the sqlite table for everything that survives a restart.
var memSearchCache = expirable.NewLRU[string, []SearchResult](memCacheSize, nil, memCacheTTL)

// Search resolves a free-text query to candidate tracks. Live lookups run
// YouTube Music and scrape search in parallel and dedupe on video id.
func Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if maxResults <= 0 || maxResults > maxSearchResults {
		maxResults = maxSearchResults
	}

	if cached, ok := memSearchCache.Get(cacheKeyFor(query, maxResults)); ok {
		return cached, nil
	}

	if DB != nil {
		if cached, ok := ReadSearchCache(ctx, query, maxResults); ok {
			memSearchCache.Add(cacheKeyFor(query, maxResults), cached)
			return cached, nil
		}
	}

	searchCtx, cancel := context.WithTimeout(ctx, 2600*time.Millisecond)
	defer cancel()

	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)

	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, err := s.Next()
		if err != nil {
			LogSearch("YT Music search failed for %q: %v", query, err)
			return
		}
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			channel := ""
			if len(v.Artists) > 0 {
				channel = v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{
					VideoID:     v.VideoID,
					Title:       v.Title,
					ChannelName: channel,
					URL:         canonicalWatchURL(v.VideoID),
				})
			}
			resMu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, err := c.Search(searchCtx, query)
		if err != nil {
			LogSearch("YouTube search failed for %q: %v", query, err)
			return
		}
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{
					VideoID:       v.VideoID,
					Title:         v.Title,
					ChannelName:   v.Channel,
					URL:           canonicalWatchURL(v.VideoID),
					Thumbnail:     "https://i.ytimg.com/vi/" + v.VideoID + "/hqdefault.jpg",
					DurationLabel: v.Duration,
				})
			}
			resMu.Unlock()
		}
	}()

	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	resMu.Lock()
	fin := append(append([]SearchResult(nil), ytm...), yt...)
	resMu.Unlock()

	if len(fin) > maxResults {
		fin = fin[:maxResults]
	}

	if len(fin) > 0 {
		memSearchCache.Add(cacheKeyFor(query, maxResults), fin)
		if DB != nil {
			WriteSearchCache(ctx, query, maxResults, SourceYouTube, fin)
		}
	}

	return fin, nil
}

func cacheKeyFor(query string, maxResults int) string {
	return fmt.Sprintf("%s\x00%d", strings.ToLower(strings.TrimSpace(query)), maxResults)
}

// splitQueryInput breaks "song one; song two, song three" into individual
// queries, capped so a single command can't flood the queue.
func splitQueryInput(input string, maxItems int) []string {
	if maxItems <= 0 {
		maxItems = maxQueryItems
	}
	parts := strings.FieldsFunc(input, func(r rune) bool {
		return r == ';' || r == ','
	})
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		items = append(items, p)
		if len(items) >= maxItems {
			break
		}
	}
	return items
}

// fastResolveMetadata looks a video id up via scrape search, which is much
// cheaper than spawning the extraction tool for a title.
func fastResolveMetadata(ctx context.Context, id string) (title, channel string, d time.Duration, err error) {
	c := ytsearch.NewClient(nil)
	res, err := c.Search(ctx, id)
	if err != nil {
		return "", "", 0, err
	}
	for _, r := range res.Results {
		if r.VideoID == id {
			return r.Title, r.Channel, parseDurationColon(r.Duration), nil
		}
	}
	return "", "", 0, errors.New("video id not found in search results")
}

// trackFromSearchResult materializes a queueable track from a candidate.
func trackFromSearchResult(r SearchResult) *Track {
	thumb := r.Thumbnail
	if thumb == "" && r.VideoID != "" {
		thumb = "https://i.ytimg.com/vi/" + r.VideoID + "/hqdefault.jpg"
	}
	return &Track{
		VideoID:       r.VideoID,
		URL:           r.URL,
		Title:         r.Title,
		Channel:       r.ChannelName,
		Thumbnail:     thumb,
		DurationLabel: r.DurationLabel,
		Source:        SourceYouTube,
	}
}
