package main

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	SourceYouTube    = "youtube"
	SourceSoundCloud = "soundcloud"
)

var (
	videoIDRegex   = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)
	validIDPattern = regexp.MustCompile(`^[0-9A-Za-z_-]{11}$`)

	youtubeHosts = map[string]bool{
		"youtube.com":       true,
		"www.youtube.com":   true,
		"m.youtube.com":     true,
		"music.youtube.com": true,
		"youtu.be":          true,
		"www.youtu.be":      true,
	}
)

// Track is one queued item: enough metadata to display it and enough
// provenance to stream it, fall back on it, and drop its durable row.
type Track struct {
	VideoID       string
	URL           string
	Title         string
	Channel       string
	Thumbnail     string
	Description   string
	DurationLabel string
	Source        string
	RequestedBy   string
	RequestedByID string

	// QueueItemID is the durable store row backing this track (0 = not persisted).
	QueueItemID int64

	// FallbackAttempted marks that the one-shot cross-provider substitution
	// has already been spent on this logical track.
	FallbackAttempted bool
}

func (t *Track) DisplayTitle() string {
	if t.Title != "" {
		return t.Title
	}
	if t.VideoID != "" {
		return "YouTube Track (" + t.VideoID + ")"
	}
	return t.URL
}

// NewTrackFromURL builds a track for a pasted link. YouTube links are
// canonicalized; anything else on a known host with no extractable id is
// rejected upstream by the playback loop.
func NewTrackFromURL(raw string) *Track {
	if id := extractVideoID(raw); id != "" {
		return &Track{
			VideoID:   id,
			URL:       canonicalWatchURL(id),
			Title:     raw,
			Thumbnail: "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg",
			Source:    SourceYouTube,
		}
	}
	return &Track{URL: raw, Title: raw, Source: SourceYouTube}
}

func canonicalWatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func isYouTubeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return youtubeHosts[strings.ToLower(u.Host)]
}

// extractVideoID pulls the 11-char video id out of the URL forms YouTube
// hands out: watch links, youtu.be, shorts, embed and live paths.
func extractVideoID(raw string) string {
	if m := videoIDRegex.FindStringSubmatch(raw); len(m) > 1 {
		if validIDPattern.MatchString(m[1]) {
			return m[1]
		}
	}

	u, err := url.Parse(raw)
	if err != nil || !youtubeHosts[strings.ToLower(u.Host)] {
		return ""
	}

	path := strings.Trim(u.Path, "/")
	segs := strings.Split(path, "/")

	if strings.HasSuffix(strings.ToLower(u.Host), "youtu.be") {
		if len(segs) > 0 && validIDPattern.MatchString(segs[0]) {
			return segs[0]
		}
		return ""
	}

	if len(segs) == 2 {
		switch segs[0] {
		case "shorts", "embed", "live", "v":
			if validIDPattern.MatchString(segs[1]) {
				return segs[1]
			}
		}
	}
	return ""
}

// --- Duration helpers ---

// parseDurationColon parses "m:ss" / "h:mm:ss" labels into a duration.
func parseDurationColon(s string) time.Duration {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second
}

func formatDurationLabel(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
