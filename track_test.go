package main

import (
	"testing"
	"time"
)

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"watch link", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"watch link with extra params", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42s", "dQw4w9WgXcQ"},
		{"music watch link", "https://music.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"short link", "https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"short link with params", "https://youtu.be/dQw4w9WgXcQ?si=abc", "dQw4w9WgXcQ"},
		{"shorts path", "https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"embed path", "https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"live path", "https://www.youtube.com/live/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"mobile host", "https://m.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"channel page", "https://www.youtube.com/@somechannel", ""},
		{"bad id length", "https://www.youtube.com/watch?v=short", ""},
		{"non-youtube host", "https://example.com/watch?v=dQw4w9WgXcQ2", ""},
		{"not a url", "never gonna give you up", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractVideoID(tt.url); got != tt.want {
				t.Errorf("extractVideoID(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestIsYouTubeURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://www.youtube.com/watch?v=abc", true},
		{"https://youtu.be/abc", true},
		{"https://music.youtube.com/watch?v=abc", true},
		{"https://soundcloud.com/artist/track", false},
		{"https://example.com", false},
		{"not a url at all", false},
	}
	for _, tt := range tests {
		if got := isYouTubeURL(tt.url); got != tt.want {
			t.Errorf("isYouTubeURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestNewTrackFromURL(t *testing.T) {
	tr := NewTrackFromURL("https://youtu.be/dQw4w9WgXcQ?si=xyz")
	if tr.VideoID != "dQw4w9WgXcQ" {
		t.Fatalf("VideoID = %q, want dQw4w9WgXcQ", tr.VideoID)
	}
	if tr.URL != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
		t.Errorf("URL not canonicalized: %q", tr.URL)
	}
	if tr.Source != SourceYouTube {
		t.Errorf("Source = %q, want %q", tr.Source, SourceYouTube)
	}
	if tr.Thumbnail == "" {
		t.Error("expected a thumbnail for an extractable id")
	}

	// A link with no extractable id keeps the raw URL.
	raw := NewTrackFromURL("https://example.com/stream.mp3")
	if raw.VideoID != "" || raw.URL != "https://example.com/stream.mp3" {
		t.Errorf("unexpected track for raw link: %+v", raw)
	}
}

func TestParseDurationColon(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"3:45", 3*time.Minute + 45*time.Second},
		{"1:02:03", time.Hour + 2*time.Minute + 3*time.Second},
		{"0:59", 59 * time.Second},
		{" 2:30 ", 2*time.Minute + 30*time.Second},
		{"invalid", 0},
		{"1:2:3:4", 0},
		{"-1:30", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseDurationColon(tt.in); got != tt.want {
			t.Errorf("parseDurationColon(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatDurationLabel(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{3*time.Minute + 45*time.Second, "3:45"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{59 * time.Second, "0:59"},
		{0, ""},
		{-time.Second, ""},
	}
	for _, tt := range tests {
		if got := formatDurationLabel(tt.in); got != tt.want {
			t.Errorf("formatDurationLabel(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDisplayTitle(t *testing.T) {
	if got := (&Track{Title: "A Song"}).DisplayTitle(); got != "A Song" {
		t.Errorf("got %q", got)
	}
	if got := (&Track{VideoID: "dQw4w9WgXcQ"}).DisplayTitle(); got != "YouTube Track (dQw4w9WgXcQ)" {
		t.Errorf("got %q", got)
	}
	if got := (&Track{URL: "https://example.com"}).DisplayTitle(); got != "https://example.com" {
		t.Errorf("got %q", got)
	}
}
