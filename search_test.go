package main

import (
	"reflect"
	"testing"
)

func TestSplitQueryInput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxItems int
		want     []string
	}{
		{"semicolons", "song one; song two;song three", 10, []string{"song one", "song two", "song three"}},
		{"commas", "a, b ,c", 10, []string{"a", "b", "c"}},
		{"mixed separators", "a; b, c", 10, []string{"a", "b", "c"}},
		{"empty segments skipped", "a;;  ;b", 10, []string{"a", "b"}},
		{"single query", "never gonna give you up", 10, []string{"never gonna give you up"}},
		{"capped", "a;b;c;d", 2, []string{"a", "b"}},
		{"zero cap uses default", "a;b", 0, []string{"a", "b"}},
		{"blank input", "   ", 10, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitQueryInput(tt.input, tt.maxItems)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitQueryInput(%q, %d) = %v, want %v", tt.input, tt.maxItems, got, tt.want)
			}
		})
	}
}

func TestCacheKeyFor(t *testing.T) {
	if cacheKeyFor("  Hello World ", 5) != cacheKeyFor("hello world", 5) {
		t.Error("key should ignore case and surrounding whitespace")
	}
	if cacheKeyFor("hello", 5) == cacheKeyFor("hello", 10) {
		t.Error("different result counts must not share a key")
	}
	if cacheKeyFor("a b", 5) == cacheKeyFor("a", 5) {
		t.Error("different queries must not share a key")
	}
}

func TestTrackFromSearchResult(t *testing.T) {
	tr := trackFromSearchResult(SearchResult{
		VideoID:       "dQw4w9WgXcQ",
		Title:         "A Song",
		ChannelName:   "A Channel",
		URL:           "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		DurationLabel: "3:32",
	})
	if tr.Source != SourceYouTube {
		t.Errorf("Source = %q, want %q", tr.Source, SourceYouTube)
	}
	if tr.Title != "A Song" || tr.Channel != "A Channel" || tr.VideoID != "dQw4w9WgXcQ" {
		t.Errorf("unexpected track: %+v", tr)
	}
	if tr.Thumbnail != "https://i.ytimg.com/vi/dQw4w9WgXcQ/hqdefault.jpg" {
		t.Errorf("expected hqdefault thumbnail fallback, got %q", tr.Thumbnail)
	}

	withThumb := trackFromSearchResult(SearchResult{VideoID: "x", Thumbnail: "https://example.com/t.jpg"})
	if withThumb.Thumbnail != "https://example.com/t.jpg" {
		t.Errorf("provided thumbnail should win, got %q", withThumb.Thumbnail)
	}
}
