package main

import (
	"errors"
	"testing"
)

func TestIsLoginRequiredError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bot check wall", errors.New("ERROR: [youtube] abc: Sign in to confirm you're not a bot"), true},
		{"curly apostrophe", errors.New("Sign in to confirm you’re not a bot"), true},
		{"playability status", errors.New("playability login_required: This video requires login"), true},
		{"not a bot phrasing", errors.New("please confirm you are not a bot to continue"), true},
		{"network timeout", errors.New("dial tcp: i/o timeout"), false},
		{"age gate", errors.New("this video is age restricted"), false},
		{"generic 403", errors.New("server returned 403"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLoginRequiredError(tt.err); got != tt.want {
				t.Errorf("isLoginRequiredError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBuildSoundCloudQuery(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		channel string
		want    string
	}{
		{"official video tag stripped", "Song Name (Official Video)", "Some Artist", "Song Name Some Artist"},
		{"bare official video stripped", "Song Name Official Video", "Some Artist", "Song Name Some Artist"},
		{"topic suffix stripped", "Song Name", "Artist - Topic", "Song Name Artist"},
		{"both cleaned", "Hit Single [Official Audio]", "Band - Topic", "Hit Single Band"},
		{"bare lyrics stripped", "Hit Single lyrics", "Band - Topic", "Hit Single Band"},
		{"lyric video tag", "Track (Lyric Video)", "Artist", "Track Artist"},
		{"spanish tag", "Cancion (Video Oficial)", "Artista", "Cancion Artista"},
		{"channel decoration stripped", "Plain Song", "Artist Official Audio", "Plain Song Artist"},
		{"no channel", "Just A Title", "", "Just A Title"},
		{"no title", "", "Artist", "Artist"},
		{"plain passthrough", "Plain Title", "Plain Channel", "Plain Title Plain Channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildSoundCloudQuery(tt.title, tt.channel); got != tt.want {
				t.Errorf("buildSoundCloudQuery(%q, %q) = %q, want %q", tt.title, tt.channel, got, tt.want)
			}
		})
	}
}

func TestScoreVideoForQuery(t *testing.T) {
	query := "song artist"

	exact := SearchResult{Title: "song artist", ChannelName: "someone"}
	contains := SearchResult{Title: "the song artist remix", ChannelName: "someone"}
	official := SearchResult{Title: "song artist official", ChannelName: "artist official"}
	unrelated := SearchResult{Title: "something else", ChannelName: "other"}

	// Exact title match: +5, plus contains: +3.
	if got := scoreVideoForQuery(exact, query); got != 8 {
		t.Errorf("exact score = %d, want 8", got)
	}
	if got := scoreVideoForQuery(contains, query); got != 3 {
		t.Errorf("contains score = %d, want 3", got)
	}
	// contains(+3) + official in title(+6) + official in channel(+4) = 13.
	if got := scoreVideoForQuery(official, query); got != 13 {
		t.Errorf("official score = %d, want 13", got)
	}
	if got := scoreVideoForQuery(unrelated, query); got != 0 {
		t.Errorf("unrelated score = %d, want 0", got)
	}

	topic := SearchResult{Title: "x", ChannelName: "artist - topic"}
	if got := scoreVideoForQuery(topic, query); got != 1 {
		t.Errorf("topic score = %d, want 1", got)
	}

	// "oficial" is an official marker word too: contains(+3) + title(+6).
	spanish := SearchResult{Title: "Cancion (Video Oficial)", ChannelName: "Artista"}
	if got := scoreVideoForQuery(spanish, "cancion"); got != 9 {
		t.Errorf("spanish official score = %d, want 9", got)
	}

	// Hyphen runs flatten to spaces, so the VEVO marker is word-bounded.
	vevo := SearchResult{Title: "x", ChannelName: "Artist-VEVO"}
	if got := scoreVideoForQuery(vevo, query); got != 4 {
		t.Errorf("vevo channel score = %d, want 4", got)
	}

	// "unofficial" must not trip the official marker.
	unofficial := SearchResult{Title: "unofficial song artist", ChannelName: "x"}
	if got := scoreVideoForQuery(unofficial, query); got != 3 {
		t.Errorf("unofficial score = %d, want 3", got)
	}

	if got := scoreVideoForQuery(SearchResult{Title: "official"}, ""); got != 0 {
		t.Errorf("empty query score = %d, want 0", got)
	}
}

func TestPickBestVideo(t *testing.T) {
	query := "hello world"
	results := []SearchResult{
		{VideoID: "a", Title: "unrelated", ChannelName: "x"},
		{VideoID: "b", Title: "hello world", ChannelName: "x"},
		{VideoID: "c", Title: "hello world official", ChannelName: "x"},
	}

	best, ok := pickBestVideo(results, query)
	if !ok {
		t.Fatal("expected a pick")
	}
	if best.VideoID != "c" {
		t.Errorf("picked %q, want c", best.VideoID)
	}

	// Ties keep the first seen.
	tied := []SearchResult{
		{VideoID: "first", Title: "hello world", ChannelName: "x"},
		{VideoID: "second", Title: "hello world", ChannelName: "y"},
	}
	best, _ = pickBestVideo(tied, query)
	if best.VideoID != "first" {
		t.Errorf("tie broke to %q, want first", best.VideoID)
	}

	if _, ok := pickBestVideo(nil, query); ok {
		t.Error("expected no pick for empty input")
	}
}
