package main

import "testing"

func TestPauseResumeMessages(t *testing.T) {
	if got := pauseMessage(true); got != MsgPlayerPaused {
		t.Errorf("pauseMessage(true) = %q, want %q", got, MsgPlayerPaused)
	}
	if got := pauseMessage(false); got != ErrPlayerAlreadyPaused {
		t.Errorf("pauseMessage(false) = %q, want %q", got, ErrPlayerAlreadyPaused)
	}
	if got := resumeMessage(true); got != MsgPlayerResumed {
		t.Errorf("resumeMessage(true) = %q, want %q", got, MsgPlayerResumed)
	}
	if got := resumeMessage(false); got != ErrPlayerNotPaused {
		t.Errorf("resumeMessage(false) = %q, want %q", got, ErrPlayerNotPaused)
	}
}
