package model

import "testing"

func TestStatusOrder(t *testing.T) {
	order := []Status{
		StatusWaitingForCharacter,
		StatusDeterminingCharacter,
		StatusWaitingForStress,
		StatusSettingStress,
		StatusWaitingForTTS,
		StatusGeneratingTTS,
		StatusReady,
	}
	for i := 1; i < len(order); i++ {
		if !(order[i-1] < order[i]) {
			t.Fatalf("%s should precede %s", order[i-1], order[i])
		}
		if !CanTransition(order[i-1], order[i]) {
			t.Fatalf("expected %s -> %s to be allowed", order[i-1], order[i])
		}
	}
}

func TestCanTransitionRejectsSkipsAndBackwards(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusWaitingForCharacter, StatusWaitingForStress},
		{StatusDeterminingCharacter, StatusWaitingForCharacter},
		{StatusSettingStress, StatusReady},
		{StatusReady, StatusWaitingForCharacter},
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Fatalf("expected %s -> %s to be rejected", c.from, c.to)
		}
	}
}

func TestParseStatusRoundTrip(t *testing.T) {
	for s := StatusWaitingForCharacter; s <= StatusReady; s++ {
		parsed, err := ParseStatus(s.String())
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if parsed != s {
			t.Fatalf("parsed %s, want %s", parsed, s)
		}
	}
	if _, err := ParseStatus("DONE"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestRestartStatus(t *testing.T) {
	cases := map[Status]Status{
		StatusWaitingForCharacter:  StatusWaitingForCharacter,
		StatusDeterminingCharacter: StatusWaitingForCharacter,
		StatusSettingStress:        StatusWaitingForStress,
		StatusGeneratingTTS:        StatusWaitingForTTS,
	}
	for from, want := range cases {
		got, ok := RestartStatus(from)
		if !ok || got != want {
			t.Fatalf("RestartStatus(%s) = %s, %v; want %s", from, got, ok, want)
		}
	}
	if _, ok := RestartStatus(StatusReady); ok {
		t.Fatal("ready sentences must not restart")
	}
}

func TestSentenceValidate(t *testing.T) {
	s := Sentence{Status: StatusSettingStress, StressedText: "приве+т"}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for stressed text before stress completed")
	}
	s = Sentence{Status: StatusGeneratingTTS, StressedText: "приве+т", AudioPath: "/tmp/a.mp3"}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for audio path before ready")
	}
	s.Status = StatusReady
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCharacterVoiceFallback(t *testing.T) {
	var c *Character
	if c.Voice() != DefaultVoice {
		t.Fatalf("nil character voice = %q", c.Voice())
	}
	c = &Character{VoiceID: "ivan"}
	if c.Voice() != "ivan" {
		t.Fatalf("voice = %q", c.Voice())
	}
}
