package council

import "testing"

func TestScrub(t *testing.T) {
	s, err := NewScrubber(nil)
	if err != nil {
		t.Fatalf("NewScrubber: %v", err)
	}

	tests := []struct {
		name string
		in   string
		want ScrubStatus
	}{
		{"plain answer", "The capital of France is Paris.", ScrubOK},
		{"unsure prefix", "UNSURE", ScrubUnsure},
		{"unsure lowercase with padding", "  unsure, this is outside my domain", ScrubUnsure},
		{"empty", "", ScrubStub},
		{"too short", "ok then", ScrubStub},
		{"todo marker", "TODO: figure out the actual answer later", ScrubStub},
		{"template placeholder", "The result is [insert value here] as shown.", ScrubStub},
		{"mustache placeholder", "Dear {{customer_name}}, thanks for asking.", ScrubStub},
		{"stock non-answer", "I don't know anything about that topic, sorry.", ScrubStub},
		{"not implemented", "This feature is not implemented yet in the system.", ScrubStub},
		{"contains the word today", "Today the weather in Berlin is cold and clear.", ScrubOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := s.Scrub(tt.in); got != tt.want {
				t.Errorf("Scrub(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestScrubExtraMarkers(t *testing.T) {
	s, err := NewScrubber([]string{`\bhouse style violation\b`})
	if err != nil {
		t.Fatalf("NewScrubber: %v", err)
	}
	if _, got := s.Scrub("this answer is a House Style Violation for sure"); got != ScrubStub {
		t.Errorf("extra marker not applied, got %v", got)
	}

	if _, err := NewScrubber([]string{`(unbalanced`}); err == nil {
		t.Error("invalid extra pattern accepted")
	}
}

func TestScrubTrims(t *testing.T) {
	s, _ := NewScrubber(nil)
	text, status := s.Scrub("   A perfectly good answer with detail.   ")
	if status != ScrubOK {
		t.Fatalf("status = %v", status)
	}
	if text != "A perfectly good answer with detail." {
		t.Errorf("text = %q", text)
	}
}
