package vault

import "testing"

func TestStemAndSuffix(t *testing.T) {
	tests := []struct {
		name   string
		stem   string
		suffix string
	}{
		{"9b2f1c3a-0000-4000-8000-000000000001.action.yaml", "9b2f1c3a-0000-4000-8000-000000000001", ".action.yaml"},
		{"9b2f1c3a-0000-4000-8000-000000000001.plan.md", "9b2f1c3a-0000-4000-8000-000000000001", ".plan.md"},
		{"notes.txt", "notes", ".txt"},
		{"README", "README", ""},
	}
	for _, tt := range tests {
		if got := Stem(tt.name); got != tt.stem {
			t.Errorf("Stem(%q) = %q, want %q", tt.name, got, tt.stem)
		}
		if got := Suffix(tt.name); got != tt.suffix {
			t.Errorf("Suffix(%q) = %q, want %q", tt.name, got, tt.suffix)
		}
	}
}

func TestIsUUIDStem(t *testing.T) {
	if !IsUUIDStem("9b2f1c3a-0000-4000-8000-000000000001.plan.md") {
		t.Error("UUID stem not recognised")
	}
	if IsUUIDStem("meeting-notes.md") {
		t.Error("plain filename treated as UUID stem")
	}
}

func TestCorrelatedFilenamesShareStem(t *testing.T) {
	const stem = "9b2f1c3a-0000-4000-8000-000000000001"
	for _, name := range []string{ActionFilename(stem), PlanFilename(stem), ApprovalFilename(stem)} {
		if Stem(name) != stem {
			t.Errorf("Stem(%q) = %q, want %q", name, Stem(name), stem)
		}
	}
}
