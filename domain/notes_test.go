package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNoticeToString(t *testing.T) {
	id := uuid.New()
	note := &Notice{
		Id:        id,
		ProfileId: uuid.New(),
		Content:   "Test message",
		Verb:      VerbPost,
		CreatedAt: time.Now(),
	}

	result := note.ToString()
	if !strings.Contains(result, "Test message") {
		t.Errorf("ToString() should contain message, got: %s", result)
	}
	if !strings.Contains(result, id.String()) {
		t.Errorf("ToString() should contain ID, got: %s", result)
	}
}

func TestNoticeFromUserAction(t *testing.T) {
	tests := []struct {
		source string
		want   bool
	}{
		{SourceWeb, true},
		{SourceAPI, true},
		{SourceActivityPub, false},
	}
	for _, tt := range tests {
		n := Notice{Source: tt.source}
		if got := n.FromUserAction(); got != tt.want {
			t.Errorf("FromUserAction() for %s = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestNoticeIsDirect(t *testing.T) {
	if (&Notice{Scope: ScopePublic}).IsDirect() {
		t.Error("Public notice should not be direct")
	}
	if !(&Notice{Scope: ScopeDirect}).IsDirect() {
		t.Error("Direct notice should be direct")
	}
}

func TestProfileDisplayName(t *testing.T) {
	p := Profile{Nickname: "alice"}
	if p.DisplayName() != "alice" {
		t.Errorf("Expected 'alice', got '%s'", p.DisplayName())
	}
	p.Fullname = "Alice Example"
	if p.DisplayName() != "Alice Example" {
		t.Errorf("Expected 'Alice Example', got '%s'", p.DisplayName())
	}
	if !strings.Contains(p.ToString(), "alice") {
		t.Errorf("ToString() should contain nickname, got: %s", p.ToString())
	}
}
