package activitypub

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeActivity(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantKind   Kind
		wantObject ObjectKind
		wantErr    bool
	}{
		{
			name:       "follow with uri",
			raw:        `{"id":"https://r.example/a/1","type":"Follow","actor":"https://r.example/users/bob","object":"https://local.test/users/alice"}`,
			wantKind:   KindFollow,
			wantObject: ObjectRef,
		},
		{
			name:       "like with embedded object",
			raw:        `{"type":"Like","actor":"https://r.example/users/bob","object":{"id":"https://local.test/notice/1","type":"Note"}}`,
			wantKind:   KindLike,
			wantObject: ObjectRef,
		},
		{
			name:       "delete tombstone",
			raw:        `{"type":"Delete","actor":"https://r.example/users/bob","object":{"id":"https://r.example/notes/1","type":"Tombstone"}}`,
			wantKind:   KindDelete,
			wantObject: ObjectTombstone,
		},
		{
			name:       "create note",
			raw:        `{"type":"Create","actor":{"id":"https://r.example/users/bob"},"object":{"id":"https://r.example/notes/1","type":"Note","content":"hi"}}`,
			wantKind:   KindCreate,
			wantObject: ObjectNote,
		},
		{
			name:       "create of unknown object",
			raw:        `{"type":"Create","actor":"https://r.example/users/bob","object":{"id":"https://r.example/q/1","type":"Question"}}`,
			wantKind:   KindCreate,
			wantObject: ObjectUnknown,
		},
		{
			name:       "accept follow",
			raw:        `{"type":"Accept","actor":"https://r.example/users/bob","object":{"type":"Follow","actor":"https://local.test/users/alice","object":"https://r.example/users/bob"}}`,
			wantKind:   KindAccept,
			wantObject: ObjectFollow,
		},
		{
			name:       "undo like",
			raw:        `{"type":"Undo","actor":"https://r.example/users/bob","object":{"type":"Like","actor":"https://r.example/users/bob","object":"https://local.test/notice/1"}}`,
			wantKind:   KindUndo,
			wantObject: ObjectLike,
		},
		{
			name:       "update person",
			raw:        `{"type":"Update","actor":"https://r.example/users/bob","object":{"id":"https://r.example/users/bob","type":"Person"}}`,
			wantKind:   KindUpdate,
			wantObject: ObjectPerson,
		},
		{
			name:       "type as list",
			raw:        `{"type":["Announce"],"actor":"https://r.example/users/bob","object":"https://local.test/notice/1"}`,
			wantKind:   KindAnnounce,
			wantObject: ObjectRef,
		},
		{
			name:     "unknown type",
			raw:      `{"type":"Move","actor":"https://r.example/users/bob","object":"https://r.example/users/bob2"}`,
			wantKind: KindUnknown,
		},
		{name: "missing actor", raw: `{"type":"Follow","object":"https://local.test/users/alice"}`, wantErr: true},
		{name: "missing object", raw: `{"type":"Follow","actor":"https://r.example/users/bob"}`, wantErr: true},
		{name: "null object", raw: `{"type":"Like","actor":"https://r.example/users/bob","object":null}`, wantErr: true},
		{name: "missing type", raw: `{"actor":"https://r.example/users/bob","object":"x"}`, wantErr: true},
		{name: "accept of uri", raw: `{"type":"Accept","actor":"https://r.example/users/bob","object":"https://local.test/activity/1"}`, wantErr: true},
		{name: "create of uri", raw: `{"type":"Create","actor":"https://r.example/users/bob","object":"https://r.example/notes/1"}`, wantErr: true},
		{name: "undo without inner actor", raw: `{"type":"Undo","actor":"https://r.example/users/bob","object":{"type":"Follow","object":"https://local.test/users/alice"}}`, wantErr: true},
		{name: "follow of empty object", raw: `{"type":"Follow","actor":"https://r.example/users/bob","object":{"type":"Person"}}`, wantErr: true},
		{name: "not json", raw: `<html>`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act, err := DecodeActivity([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("Expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if act.Kind != tt.wantKind {
				t.Errorf("Expected kind %s, got %s", tt.wantKind, act.Kind)
			}
			if act.Object.Kind != tt.wantObject {
				t.Errorf("Expected object kind %d, got %d", tt.wantObject, act.Object.Kind)
			}
		})
	}
}

func TestDecodeActivityNestingLimit(t *testing.T) {
	raw := `{"type":"Undo","actor":"a","object":{"type":"Undo","actor":"a","object":{"type":"Undo","actor":"a","object":{"type":"Undo","actor":"a","object":{"type":"Undo","actor":"a","object":"x"}}}}}`
	if _, err := DecodeActivity([]byte(raw)); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected deeply nested activities to be rejected, got %v", err)
	}
}

func TestNoteMentions(t *testing.T) {
	n := Note{Tag: []Tag{
		{Type: "Mention", Href: "https://r.example/users/bob"},
		{Type: "Hashtag", Href: "https://r.example/tags/go"},
		{Type: "Mention"},
	}}
	got := n.Mentions()
	if len(got) != 1 || got[0] != "https://r.example/users/bob" {
		t.Errorf("Unexpected mentions %v", got)
	}
}

func TestActorDocumentLenientFields(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		url      string
		wantType string
		wantURL  string
	}{
		{"plain", `"Person"`, `"https://r.example/@bob"`, "Person", "https://r.example/@bob"},
		{"url list", `"Person"`, `["https://r.example/@bob", "https://r.example/users/bob"]`, "Person", "https://r.example/@bob"},
		{"link object", `"Service"`, `{"type":"Link","href":"https://r.example/@bot"}`, "Service", "https://r.example/@bot"},
		{"list of links", `["Person","Agent"]`, `[{"type":"Link","href":"https://r.example/@bob","mediaType":"text/html"}]`, "Person", "https://r.example/@bob"},
		{"missing url", `"Person"`, `null`, "Person", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"id":"https://r.example/users/bob","type":` + tt.typ + `,"url":` + tt.url + `,
				"preferredUsername":"bob","inbox":"https://r.example/users/bob/inbox",
				"publicKey":{"id":"https://r.example/users/bob#main-key","owner":"https://r.example/users/bob","publicKeyPem":"PEM"}}`
			var doc ActorDocument
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if doc.Type != tt.wantType || doc.URL != tt.wantURL {
				t.Errorf("type=%q url=%q, want %q %q", doc.Type, doc.URL, tt.wantType, tt.wantURL)
			}
			if doc.PreferredUsername != "bob" || doc.PublicKey.PublicKeyPem != "PEM" || doc.Validate() != nil {
				t.Errorf("Other fields lost: %+v", doc)
			}
		})
	}
}
