package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind is the closed set of activity types the inbox understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindAccept
	KindCreate
	KindDelete
	KindFollow
	KindLike
	KindUndo
	KindAnnounce
	KindUpdate
)

var kindNames = map[string]Kind{
	"Accept":   KindAccept,
	"Create":   KindCreate,
	"Delete":   KindDelete,
	"Follow":   KindFollow,
	"Like":     KindLike,
	"Undo":     KindUndo,
	"Announce": KindAnnounce,
	"Update":   KindUpdate,
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "Unknown"
}

// ObjectKind is the closed set of object shapes nested in activities.
type ObjectKind int

const (
	ObjectUnknown ObjectKind = iota
	// ObjectRef is a bare URI
	ObjectRef
	ObjectNote
	ObjectPerson
	ObjectTombstone
	ObjectFollow
	ObjectLike
	ObjectAnnounce
)

// Note is an inbound or outbound Note object.
type Note struct {
	Context      any      `json:"@context,omitempty"`
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	InReplyTo    string   `json:"inReplyTo,omitempty"`
	Published    string   `json:"published,omitempty"`
	URL          string   `json:"url,omitempty"`
	To           []string `json:"to,omitempty"`
	Cc           []string `json:"cc,omitempty"`
	Tag          []Tag    `json:"tag,omitempty"`
}

// Tag is a Mention (or any other tag, which is ignored).
type Tag struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
	Name string `json:"name,omitempty"`
}

// Mentions returns the hrefs of Mention tags.
func (n *Note) Mentions() []string {
	var out []string
	for _, t := range n.Tag {
		if t.Type == "Mention" && t.Href != "" {
			out = append(out, t.Href)
		}
	}
	return out
}

// Object is the decoded object of an activity. Exactly one of Note,
// Activity and Actor is set for the structured kinds; ID is always set.
type Object struct {
	Kind     ObjectKind
	Type     string
	ID       string
	Note     *Note
	Activity *Activity
	Actor    *ActorDocument
}

// Activity is an inbound activity, validated and decoded once.
type Activity struct {
	ID     string
	Kind   Kind
	Type   string
	Actor  string
	Object Object
	To     []string
	Cc     []string
	Raw    json.RawMessage
}

type wireActivity struct {
	ID     string          `json:"id"`
	Type   json.RawMessage `json:"type"`
	Actor  json.RawMessage `json:"actor"`
	Object json.RawMessage `json:"object"`
	To     json.RawMessage `json:"to"`
	Cc     json.RawMessage `json:"cc"`
}

// DecodeActivity validates raw and decodes it into an Activity. Any shape
// violation yields a ValidationError; unknown types decode to KindUnknown.
func DecodeActivity(raw []byte) (*Activity, error) {
	return decodeActivity(raw, 0)
}

const maxNesting = 3

func decodeActivity(raw []byte, depth int) (*Activity, error) {
	if depth > maxNesting {
		return nil, invalid("activities nested too deeply")
	}

	var w wireActivity
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, invalid("not a JSON object: %v", err)
	}

	typ, err := decodeType(w.Type)
	if err != nil {
		return nil, err
	}
	actor, err := decodeRef(w.Actor)
	if err != nil || actor == "" {
		return nil, invalid("%s has no actor", typ)
	}
	if isAbsent(w.Object) {
		return nil, invalid("%s has no object", typ)
	}

	act := &Activity{
		ID:    w.ID,
		Kind:  kindNames[typ],
		Type:  typ,
		Actor: actor,
		To:    decodeAudience(w.To),
		Cc:    decodeAudience(w.Cc),
		Raw:   json.RawMessage(raw),
	}

	switch act.Kind {
	case KindAccept, KindUndo:
		act.Object, err = decodeNestedActivity(w.Object, typ, depth)
	case KindCreate:
		act.Object, err = decodeStructured(w.Object, typ)
	case KindUpdate:
		act.Object, err = decodeStructured(w.Object, typ)
	case KindDelete, KindFollow, KindLike, KindAnnounce:
		act.Object, err = decodeReference(w.Object, typ)
	default:
		act.Object = Object{Kind: ObjectUnknown}
	}
	if err != nil {
		return nil, err
	}
	return act, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeType(raw json.RawMessage) (string, error) {
	if isAbsent(raw) {
		return "", invalid("missing type")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, nil
	}
	// JSON-LD allows a list of types; the first one names it
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0] != "" {
		return list[0], nil
	}
	return "", invalid("type is not a string")
}

// decodeRef reads a URI given either bare or as an object with an id.
func decodeRef(raw json.RawMessage) (string, error) {
	if isAbsent(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", invalid("expected a URI or an object")
	}
	return obj.ID, nil
}

func decodeAudience(raw json.RawMessage) []string {
	if isAbsent(raw) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var list []string
	json.Unmarshal(raw, &list)
	return list
}

func decodeReference(raw json.RawMessage, typ string) (Object, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return Object{}, invalid("%s object is empty", typ)
		}
		return Object{Kind: ObjectRef, ID: s}, nil
	}

	var obj struct {
		ID   string          `json:"id"`
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.ID == "" {
		return Object{}, invalid("%s object must be a URI", typ)
	}
	objType, _ := decodeType(obj.Type)
	kind := ObjectRef
	if objType == "Tombstone" {
		kind = ObjectTombstone
	}
	return Object{Kind: kind, Type: objType, ID: obj.ID}, nil
}

func decodeStructured(raw json.RawMessage, typ string) (Object, error) {
	var head struct {
		ID   string          `json:"id"`
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Object{}, invalid("%s object must be an object", typ)
	}
	objType, err := decodeType(head.Type)
	if err != nil {
		return Object{}, invalid("%s object has no type", typ)
	}
	if head.ID == "" {
		return Object{}, invalid("%s object has no id", typ)
	}

	obj := Object{Kind: ObjectUnknown, Type: objType, ID: head.ID}
	switch objType {
	case "Note":
		var note Note
		if err := json.Unmarshal(raw, &note); err != nil {
			return Object{}, invalid("malformed Note: %v", err)
		}
		note.Type = objType
		obj.Kind, obj.Note = ObjectNote, &note
	case "Person", "Service", "Application", "Group", "Organization":
		var doc ActorDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Object{}, invalid("malformed actor: %v", err)
		}
		obj.Kind, obj.Actor = ObjectPerson, &doc
	}
	return obj, nil
}

func decodeNestedActivity(raw json.RawMessage, typ string, depth int) (Object, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Object{}, invalid("%s object must be an activity", typ)
	}
	inner, err := decodeActivity(trimmed, depth+1)
	if err != nil {
		return Object{}, fmt.Errorf("in %s: %w", typ, err)
	}

	obj := Object{Kind: ObjectUnknown, Type: inner.Type, ID: inner.ID, Activity: inner}
	switch inner.Kind {
	case KindFollow:
		obj.Kind = ObjectFollow
	case KindLike:
		obj.Kind = ObjectLike
	case KindAnnounce:
		obj.Kind = ObjectAnnounce
	}
	return obj, nil
}
