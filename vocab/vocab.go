// Package vocab is the closed set of ActivityPub activities the server
// understands, with parsing, validation and builders.
package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Type is an activity or object type name.
type Type string

const (
	Follow   Type = "Follow"
	Accept   Type = "Accept"
	Reject   Type = "Reject"
	Undo     Type = "Undo"
	Like     Type = "Like"
	Announce Type = "Announce"
	Block    Type = "Block"
	Ignore   Type = "Ignore"
	Create   Type = "Create"

	Note    Type = "Note"
	Article Type = "Article"
)

const (
	ContextURI = "https://www.w3.org/ns/activitystreams"
	Public     = "https://www.w3.org/ns/activitystreams#Public"
)

// Activities lists every activity type, in dispatch order.
var Activities = []Type{Follow, Accept, Reject, Undo, Like, Announce, Block, Ignore, Create}

// IsActivity reports whether t is one of Activities.
func (t Type) IsActivity() bool {
	for _, a := range Activities {
		if a == t {
			return true
		}
	}
	return false
}

// IsPost reports whether t is an object that gets wrapped in a Create.
func (t Type) IsPost() bool {
	return t == Note || t == Article
}

var (
	ErrMalformed   = errors.New("malformed activity")
	ErrUnsupported = errors.New("unsupported activity type")
)

// Activity is the envelope of an activity. Raw keeps the full JSON so
// unknown properties survive a round trip.
type Activity struct {
	ID       string   `validate:"omitempty,url"`
	Type     Type     `validate:"required,oneof=Follow Accept Reject Undo Like Announce Block Ignore Create"`
	Actor    string   `validate:"required,url"`
	ObjectID string   `validate:"required"`
	To       []string `validate:"dive,required"`
	Cc       []string `validate:"dive,required"`
	Raw      map[string]any
}

var validate = validator.New()

// Parse decodes and validates a JSON activity.
func Parse(data []byte) (*Activity, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return FromMap(m)
}

// FromMap builds and validates an activity from decoded JSON.
func FromMap(m map[string]any) (*Activity, error) {
	if m == nil {
		return nil, ErrMalformed
	}
	a := &Activity{
		ID:       String(m, "id"),
		Type:     Type(String(m, "type")),
		Actor:    ObjectID(m["actor"]),
		ObjectID: ObjectID(m["object"]),
		To:       Strings(m, "to"),
		Cc:       Strings(m, "cc"),
		Raw:      m,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate checks required fields and that the type is in the closed set.
// The object of an Undo must itself be an undoable activity when embedded.
func (a *Activity) Validate() error {
	if a.Type != "" && !a.Type.IsActivity() {
		return fmt.Errorf("%w: %s", ErrUnsupported, a.Type)
	}
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if a.Type == Undo {
		if inner, ok := a.Raw["object"].(map[string]any); ok {
			switch Type(String(inner, "type")) {
			case Follow, Like, Announce, Block, Ignore:
			default:
				return fmt.Errorf("%w: cannot undo %q", ErrUnsupported, String(inner, "type"))
			}
		}
	}
	return nil
}

// Object returns the embedded object, or nil when the object is a bare id.
func (a *Activity) Object() map[string]any {
	obj, _ := a.Raw["object"].(map[string]any)
	return obj
}

// Inner parses the embedded object as an activity (the Follow inside an
// Accept, the Like inside an Undo).
func (a *Activity) Inner() (*Activity, error) {
	obj := a.Object()
	if obj == nil {
		return nil, fmt.Errorf("%w: object of %s is not embedded", ErrMalformed, a.Type)
	}
	return FromMap(obj)
}

// Recipients returns to followed by cc.
func (a *Activity) Recipients() []string {
	out := make([]string, 0, len(a.To)+len(a.Cc))
	out = append(out, a.To...)
	return append(out, a.Cc...)
}

// JSON encodes the raw activity.
func (a *Activity) JSON() ([]byte, error) {
	return json.Marshal(a.Raw)
}

// String returns m[key] when it is a string.
func String(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Strings reads a property that may be a single string or an array of strings.
func Strings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := ObjectID(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ObjectID returns the id of a reference that is either a URL string or an
// embedded object with an id.
func ObjectID(v any) string {
	switch o := v.(type) {
	case string:
		return strings.TrimSpace(o)
	case map[string]any:
		return String(o, "id")
	}
	return ""
}
