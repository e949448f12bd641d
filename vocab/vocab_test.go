package vocab

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"follow", `{"id":"https://a.example/f/1","type":"Follow","actor":"https://a.example/users/bob","object":"https://b.example/users/alice"}`, nil},
		{"like with embedded actor", `{"type":"Like","actor":{"id":"https://a.example/users/bob"},"object":"https://b.example/p/1"}`, nil},
		{"create", `{"type":"Create","actor":"https://a.example/users/bob","object":{"id":"https://a.example/p/1","type":"Note"},"to":"https://www.w3.org/ns/activitystreams#Public"}`, nil},
		{"not json", `{"type":`, ErrMalformed},
		{"missing actor", `{"type":"Follow","object":"https://b.example/users/alice"}`, ErrMalformed},
		{"missing object", `{"type":"Like","actor":"https://a.example/users/bob"}`, ErrMalformed},
		{"actor not url", `{"type":"Like","actor":"bob","object":"https://b.example/p/1"}`, ErrMalformed},
		{"missing type", `{"actor":"https://a.example/users/bob","object":"https://b.example/p/1"}`, ErrMalformed},
		{"unknown type", `{"type":"Move","actor":"https://a.example/users/bob","object":"https://b.example/p/1"}`, ErrUnsupported},
		{"undo of create", `{"type":"Undo","actor":"https://a.example/users/bob","object":{"id":"x","type":"Create","actor":"https://a.example/users/bob","object":"y"}}`, ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Parse([]byte(tt.input))
			if tt.wantErr != nil {
				require.Error(t, err)
				require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, a.Actor)
			require.NotEmpty(t, a.ObjectID)
		})
	}
}

func TestStrings(t *testing.T) {
	m := map[string]any{
		"one":   "https://a.example/x",
		"many":  []any{"https://a.example/x", map[string]any{"id": "https://a.example/y"}, 3},
		"empty": "",
	}
	require.Equal(t, []string{"https://a.example/x"}, Strings(m, "one"))
	require.Equal(t, []string{"https://a.example/x", "https://a.example/y"}, Strings(m, "many"))
	require.Nil(t, Strings(m, "empty"))
	require.Nil(t, Strings(m, "missing"))
}

func TestInner(t *testing.T) {
	follow := NewFollow("https://a.example/f/1", "https://a.example/users/bob", "https://b.example/users/alice")
	accept, err := FromMap(NewAccept("https://b.example/a/1", "https://b.example/users/alice", follow))
	require.NoError(t, err)
	require.Equal(t, Accept, accept.Type)
	require.Equal(t, []string{"https://a.example/users/bob"}, accept.To)

	inner, err := accept.Inner()
	require.NoError(t, err)
	require.Equal(t, Follow, inner.Type)
	require.Equal(t, "https://b.example/users/alice", inner.ObjectID)

	like, err := FromMap(NewLike("", "https://a.example/users/bob", "https://b.example/p/1", "https://b.example/users/alice"))
	require.NoError(t, err)
	_, err = like.Inner()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestBuildersValidate(t *testing.T) {
	actor := "https://a.example/users/bob"
	post := map[string]any{"id": "https://a.example/p/1", "type": "Note", "to": []any{Public}}
	built := []map[string]any{
		NewFollow("", actor, "https://b.example/users/alice"),
		NewUndo("", actor, NewFollow("https://a.example/f/1", actor, "https://b.example/users/alice")),
		NewLike("", actor, "https://b.example/p/1", "https://b.example/users/alice"),
		NewAnnounce("", actor, "https://b.example/p/1", "https://b.example/users/alice", actor+"/followers"),
		NewBlock("", actor, "https://b.example/users/troll"),
		NewIgnore("", actor, "https://b.example/p/1", "https://b.example/users/alice"),
		NewCreate("", actor, post),
	}
	for _, m := range built {
		a, err := FromMap(m)
		require.NoError(t, err, "type %v", m["type"])
		require.True(t, a.Type.IsActivity())
	}

	create, err := FromMap(NewCreate("", actor, post))
	require.NoError(t, err)
	require.Equal(t, []string{Public}, create.To)
	require.Equal(t, "https://a.example/p/1", create.ObjectID)
}

func TestTypeSets(t *testing.T) {
	require.True(t, Note.IsPost())
	require.True(t, Article.IsPost())
	require.False(t, Like.IsPost())
	require.False(t, Note.IsActivity())
	require.True(t, Ignore.IsActivity())
}
