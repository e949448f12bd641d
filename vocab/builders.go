package vocab

func envelope(t Type, id, actor string, object any) map[string]any {
	m := map[string]any{
		"@context": ContextURI,
		"type":     string(t),
		"actor":    actor,
		"object":   object,
	}
	if id != "" {
		m["id"] = id
	}
	return m
}

// NewFollow builds a Follow of target by actor.
func NewFollow(id, actor, target string) map[string]any {
	m := envelope(Follow, id, actor, target)
	m["to"] = []any{target}
	return m
}

// NewAccept wraps the original Follow, as received, in an Accept.
func NewAccept(id, actor string, follow map[string]any) map[string]any {
	m := envelope(Accept, id, actor, follow)
	if requester := ObjectID(follow["actor"]); requester != "" {
		m["to"] = []any{requester}
	}
	return m
}

// NewReject wraps the original Follow in a Reject.
func NewReject(id, actor string, follow map[string]any) map[string]any {
	m := envelope(Reject, id, actor, follow)
	if requester := ObjectID(follow["actor"]); requester != "" {
		m["to"] = []any{requester}
	}
	return m
}

// NewUndo wraps a previously sent activity in an Undo addressed like it.
func NewUndo(id, actor string, inner map[string]any) map[string]any {
	m := envelope(Undo, id, actor, inner)
	if to, ok := inner["to"]; ok {
		m["to"] = to
	}
	if cc, ok := inner["cc"]; ok {
		m["cc"] = cc
	}
	return m
}

// NewLike builds a Like of post, addressed to its author.
func NewLike(id, actor, post, author string) map[string]any {
	m := envelope(Like, id, actor, post)
	m["to"] = []any{author}
	return m
}

// NewAnnounce builds a public Announce of post.
func NewAnnounce(id, actor, post, author, followers string) map[string]any {
	m := envelope(Announce, id, actor, post)
	m["to"] = []any{Public}
	m["cc"] = []any{author, followers}
	return m
}

// NewBlock builds a Block of target.
func NewBlock(id, actor, target string) map[string]any {
	m := envelope(Block, id, actor, target)
	m["to"] = []any{target}
	return m
}

// NewIgnore builds an Ignore (mute) of post.
func NewIgnore(id, actor, post, author string) map[string]any {
	m := envelope(Ignore, id, actor, post)
	m["to"] = []any{author}
	return m
}

// NewCreate wraps a post object in a Create carrying the same addressing.
func NewCreate(id, actor string, object map[string]any) map[string]any {
	m := envelope(Create, id, actor, object)
	for _, key := range []string{"to", "cc", "published"} {
		if v, ok := object[key]; ok {
			m[key] = v
		}
	}
	return m
}
