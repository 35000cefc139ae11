package audience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLookup map[string]*Object

func (s stubLookup) GetObjectByID(_ context.Context, id string) (*Object, error) {
	if id == "https://broken.example/users/x" {
		return nil, errors.New("boom")
	}
	return s[id], nil
}

const public = "https://www.w3.org/ns/activitystreams#Public"

func TestResolveGroupRecipient(t *testing.T) {
	r := NewResolver(stubLookup{
		"group:abc@remote.example.com": {ID: "group:abc@remote.example.com", Inbox: "https://remote.example.com/groups/abc/inbox"},
	}, "local.example", public)

	got := r.Resolve(context.Background(), map[string]interface{}{
		"type": "Create",
		"to":   []interface{}{"group:abc@remote.example.com", public},
	})
	require.Len(t, got, 1)
	assert.Equal(t, Recipient{
		Target:   "group:abc@remote.example.com",
		InboxURL: "https://remote.example.com/groups/abc/inbox",
		Host:     "remote.example.com",
	}, got[0])
}

func TestResolveDropsLocalPublicAndUnresolvable(t *testing.T) {
	r := NewResolver(stubLookup{}, "local.example", public)
	got := r.Resolve(context.Background(), map[string]interface{}{
		"to": []interface{}{
			public,
			"https://local.example/users/me",
			"localuser",
			"circle:friends@nowhere.example",
		},
	})
	assert.Empty(t, got)
}

func TestResolveDerivesInboxAndDedupes(t *testing.T) {
	r := NewResolver(stubLookup{
		"https://peer.example/@bob": {Inbox: "https://peer.example/users/bob/inbox"},
	}, "local.example", public)

	got := r.Resolve(context.Background(), map[string]interface{}{
		"to":     "https://peer.example/users/bob",
		"target": map[string]interface{}{"id": "https://peer.example/@bob"},
		"object": map[string]interface{}{
			"inReplyTo":     "https://broken.example/users/x",
			"targetActorId": "https://other.example/u/carol/",
			"to":            []interface{}{"https://peer.example/users/bob"},
		},
	})
	require.Len(t, got, 3)
	assert.Equal(t, "https://peer.example/users/bob/inbox", got[0].InboxURL)
	assert.Equal(t, "https://peer.example/users/bob", got[0].Target)
	assert.Equal(t, "https://broken.example/users/x/inbox", got[1].InboxURL)
	assert.Equal(t, "https://other.example/users/carol/inbox", got[2].InboxURL)
	assert.Equal(t, "other.example", got[2].Host)
}

func TestResolveRejectsNonHTTPSInbox(t *testing.T) {
	r := NewResolver(stubLookup{
		"group:g@peer.example": {Inbox: "http://peer.example/groups/g/inbox"},
	}, "local.example", public)
	got := r.Resolve(context.Background(), map[string]interface{}{"to": "group:g@peer.example"})
	assert.Empty(t, got)
}
