package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/keys"
	"github.com/kalambet/chatter/internal/storage"
)

type fixture struct {
	store  *Store
	local  *storage.Store
	remote *storage.Store
	cipher *keys.Cipher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	local, err := storage.OpenLocal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	remote, err := storage.OpenRemote(t.TempDir(), storage.RemoteOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })

	secret, err := keys.Generate()
	require.NoError(t, err)
	c, err := keys.NewCipher(secret)
	require.NoError(t, err)

	return fixture{
		store:  New(Options{Local: local, Remote: remote, Cipher: c, Owner: "owner-1"}),
		local:  local,
		remote: remote,
		cipher: c,
	}
}

func ptr[T any](v T) *T { return &v }

func TestLocalConversationIsPlaintext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, chat.BackendLocal, "Greetings")
	require.NoError(t, err)
	assert.Equal(t, chat.BackendLocal, conv.Backend)
	assert.Equal(t, "owner-1", conv.Owner)

	msg, err := f.store.AppendMessage(ctx, conv.ID, chat.MessageDraft{Role: chat.RoleUser, Content: "Hi", Model: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "Hi", msg.Content)

	raw, err := f.local.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi", raw.Content)

	rawConv, err := f.local.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Greetings", rawConv.Name)

	msgs, err := f.store.ReadConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.False(t, keys.IsEncrypted(msgs[0].Content))
}

func TestRemoteConversationIsEncryptedAtRest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, chat.BackendRemote, "Secret plans")
	require.NoError(t, err)
	assert.Equal(t, "Secret plans", conv.Name)

	msg, err := f.store.AppendMessage(ctx, conv.ID, chat.MessageDraft{
		Role: chat.RoleAssistant, Content: "the answer", Reasoning: "thinking", Model: "m1",
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", msg.Content)

	raw, err := f.remote.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, keys.IsEncrypted(raw.Content))
	assert.True(t, keys.IsEncrypted(raw.Reasoning))
	assert.NotContains(t, raw.Content, "the answer")

	rawConv, err := f.remote.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, keys.IsEncrypted(rawConv.Name))

	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Secret plans", got.Name)
	assert.Equal(t, chat.BackendRemote, got.Backend)

	msgs, err := f.store.ReadConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "the answer", msgs[0].Content)
	assert.Equal(t, "thinking", msgs[0].Reasoning)
}

func TestRemoteReadWithDifferentSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, chat.BackendRemote, "")
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, conv.ID, chat.MessageDraft{Role: chat.RoleUser, Content: "plaintext"})
	require.NoError(t, err)

	other, err := keys.NewCipher("some other secret")
	require.NoError(t, err)
	foreign := New(Options{Local: f.local, Remote: f.remote, Cipher: other, Owner: "owner-1"})

	msgs, err := foreign.ReadConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotEqual(t, "plaintext", msgs[0].Content)
}

func TestRemoteWithoutKeyWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nokey := New(Options{Local: f.local, Remote: f.remote, Owner: "owner-1"})

	_, err := nokey.CreateConversation(ctx, chat.BackendRemote, "x")
	assert.ErrorIs(t, err, ErrNoKey)

	list, err := f.remote.ListConversations(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)

	conv, err := f.store.CreateConversation(ctx, chat.BackendRemote, "x")
	require.NoError(t, err)
	_, err = nokey.AppendMessage(ctx, conv.ID, chat.MessageDraft{Role: chat.RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrNoKey)

	msgs, err := f.remote.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestUpdateMessageEncryptionRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, chat.BackendRemote, "")
	require.NoError(t, err)
	msg, err := f.store.AppendMessage(ctx, conv.ID, chat.MessageDraft{Role: chat.RoleAssistant, Model: "m1"})
	require.NoError(t, err)

	raw, err := f.remote.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "", raw.Content, "empty placeholder stays empty at rest")

	err = f.store.UpdateMessage(ctx, msg.ID, chat.MessagePatch{
		Content:         ptr("Hello!"),
		Usage:           &chat.Usage{PromptTokens: 5, CompletionTokens: 2},
		CreditsConsumed: ptr(int64(1)),
		Annotations:     []chat.Annotation{{URL: "https://a.example", Title: "A"}},
	})
	require.NoError(t, err)

	raw, err = f.remote.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, keys.IsEncrypted(raw.Content))
	assert.Equal(t, "", raw.Reasoning)
	assert.Equal(t, &chat.Usage{PromptTokens: 5, CompletionTokens: 2}, raw.Usage)
	assert.Equal(t, int64(1), *raw.CreditsConsumed)
	assert.Equal(t, "https://a.example", raw.Annotations[0].URL)

	got, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", got.Content)
}

func TestReadOrderingAcrossTurns(t *testing.T) {
	for _, b := range []chat.Backend{chat.BackendLocal, chat.BackendRemote} {
		t.Run(string(b), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			conv, err := f.store.CreateConversation(ctx, b, "")
			require.NoError(t, err)

			for i := range 3 {
				u, err := f.store.AppendMessage(ctx, conv.ID, chat.MessageDraft{Role: chat.RoleUser, Content: "q"})
				require.NoError(t, err)
				a, err := f.store.AppendMessage(ctx, conv.ID, chat.MessageDraft{Role: chat.RoleAssistant, Model: "m1"})
				require.NoError(t, err)
				assert.True(t, a.CreatedAt.After(u.CreatedAt), "turn %d", i)
			}

			msgs, err := f.store.ReadConversationMessages(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 6)
			for i := 1; i < len(msgs); i++ {
				assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
			}
			for i, m := range msgs {
				want := chat.RoleUser
				if i%2 == 1 {
					want = chat.RoleAssistant
				}
				assert.Equal(t, want, m.Role)
			}
		})
	}
}

func TestRoutingWithoutCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, chat.BackendRemote, "routed")
	require.NoError(t, err)
	msg, err := f.store.AppendMessage(ctx, conv.ID, chat.MessageDraft{Role: chat.RoleUser, Content: "hi"})
	require.NoError(t, err)

	// A fresh façade has an empty routing cache and must find the rows.
	fresh := New(Options{Local: f.local, Remote: f.remote, Cipher: f.cipher, Owner: "owner-1"})
	require.NoError(t, fresh.UpdateMessage(ctx, msg.ID, chat.MessagePatch{Content: ptr("edited")}))

	got, err := fresh.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)

	_, err = fresh.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, fresh.UpdateMessage(ctx, "missing", chat.MessagePatch{Content: ptr("x")}), ErrNotFound)
}

func TestListRenameDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.store.CreateConversation(ctx, chat.BackendLocal, "local one")
	require.NoError(t, err)
	r, err := f.store.CreateConversation(ctx, chat.BackendRemote, "remote one")
	require.NoError(t, err)
	_, err = f.store.AppendMessage(ctx, l.ID, chat.MessageDraft{Role: chat.RoleUser, Content: "bump"})
	require.NoError(t, err)

	all, err := f.store.ListConversations(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, l.ID, all[0].ID)
	assert.Equal(t, "remote one", all[1].Name)

	remoteOnly, err := f.store.ListConversations(ctx, chat.BackendRemote)
	require.NoError(t, err)
	require.Len(t, remoteOnly, 1)

	require.NoError(t, f.store.RenameConversation(ctx, r.ID, "renamed"))
	got, err := f.store.GetConversation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	raw, err := f.remote.GetConversation(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, keys.IsEncrypted(raw.Name))

	require.NoError(t, f.store.DeleteConversation(ctx, r.ID))
	_, err = f.store.GetConversation(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	nokey := New(Options{Local: f.local, Remote: f.remote, Owner: "owner-1"})
	all, err = nokey.ListConversations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBackendUnavailable(t *testing.T) {
	local, err := storage.OpenLocal(":memory:")
	require.NoError(t, err)
	defer local.Close()

	s := New(Options{Local: local})
	_, err = s.CreateConversation(context.Background(), chat.BackendRemote, "x")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.NoError(t, s.Sync(context.Background()))
}

func TestAppendRejectsInvalidRole(t *testing.T) {
	f := newFixture(t)
	conv, err := f.store.CreateConversation(context.Background(), chat.BackendLocal, "")
	require.NoError(t, err)

	_, err = f.store.AppendMessage(context.Background(), conv.ID, chat.MessageDraft{Role: "tool"})
	assert.Error(t, err)
}
