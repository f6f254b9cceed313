package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "conversations"))
	require.NoError(t, err)
	return store
}

func TestFileStore_LoadMissingIsEmpty(t *testing.T) {
	store := newTestStore(t)

	conv, err := store.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, conv)
	assert.Empty(t, conv)
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := Conversation{
		{Role: RoleSystem, Content: "S\n\n"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
	}
	require.NoError(t, store.Save(ctx, "u1", conv))

	loaded, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, conv, loaded)

	// Save replaces, never appends.
	require.NoError(t, store.Save(ctx, "u1", Conversation{{Role: RoleUser, Content: "again"}}))
	loaded, err = store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Conversation{{Role: RoleUser, Content: "again"}}, loaded)
}

func TestFileStore_ResetThenLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "u1", Conversation{{Role: RoleUser, Content: "x"}}))
	require.NoError(t, store.Reset(ctx, "u1"))

	conv, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, conv)

	// Second reset of an absent record is a no-op.
	require.NoError(t, store.Reset(ctx, "u1"))
	require.NoError(t, store.Reset(ctx, "never-seen"))
}

func TestFileStore_UsersAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "alice", Conversation{{Role: RoleUser, Content: "a"}}))
	require.NoError(t, store.Save(ctx, "bob", Conversation{{Role: RoleUser, Content: "b"}}))
	require.NoError(t, store.Reset(ctx, "alice"))

	bob, err := store.Load(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "b", bob[0].Content)
}

func TestFileStore_HostileIDsStayInRoot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"../escape", "..", ".", "a/b", `c:\d`, ""} {
		require.NoError(t, store.Save(ctx, id, Conversation{{Role: RoleUser, Content: id}}))
		loaded, err := store.Load(ctx, id)
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.Equal(t, id, loaded[0].Content)
	}

	entries, err := os.ReadDir(filepath.Dir(store.Root()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "records must not be written outside the root")
}

func TestFileStore_CorruptRecord(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.path("u1"), []byte("{not json"), 0644))

	_, err := store.Load(context.Background(), "u1")
	assert.Error(t, err)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(ctx, "u1", Conversation{{Role: RoleUser, Content: strings.Repeat("x", i)}}))
	}

	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1.json", entries[0].Name())
}

func TestRecordNameIsInjective(t *testing.T) {
	ids := []string{"a.b", "a%2Eb", "a_b", "a-b", "", "%", "é"}
	seen := map[string]string{}
	for _, id := range ids {
		name := recordName(id)
		if prev, ok := seen[name]; ok {
			t.Fatalf("recordName(%q) collides with recordName(%q): %q", id, prev, name)
		}
		seen[name] = id
	}
}

func TestConversationHelpers(t *testing.T) {
	conv := Conversation{
		{Role: RoleSystem, Content: "OLD"},
		{Role: RoleUser, Content: "hi"},
	}

	stripped := conv.WithoutSystem()
	assert.Equal(t, Conversation{{Role: RoleUser, Content: "hi"}}, stripped)
	assert.Equal(t, RoleSystem, conv[0].Role, "input must not be mutated")

	prefixed := stripped.WithSystem("NEW")
	assert.Equal(t, Message{Role: RoleSystem, Content: "NEW\n\n"}, prefixed[0])
	assert.Len(t, prefixed, 2)

	assert.Equal(t, stripped, stripped.WithSystem(""))
	assert.Equal(t, 5, Conversation{{Content: "héllo"}}.Len())
}

func TestTruncate(t *testing.T) {
	msg := func(role Role, n int) Message {
		return Message{Role: role, Content: strings.Repeat("x", n)}
	}

	tests := []struct {
		name   string
		conv   Conversation
		budget int
		want   int
	}{
		{"empty", Conversation{}, 10, 0},
		{"under budget", Conversation{msg(RoleUser, 3), msg(RoleAssistant, 3)}, 10, 2},
		{"exactly budget", Conversation{msg(RoleUser, 5), msg(RoleAssistant, 5)}, 10, 2},
		{"drops oldest", Conversation{msg(RoleUser, 6), msg(RoleAssistant, 6), msg(RoleUser, 3)}, 10, 2},
		{"keeps last even if too long", Conversation{msg(RoleUser, 4), msg(RoleUser, 50)}, 10, 1},
		{"zero budget", Conversation{msg(RoleUser, 1), msg(RoleUser, 1)}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.conv, tt.budget)
			assert.Len(t, got, tt.want)
			if len(got) > 0 {
				assert.Equal(t, tt.conv[len(tt.conv)-1], got[len(got)-1], "newest message is always kept")
			}
			assert.True(t, got.Len() <= tt.budget || len(got) <= 1)
		})
	}
}

func TestTruncatePropertyOverManyShapes(t *testing.T) {
	for size := 0; size < 12; size++ {
		for budget := 0; budget < 40; budget += 3 {
			conv := make(Conversation, size)
			for i := range conv {
				conv[i] = Message{Role: RoleUser, Content: strings.Repeat("y", (i*7)%11)}
			}
			got := Truncate(conv, budget)
			if got.Len() > budget && len(got) > 1 {
				t.Fatalf("size=%d budget=%d: len %d over budget with %d messages", size, budget, got.Len(), len(got))
			}
			// Result is always a suffix of the input.
			assert.Equal(t, conv[len(conv)-len(got):], got)
		}
	}
}
