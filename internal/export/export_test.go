package export

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/storage/memory"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) (*memory.MessageStore, *memory.UserStore, string, string) {
	t.Helper()
	ctx := context.Background()
	users := memory.NewUserStore()
	alice, err := users.Create(ctx, "alice", "h")
	require.NoError(t, err)
	bob, err := users.Create(ctx, "bob", "h")
	require.NoError(t, err)

	messages := memory.NewMessageStore()
	at := time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC)
	_, err = messages.Append(ctx, domain.Message{Sender: alice.ID, Recipient: bob.ID, Text: "hi bob", CreatedAt: at})
	require.NoError(t, err)
	_, err = messages.Append(ctx, domain.Message{Sender: bob.ID, Recipient: alice.ID, Text: "hi alice", CreatedAt: at.Add(time.Minute)})
	require.NoError(t, err)
	return messages, users, alice.ID, bob.ID
}

func TestExport_JSON(t *testing.T) {
	memFs := afero.NewMemMapFs()
	messages, users, a, b := seed(t)
	exporter := NewExporter(memFs, messages, users)

	n, err := exporter.Export(context.Background(), a, b, "exports/ab.json", FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	exists, err := afero.Exists(memFs, "exports/ab.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists, "temporary file should be renamed away")

	data, err := afero.ReadFile(memFs, "exports/ab.json")
	require.NoError(t, err)
	var got Transcript
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hi bob", got.Messages[0].Text)
	assert.Equal(t, []Participant{{UserID: a, Username: "alice"}, {UserID: b, Username: "bob"}}, got.Participants)
}

func TestExport_Text(t *testing.T) {
	memFs := afero.NewMemMapFs()
	messages, users, a, b := seed(t)
	exporter := NewExporter(memFs, messages, users)
	exporter.now = func() time.Time { return time.Date(2024, 2, 4, 0, 0, 0, 0, time.UTC) }

	_, err := exporter.Export(context.Background(), b, a, "ab.txt", FormatText)
	require.NoError(t, err)

	data, err := afero.ReadFile(memFs, "ab.txt")
	require.NoError(t, err)
	assert.Equal(t, "# Conversation: bob, alice\n# Exported: 2024-02-04T00:00:00Z\n# Messages: 2\n\n"+
		"[2024-02-03T10:00:00Z] alice -> bob: hi bob\n"+
		"[2024-02-03T10:01:00Z] bob -> alice: hi alice\n", string(data))
}

func TestExport_WithoutDirectoryUsesIDs(t *testing.T) {
	memFs := afero.NewMemMapFs()
	messages, _, a, b := seed(t)

	_, err := NewExporter(memFs, messages, nil).Export(context.Background(), a, b, "ids.txt", FormatText)
	require.NoError(t, err)
	data, err := afero.ReadFile(memFs, "ids.txt")
	require.NoError(t, err)
	assert.Contains(t, string(data), a+" -> "+b)
}

func TestExport_SelfConversationHasOneParticipant(t *testing.T) {
	memFs := afero.NewMemMapFs()
	messages, users, a, _ := seed(t)
	_, err := NewExporter(memFs, messages, users).Export(context.Background(), a, a, "self.json", FormatJSON)
	require.NoError(t, err)

	data, err := afero.ReadFile(memFs, "self.json")
	require.NoError(t, err)
	var got Transcript
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Len(t, got.Participants, 1)
	assert.Empty(t, got.Messages)
}

func TestExport_ReadOnlyFsFails(t *testing.T) {
	messages, users, a, b := seed(t)
	_, err := NewExporter(afero.NewReadOnlyFs(afero.NewMemMapFs()), messages, users).
		Export(context.Background(), a, b, "out/ab.json", FormatJSON)
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" JSON ")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("csv")
	assert.ErrorIs(t, err, domain.ErrMalformedInput)
}
