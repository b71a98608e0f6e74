package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512.0 B", HumanSize(512))
	assert.Equal(t, "1.5 KB", HumanSize(1536))
	assert.Equal(t, "10.0 MB", HumanSize(10*1024*1024))
}

func TestAttachmentJSONIncludesReadableSize(t *testing.T) {
	raw, err := json.Marshal(&Attachment{ID: 1, OriginalFilename: "a.pdf", FileSize: 1536, FilePath: "/secret/x.pdf"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "1.5 KB", out["file_size_human"])
	assert.Equal(t, "a.pdf", out["original_filename"])
	assert.NotContains(t, out, "FilePath")
	assert.NotContains(t, string(raw), "/secret/")
}

func TestMessageParticipants(t *testing.T) {
	rid := 2
	m := &Message{SenderID: 1, RecipientID: &rid}
	assert.True(t, m.IsParticipant(1))
	assert.True(t, m.IsRecipient(2))
	assert.False(t, m.IsRecipient(1))
	assert.False(t, m.IsParticipant(3))

	unknown := &Message{SenderID: 1}
	assert.False(t, unknown.IsRecipient(0))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", (&User{FirstName: "Ada", LastName: "Lovelace"}).DisplayName())
	assert.Equal(t, "ada@example.com", (&User{Email: "ada@example.com"}).DisplayName())
	assert.Equal(t, "ada@example.com", NormalizeEmail("  Ada@Example.COM "))
}
