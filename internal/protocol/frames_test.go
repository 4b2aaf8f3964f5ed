package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Message(t *testing.T) {
	in, err := Parse([]byte(`{"message":{"recipient":"bob","text":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindMessage, in.Kind)
	assert.Equal(t, SendRequest{Recipient: "bob", Text: "hi"}, in.Send)
}

func TestParse_Auth(t *testing.T) {
	in, err := Parse([]byte(`{"auth":{"token":"abc"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindAuth, in.Kind)
	assert.Equal(t, "abc", in.Auth.Token)
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty object":      `{}`,
		"not json":          `hello`,
		"blank":             `   `,
		"missing recipient": `{"message":{"text":"hi"}}`,
		"empty text":        `{"message":{"recipient":"bob","text":""}}`,
		"null message":      `{"message":null}`,
		"empty token":       `{"auth":{"token":""}}`,
		"both bodies":       `{"message":{"recipient":"bob","text":"hi"},"auth":{"token":"t"}}`,
		"wrong types":       `{"message":{"recipient":1,"text":true}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.ErrorIs(t, err, domain.ErrMalformedInput)
		})
	}
}

func TestParse_WhitespaceTextIsAccepted(t *testing.T) {
	in, err := Parse([]byte(`{"message":{"recipient":"bob","text":"  "}}`))
	require.NoError(t, err)
	assert.Equal(t, "  ", in.Send.Text)
}

func TestEncodeRoster_EmptyIsArray(t *testing.T) {
	b, err := EncodeRoster(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"online":[]}`, string(b))

	b, err = EncodeRoster([]domain.Identity{{ID: "u1", DisplayName: "alice"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"online":[{"userId":"u1","username":"alice"}]}`, string(b))
}

func TestEncodeMessage_Shape(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := EncodeMessage(domain.Message{ID: "m1", Sender: "a", Recipient: "b", Text: "hi", CreatedAt: at})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "m1", got["id"])
	assert.Equal(t, "a", got["sender"])
	assert.Equal(t, "b", got["recipient"])
	assert.Equal(t, "hi", got["text"])
	assert.Equal(t, "2024-03-01T12:00:00Z", got["createdAt"])
}

func TestEncodeError(t *testing.T) {
	b, err := EncodeError(CodeStoreUnavailable, "try again")
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":"store_unavailable","message":"try again"}}`, string(b))
}
