// Package export writes conversation transcripts to a filesystem.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// Format selects the transcript encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat accepts "json" and "text", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("unknown export format %q: %w", s, domain.ErrMalformedInput)
	}
}

// Transcript is the JSON export document.
type Transcript struct {
	Participants []Participant    `json:"participants"`
	ExportedAt   time.Time        `json:"exportedAt"`
	Messages     []domain.Message `json:"messages"`
}

type Participant struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// Exporter reads a conversation from the message store and writes it
// through an afero filesystem.
type Exporter struct {
	fs       afero.Fs
	messages domain.MessageStore
	users    domain.UserRepository
	now      func() time.Time
}

// NewExporter creates an Exporter. users may be nil, in which case
// transcripts show user IDs only.
func NewExporter(fs afero.Fs, messages domain.MessageStore, users domain.UserRepository) *Exporter {
	return &Exporter{fs: fs, messages: messages, users: users, now: time.Now}
}

// Export writes the conversation between a and b to path and returns the
// number of messages written. The file is replaced atomically.
func (e *Exporter) Export(ctx context.Context, a, b, path string, format Format) (int, error) {
	msgs, err := e.messages.QueryBetween(ctx, a, b)
	if err != nil {
		return 0, fmt.Errorf("load conversation: %w", err)
	}
	participants := e.participants(ctx, a, b)

	if err := e.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp := path + ".tmp"
	f, err := e.fs.Create(tmp)
	if err != nil {
		return 0, err
	}

	writeErr := Write(f, Transcript{
		Participants: participants,
		ExportedAt:   e.now().UTC(),
		Messages:     msgs,
	}, format)
	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = e.fs.Remove(tmp)
		return 0, fmt.Errorf("write transcript: %w", err)
	}
	if err := e.fs.Rename(tmp, path); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func (e *Exporter) participants(ctx context.Context, ids ...string) []Participant {
	return lo.Map(lo.Uniq(ids), func(id string, _ int) Participant {
		p := Participant{UserID: id}
		if e.users != nil {
			if u, err := e.users.FindByID(ctx, id); err == nil {
				p.Username = u.Username
			}
		}
		return p
	})
}

// Write encodes t to w.
func Write(w io.Writer, t Transcript, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	case FormatText:
		return writeText(w, t)
	default:
		return fmt.Errorf("unknown export format %q: %w", format, domain.ErrMalformedInput)
	}
}

func writeText(w io.Writer, t Transcript) error {
	names := lo.SliceToMap(t.Participants, func(p Participant) (string, string) {
		if p.Username == "" {
			return p.UserID, p.UserID
		}
		return p.UserID, p.Username
	})
	name := func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id
	}

	header := lo.Map(t.Participants, func(p Participant, _ int) string { return name(p.UserID) })
	if _, err := fmt.Fprintf(w, "# Conversation: %s\n# Exported: %s\n# Messages: %d\n\n",
		strings.Join(header, ", "), t.ExportedAt.Format(time.RFC3339), len(t.Messages)); err != nil {
		return err
	}
	for _, m := range t.Messages {
		if _, err := fmt.Fprintf(w, "[%s] %s -> %s: %s\n",
			m.CreatedAt.UTC().Format(time.RFC3339), name(m.Sender), name(m.Recipient), m.Text); err != nil {
			return err
		}
	}
	return nil
}
