// Package mailbox implements voicemail storage: one directory per
// extension holding an optional custom greeting and a messages/ directory
// of recorded WAV files plus JSON metadata siblings.
// Writes are atomic (temp file + rename, via internal/media/codec's
// AppendAtomic) so a reader never observes a partially written recording,
// grounded on the same care internal/store/ttlstore.go takes around
// eviction atomicity, applied here to the filesystem instead of an
// in-memory map.
package mailbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/switchboard/internal/media/codec"
)

// Meta is the sidecar JSON file stored next to a message WAV.
type Meta struct {
	ID       string    `json:"id"`
	Caller   string    `json:"caller"`
	Received time.Time `json:"received"`
	Duration time.Duration `json:"duration_ns"`
	Seen     bool      `json:"seen"`
}

// Message pairs a recording's path with its metadata.
type Message struct {
	Meta Meta
	Path string
}

// Box is the voicemail mailbox for one extension.
type Box struct {
	root string // <MailboxDir>/<extension>
}

// Open returns the mailbox for extension under root, creating its
// messages/ subdirectory if absent.
func Open(rootDir, extension string) (*Box, error) {
	root := filepath.Join(rootDir, extension)
	if err := os.MkdirAll(filepath.Join(root, "messages"), 0o755); err != nil {
		return nil, fmt.Errorf("mailbox: create dir: %w", err)
	}
	return &Box{root: root}, nil
}

// GreetingPath returns the path a custom greeting would live at, whether or
// not one has been recorded yet.
func (b *Box) GreetingPath() string {
	return filepath.Join(b.root, "greeting.wav")
}

// HasCustomGreeting reports whether a caller-recorded greeting exists.
func (b *Box) HasCustomGreeting() bool {
	_, err := os.Stat(b.GreetingPath())
	return err == nil
}

// SaveGreeting atomically replaces the mailbox's custom greeting.
func (b *Box) SaveGreeting(format codec.WAVFormat, sampleRate uint32, bitDepth uint16, pcm []byte) error {
	return codec.AppendAtomic(b.GreetingPath(), format, sampleRate, bitDepth, pcm)
}

// DeleteGreeting removes a custom greeting, reverting playback to the
// system default prompt.
func (b *Box) DeleteGreeting() error {
	err := os.Remove(b.GreetingPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SaveMessage atomically writes a new voicemail message and its metadata,
// returning the generated message ID. The WAV write lands via temp file +
// rename (); the <id>.meta JSON sidecar is written only after the
// audio is safely in place, so a reader never sees metadata for audio that
// doesn't exist yet.
func (b *Box) SaveMessage(caller string, duration time.Duration, format codec.WAVFormat, sampleRate uint32, bitDepth uint16, pcm []byte) (Message, error) {
	id := uuid.New().String()
	wavPath := filepath.Join(b.root, "messages", id+".wav")
	if err := codec.AppendAtomic(wavPath, format, sampleRate, bitDepth, pcm); err != nil {
		return Message{}, fmt.Errorf("mailbox: save message audio: %w", err)
	}

	meta := Meta{ID: id, Caller: caller, Received: time.Now(), Duration: duration}
	if err := b.writeMetaAtomic(id, meta); err != nil {
		os.Remove(wavPath)
		return Message{}, err
	}
	return Message{Meta: meta, Path: wavPath}, nil
}

func (b *Box) metaPath(id string) string {
	return filepath.Join(b.root, "messages", id+".meta")
}

func (b *Box) writeMetaAtomic(id string, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("mailbox: marshal meta: %w", err)
	}
	tmp := b.metaPath(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("mailbox: write meta: %w", err)
	}
	return os.Rename(tmp, b.metaPath(id))
}

// List returns all messages, oldest first, for menu playback order.
func (b *Box) List() ([]Message, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "messages"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []Message
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".meta" {
			continue
		}
		id := name[:len(name)-len(".meta")]
		data, err := os.ReadFile(b.metaPath(id))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		msgs = append(msgs, Message{Meta: meta, Path: filepath.Join(b.root, "messages", id+".wav")})
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Meta.Received.Before(msgs[j].Meta.Received) })
	return msgs, nil
}

// CountNew returns the number of unseen messages, used by the Welcome
// node's announcement.
func (b *Box) CountNew() (int, error) {
	msgs, err := b.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if !m.Meta.Seen {
			n++
		}
	}
	return n, nil
}

// MarkSeen flips a message's Seen flag, rewriting its metadata atomically.
func (b *Box) MarkSeen(id string) error {
	data, err := os.ReadFile(b.metaPath(id))
	if err != nil {
		return err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	meta.Seen = true
	return b.writeMetaAtomic(id, meta)
}

// Delete removes a message's audio and metadata.
func (b *Box) Delete(id string) error {
	os.Remove(filepath.Join(b.root, "messages", id+".wav"))
	return os.Remove(b.metaPath(id))
}
