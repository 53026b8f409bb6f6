package mdt

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const ticketFileExt = ".md"

// TicketKey formats the canonical ticket identifier {ProjectCode}-{sequence}.
func TicketKey(projectCode string, seq int) string {
	return fmt.Sprintf("%s-%d", projectCode, seq)
}

func ticketFileName(projectCode string, seq int) string {
	return TicketKey(projectCode, seq) + ticketFileExt
}

func ticketFilePath(dir, projectCode string, seq int) string {
	return filepath.Join(dir, ticketFileName(projectCode, seq))
}

// ParseTicketKey extracts the sequence number from a ticket key,
// verifying it belongs to the given project.
func ParseTicketKey(projectCode, key string) (int, error) {
	prefix := projectCode + "-"
	if !strings.HasPrefix(key, prefix) {
		return 0, fmt.Errorf("%w: ticket key %q does not belong to project %s", ErrInvalidInput, key, projectCode)
	}
	seq, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
	if err != nil || seq < 1 {
		return 0, fmt.Errorf("%w: ticket key %q has no valid sequence", ErrInvalidInput, key)
	}
	return seq, nil
}

func parseTicketFileName(projectCode, name string) (int, bool) {
	if !strings.HasSuffix(name, ticketFileExt) {
		return 0, false
	}
	seq, err := ParseTicketKey(projectCode, strings.TrimSuffix(name, ticketFileExt))
	if err != nil {
		return 0, false
	}
	return seq, true
}

// TicketSummary is one row of a project's full ticket listing.
type TicketSummary struct {
	Key       string    `json:"key"`
	Sequence  int       `json:"sequence"`
	FileName  string    `json:"fileName"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Ticket is one work item as read from disk. Attributes are the parsed
// front matter; Body is everything after it, treated as opaque text.
type Ticket struct {
	Key         string         `json:"key"`
	ProjectCode string         `json:"projectCode"`
	Sequence    int            `json:"sequence"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Body        string         `json:"body"`
	UpdatedAt   time.Time      `json:"updatedAt,omitempty"`
}

// DraftTicket is the caller-supplied content for a create or update.
type DraftTicket struct {
	Attributes map[string]any `json:"attributes,omitempty"`
	Body       string         `json:"body"`
}

// Codec converts between a ticket file's raw bytes and its
// (front matter, body) pair. Content beyond the front matter block is
// opaque to this package.
type Codec interface {
	Parse(raw []byte) (meta map[string]any, body string, err error)
	Serialize(meta map[string]any, body string) ([]byte, error)
}

const frontMatterDelimiter = "---"

type frontMatterCodec struct{}

// NewFrontMatterCodec returns the default codec: a leading YAML block
// delimited by "---" lines, then the markdown body.
func NewFrontMatterCodec() Codec {
	return frontMatterCodec{}
}

func (frontMatterCodec) Parse(raw []byte) (map[string]any, string, error) {
	text := string(raw)
	if !strings.HasPrefix(text, frontMatterDelimiter+"\n") && text != frontMatterDelimiter {
		return nil, text, nil
	}
	rest := strings.TrimPrefix(text, frontMatterDelimiter+"\n")
	end := strings.Index(rest, "\n"+frontMatterDelimiter)
	if end < 0 {
		return nil, text, nil
	}
	block := rest[:end]
	body := rest[end+len("\n"+frontMatterDelimiter):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")

	meta := map[string]any{}
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return nil, "", fmt.Errorf("%w: front matter: %v", ErrInvalidInput, err)
	}
	return meta, body, nil
}

func (frontMatterCodec) Serialize(meta map[string]any, body string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte(body), nil
	}
	block, err := yaml.Marshal(meta)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(frontMatterDelimiter)
	b.WriteString("\n")
	b.Write(block)
	b.WriteString(frontMatterDelimiter)
	b.WriteString("\n\n")
	b.WriteString(body)
	return []byte(b.String()), nil
}
