package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/notify"
)

// ErrEmptyMessage is returned for raw messages without any content.
var ErrEmptyMessage = errors.New("message is empty")

// Parsed holds the fields of a message that get stored.
type Parsed struct {
	Subject     string
	Body        string
	From        string
	To          []string
	CC          []string
	BCC         []string
	MessageID   string
	Date        *time.Time
	Origin      string
	Attachments []*models.Attachment
	// SenderAddress is the bare address of the first From entry.
	SenderAddress string
	// AutoSubmitted is the RFC 3834 Auto-Submitted header, lowercased; "" when absent.
	AutoSubmitted string
}

// Parse decodes a raw RFC 822 message. Encoded words are decoded and HTML-only
// messages get a plain text body converted from the HTML part.
func Parse(raw []byte) (*Parsed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	p := &Parsed{
		Subject:       strings.TrimSpace(env.GetHeader("Subject")),
		Body:          env.Text,
		MessageID:     strings.TrimSpace(env.GetHeader("Message-Id")),
		Origin:        strings.TrimSpace(env.GetHeader(notify.OriginHeader)),
		AutoSubmitted: strings.ToLower(strings.TrimSpace(env.GetHeader("Auto-Submitted"))),
		To:            addressList(env, "To"),
		CC:            addressList(env, "Cc"),
		BCC:           addressList(env, "Bcc"),
	}

	if from := addressList(env, "From"); len(from) > 0 {
		p.From = from[0]
		if list, err := env.AddressList("From"); err == nil && len(list) > 0 {
			p.SenderAddress = strings.ToLower(list[0].Address)
		}
	} else {
		p.From = strings.TrimSpace(env.GetHeader("From"))
	}

	if date, err := env.Date(); err == nil && !date.IsZero() {
		p.Date = &date
	}

	for _, part := range env.Attachments {
		p.Attachments = append(p.Attachments, attachmentFromPart(part, false))
	}
	for _, part := range env.Inlines {
		p.Attachments = append(p.Attachments, attachmentFromPart(part, true))
	}

	return p, nil
}

func attachmentFromPart(part *enmime.Part, inline bool) *models.Attachment {
	return &models.Attachment{
		Filename:  part.FileName,
		MimeType:  part.ContentType,
		SizeBytes: int64(len(part.Content)),
		IsInline:  inline || part.ContentID != "",
		ContentID: part.ContentID,
		Content:   part.Content,
	}
}

func addressList(env *enmime.Envelope, header string) []string {
	list, err := env.AddressList(header)
	if err != nil {
		return nil
	}
	result := make([]string, 0, len(list))
	for _, a := range list {
		if formatted := formatAddress(a); formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}

// headerExcerpt returns up to limit bytes of the header section of raw, valid UTF-8 only.
func headerExcerpt(raw []byte, limit int) string {
	head := raw
	if i := bytes.Index(head, []byte("\r\n\r\n")); i >= 0 {
		head = head[:i]
	} else if i := bytes.Index(head, []byte("\n\n")); i >= 0 {
		head = head[:i]
	}
	if len(head) > limit {
		head = head[:limit]
	}
	return strings.ToValidUTF8(string(head), "?")
}

// formatAddress renders "Name <addr>" or just "addr".
func formatAddress(address *mail.Address) string {
	if address == nil || address.Address == "" {
		return ""
	}
	if address.Name != "" {
		return fmt.Sprintf("%s <%s>", address.Name, address.Address)
	}
	return address.Address
}
