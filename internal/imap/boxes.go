package imap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/vdavid/ticketmail/internal/models"
)

// ErrBoxNotFound is returned when a logical box has no counterpart on the server.
var ErrBoxNotFound = errors.New("box not found on server")

// specialUse maps logical boxes to their SPECIAL-USE attribute (RFC 6154).
var specialUse = map[models.BoxType]string{
	models.BoxSent:  imap.SentAttr,
	models.BoxSpam:  imap.JunkAttr,
	models.BoxTrash: imap.TrashAttr,
}

// wellKnownNames are tried, case-insensitively and in order, when the server
// does not advertise SPECIAL-USE attributes.
var wellKnownNames = map[models.BoxType][]string{
	models.BoxSent:  {"Sent", "Sent Items", "Sent Messages", "Sent Mail", "[Gmail]/Sent Mail", "INBOX.Sent"},
	models.BoxSpam:  {"Junk", "Spam", "Junk E-mail", "[Gmail]/Spam", "INBOX.Junk", "INBOX.Spam"},
	models.BoxTrash: {"Trash", "Deleted Items", "Deleted Messages", "[Gmail]/Trash", "INBOX.Trash"},
}

// ListBoxes lists every box on the server.
func (s *Session) ListBoxes() ([]*imap.MailboxInfo, error) {
	var boxes []*imap.MailboxInfo
	err := s.run("LIST", `"" *`, func() error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)

		go func() {
			done <- s.client.List("", "*", mailboxes)
		}()

		for m := range mailboxes {
			boxes = append(boxes, m)
		}
		return <-done
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list boxes: %w", err)
	}
	return boxes, nil
}

// ResolveBox returns the provider-specific name of a logical box.
// The mapping is computed from one LIST the first time it is needed.
func (s *Session) ResolveBox(box models.BoxType) (string, error) {
	if box == models.BoxIncoming {
		return "INBOX", nil
	}

	s.mu.Lock()
	boxes := s.boxes
	s.mu.Unlock()

	if boxes == nil {
		infos, err := s.ListBoxes()
		if err != nil {
			return "", err
		}
		boxes = MapBoxes(infos)

		s.mu.Lock()
		s.boxes = boxes
		s.mu.Unlock()
	}

	name, ok := boxes[box]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBoxNotFound, box)
	}
	return name, nil
}

// MapBoxes maps logical boxes to server box names, preferring SPECIAL-USE attributes
// over well-known names.
func MapBoxes(infos []*imap.MailboxInfo) map[models.BoxType]string {
	result := map[models.BoxType]string{models.BoxIncoming: "INBOX"}

	for box, attr := range specialUse {
		for _, info := range infos {
			if hasAttr(info, attr) {
				result[box] = info.Name
				break
			}
		}
	}

	for box, names := range wellKnownNames {
		if _, ok := result[box]; ok {
			continue
		}
	names:
		for _, want := range names {
			for _, info := range infos {
				if hasAttr(info, imap.NoSelectAttr) {
					continue
				}
				if strings.EqualFold(info.Name, want) {
					result[box] = info.Name
					break names
				}
			}
		}
	}

	return result
}

func hasAttr(info *imap.MailboxInfo, attr string) bool {
	for _, a := range info.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}
