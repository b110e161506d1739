package imap

import (
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/vdavid/ticketmail/internal/models"
)

// ErrMessageNotFound is returned when a fetch returns no message.
var ErrMessageNotFound = errors.New("message not found")

// FetchRaw returns the full RFC 822 bytes of a message without setting \Seen.
func (s *Session) FetchRaw(box models.BoxType, uid uint32) ([]byte, error) {
	if err := s.ensureSelected(box); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	var raw []byte
	err := s.run("FETCH", fmt.Sprintf("%d BODY.PEEK[]", uid), func() error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)

		go func() {
			done <- s.client.UidFetch(seqSet, items, messages)
		}()

		var readErr error
		for msg := range messages {
			if msg.Uid != uid || raw != nil {
				continue
			}
			body := msg.GetBody(section)
			if body == nil {
				continue
			}
			raw, readErr = io.ReadAll(body)
		}

		if err := <-done; err != nil {
			return err
		}
		if readErr != nil {
			return readErr
		}
		if raw == nil {
			return ErrMessageNotFound
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}

	return raw, nil
}
