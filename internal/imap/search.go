package imap

import (
	"fmt"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/ticket"
)

// Search runs UID SEARCH with criteria in box and returns matching UIDs in ascending order.
func (s *Session) Search(box models.BoxType, criteria *imap.SearchCriteria) ([]uint32, error) {
	if err := s.ensureSelected(box); err != nil {
		return nil, err
	}

	var uids []uint32
	err := s.run("SEARCH", criteriaDetail(criteria), func() error {
		var searchErr error
		uids, searchErr = s.client.UidSearch(criteria)
		return searchErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// SearchTickets returns UIDs at or above from whose text contains a ticket marker.
func (s *Session) SearchTickets(box models.BoxType, from uint32) ([]uint32, error) {
	if from == 0 {
		from = 1
	}

	criteria := imap.NewSearchCriteria()
	criteria.Text = []string{ticket.SearchKey}
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(from, 0)

	uids, err := s.Search(box, criteria)
	if err != nil {
		return nil, err
	}
	return filterFrom(uids, from), nil
}

// SearchMessageID returns the UIDs of messages whose Message-ID header equals messageID.
func (s *Session) SearchMessageID(box models.BoxType, messageID string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", messageID)
	return s.Search(box, criteria)
}

// filterFrom drops UIDs below from. "from:*" always matches the highest UID
// even when it is lower than from.
func filterFrom(uids []uint32, from uint32) []uint32 {
	out := uids[:0]
	for _, uid := range uids {
		if uid >= from {
			out = append(out, uid)
		}
	}
	return out
}

func criteriaDetail(c *imap.SearchCriteria) string {
	detail := ""
	if c.Uid != nil {
		detail += "UID " + c.Uid.String() + " "
	}
	for _, t := range c.Text {
		detail += fmt.Sprintf("TEXT %q ", t)
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			detail += fmt.Sprintf("HEADER %s %q ", k, v)
		}
	}
	return detail
}
