package models

import "time"

// BoxPointer is the persisted import position of one mailbox box.
// Position is the next protocol position (UIDNEXT) to import from,
// Epoch the validity generation (UIDVALIDITY) that position belongs to.
type BoxPointer struct {
	Position uint32
	Epoch    uint32
}

// IsZero reports whether the box was never polled.
func (p BoxPointer) IsZero() bool {
	return p.Position == 0 && p.Epoch == 0
}

// MailboxAccount holds connection details and import state for one mailbox.
// Everything but the pointers and LastImportTime is owned by account management.
type MailboxAccount struct {
	ID                string
	Email             string
	IMAPHost          string
	IMAPUsername      string
	EncryptedPassword []byte
	ImportEnabled     bool
	Incoming          BoxPointer
	Sent              BoxPointer
	LastImportTime    *time.Time
	OwnerID           string
	OwnerEmail        string
	DepartmentID      string
}

// Pointer returns the stored pointer for a box.
func (a *MailboxAccount) Pointer(box BoxType) BoxPointer {
	if box == BoxSent {
		return a.Sent
	}
	return a.Incoming
}

// PointerAdvance moves a box pointer past an imported message.
// It only applies while the stored epoch still equals Epoch.
type PointerAdvance struct {
	AccountID string
	Box       BoxType
	Epoch     uint32
	Position  uint32
}
