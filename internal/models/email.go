package models

import "time"

// BoxType is the logical mailbox a message was imported from.
type BoxType string

const (
	BoxIncoming BoxType = "incoming"
	BoxSent     BoxType = "sent"
	BoxSpam     BoxType = "spam"
	BoxTrash    BoxType = "trash"
)

// WatchedBoxes are the boxes the scheduler polls on every cycle, in order.
var WatchedBoxes = []BoxType{BoxIncoming, BoxSent}

// MessageType tells the ingestor how to treat a raw message.
type MessageType string

const (
	MessageIncoming MessageType = "incoming"
	MessageSent     MessageType = "sent"
	MessageInquiry  MessageType = "inquiry"
)

// MessageTypeForBox maps a watched box to the message type its messages carry.
func MessageTypeForBox(box BoxType) MessageType {
	if box == BoxSent {
		return MessageSent
	}
	return MessageIncoming
}

// Requester identifies the user behind a manual fetch so errors can be surfaced to them.
type Requester struct {
	UserID string
}

// RawMessage is a fetched but not yet parsed message waiting in the ingest queue.
type RawMessage struct {
	TraceID   string
	AccountID string
	Box       BoxType
	Type      MessageType
	Position  uint32
	Epoch     uint32
	Bytes     []byte
	Ticket    string
	Requester *Requester
	// FailureID is set when the message is a retry from the durable failure log.
	FailureID string
}

// FromScheduler reports whether the message was produced by the background scheduler.
func (m *RawMessage) FromScheduler() bool {
	return m.Requester == nil
}

// EmailRecord is the persisted result of ingesting one message.
type EmailRecord struct {
	ID           string     `json:"id"`
	Ticket       string     `json:"ticket"`
	Incoming     bool       `json:"incoming"`
	Sent         bool       `json:"sent"`
	Inquiry      bool       `json:"inquiry"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	FromAddress  string     `json:"from_address"`
	ToAddresses  []string   `json:"to_addresses"`
	CCAddresses  []string   `json:"cc_addresses"`
	BCCAddresses []string   `json:"bcc_addresses"`
	MessageID    string     `json:"message_id"`
	MessageDate  *time.Time `json:"message_date"`
	Box          BoxType    `json:"box"`
	Position     uint32     `json:"position"`
	Epoch        uint32     `json:"epoch"`
	AccountID    string     `json:"account_id"`
	OwnerID      string     `json:"owner_id"`
	DepartmentID string     `json:"department_id"`
	DealID       *string    `json:"deal_id,omitempty"`
	RequestID    *string    `json:"request_id,omitempty"`
	LeadID       *string    `json:"lead_id,omitempty"`
	ContactID    *string    `json:"contact_id,omitempty"`
	CompanyID    *string    `json:"company_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Attachment is a binary part stored after its EmailRecord was committed.
type Attachment struct {
	ID        string `json:"id"`
	EmailID   string `json:"email_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
	Content   []byte `json:"-"`
}

// IngestFailure is a message whose persistence failed and that may be retried later.
type IngestFailure struct {
	ID        string
	AccountID string
	Box       BoxType
	Type      MessageType
	Position  uint32
	Epoch     uint32
	Bytes     []byte
	Ticket    string
	LastError string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}
