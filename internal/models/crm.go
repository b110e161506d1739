package models

// Deal is the subset of a CRM deal needed to correlate email to it.
type Deal struct {
	ID           string
	Ticket       string
	OwnerID      string
	DepartmentID string
	LeadID       *string
	ContactID    *string
	CompanyID    *string
}

// Request is the subset of a CRM request needed to correlate email to it.
type Request struct {
	ID           string
	Ticket       string
	OwnerID      string
	DepartmentID string
	LeadID       *string
	ContactID    *string
	CompanyID    *string
}

// CorrelationKind names the entity an email was correlated to.
type CorrelationKind string

const (
	CorrelatedDeal    CorrelationKind = "deal"
	CorrelatedRequest CorrelationKind = "request"
)

// Correlation is the resolved target of a ticket.
type Correlation struct {
	Kind      CorrelationKind
	ID        string
	LeadID    *string
	ContactID *string
	CompanyID *string
}

// CorrelationFromDeal builds a Correlation for a deal.
func CorrelationFromDeal(d *Deal) *Correlation {
	return &Correlation{Kind: CorrelatedDeal, ID: d.ID, LeadID: d.LeadID, ContactID: d.ContactID, CompanyID: d.CompanyID}
}

// CorrelationFromRequest builds a Correlation for a request.
func CorrelationFromRequest(r *Request) *Correlation {
	return &Correlation{Kind: CorrelatedRequest, ID: r.ID, LeadID: r.LeadID, ContactID: r.ContactID, CompanyID: r.CompanyID}
}

// Apply copies the correlated references onto the record.
func (c *Correlation) Apply(rec *EmailRecord) {
	id := c.ID
	switch c.Kind {
	case CorrelatedDeal:
		rec.DealID = &id
	case CorrelatedRequest:
		rec.RequestID = &id
	}
	rec.LeadID = c.LeadID
	rec.ContactID = c.ContactID
	rec.CompanyID = c.CompanyID
}
