package ingest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/queue"
)

// InquiryResolver matches a stored inquiry to leads, contacts or companies.
type InquiryResolver interface {
	Resolve(ctx context.Context, rec *models.EmailRecord) error
}

// LogResolver only records the handoff.
type LogResolver struct {
	Logger *logrus.Logger
}

func (r LogResolver) Resolve(_ context.Context, rec *models.EmailRecord) error {
	r.Logger.WithFields(logrus.Fields{
		"email_id": rec.ID,
		"account":  rec.AccountID,
		"from":     rec.FromAddress,
	}).Info("Inquiry handed off")
	return nil
}

// InquiryDispatcher passes stored inquiries to the resolver one at a time.
type InquiryDispatcher struct {
	inquiries *queue.Queue[*models.EmailRecord]
	resolver  InquiryResolver
	logger    *logrus.Logger
}

// NewInquiryDispatcher creates an InquiryDispatcher.
func NewInquiryDispatcher(inquiries *queue.Queue[*models.EmailRecord], resolver InquiryResolver, logger *logrus.Logger) *InquiryDispatcher {
	return &InquiryDispatcher{inquiries: inquiries, resolver: resolver, logger: logger}
}

// Run dispatches inquiries until ctx is done.
func (d *InquiryDispatcher) Run(ctx context.Context) {
	for {
		rec, err := d.inquiries.Get(ctx)
		if err != nil {
			return
		}
		if err := d.dispatch(ctx, rec); err != nil {
			d.logger.WithField("email_id", rec.ID).WithError(err).Error("Inquiry resolution failed")
		}
	}
}

func (d *InquiryDispatcher) dispatch(ctx context.Context, rec *models.EmailRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver panicked: %v", r)
		}
	}()
	return d.resolver.Resolve(ctx, rec)
}
