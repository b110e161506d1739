package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/ticketmail/internal/models"
)

// ErrNoCorrelation is returned when a ticket matches neither a deal nor a request.
var ErrNoCorrelation = errors.New("ticket matches no deal or request")

// ErrDealNotFound and ErrRequestNotFound are returned by the exact ticket lookups.
var (
	ErrDealNotFound    = errors.New("deal not found")
	ErrRequestNotFound = errors.New("request not found")
)

// GetDealByTicket returns the deal bound to ticket.
func GetDealByTicket(ctx context.Context, pool *pgxpool.Pool, ticket string) (*models.Deal, error) {
	var d models.Deal
	err := pool.QueryRow(ctx, `
		SELECT id, ticket, owner_id, department_id, lead_id, contact_id, company_id
		FROM deals
		WHERE ticket = $1
	`, ticket).Scan(&d.ID, &d.Ticket, &d.OwnerID, &d.DepartmentID, &d.LeadID, &d.ContactID, &d.CompanyID)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deal: %w", err)
	}
	return &d, nil
}

// GetRequestByTicket returns the request bound to ticket.
func GetRequestByTicket(ctx context.Context, pool *pgxpool.Pool, ticket string) (*models.Request, error) {
	var r models.Request
	err := pool.QueryRow(ctx, `
		SELECT id, ticket, owner_id, department_id, lead_id, contact_id, company_id
		FROM requests
		WHERE ticket = $1
	`, ticket).Scan(&r.ID, &r.Ticket, &r.OwnerID, &r.DepartmentID, &r.LeadID, &r.ContactID, &r.CompanyID)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return &r, nil
}

// ResolveTicket looks up the deal bound to ticket, falling back to a request.
// A deal always wins over a request carrying the same ticket string.
func ResolveTicket(ctx context.Context, pool *pgxpool.Pool, ticket string) (*models.Correlation, error) {
	deal, err := GetDealByTicket(ctx, pool, ticket)
	if err == nil {
		return models.CorrelationFromDeal(deal), nil
	}
	if !errors.Is(err, ErrDealNotFound) {
		return nil, err
	}

	req, err := GetRequestByTicket(ctx, pool, ticket)
	if err == nil {
		return models.CorrelationFromRequest(req), nil
	}
	if errors.Is(err, ErrRequestNotFound) {
		return nil, ErrNoCorrelation
	}
	return nil, err
}

// AppendHistory appends one line to the workflow history of the correlated deal or request.
func AppendHistory(ctx context.Context, pool *pgxpool.Pool, c *models.Correlation, line string) error {
	var table string
	switch c.Kind {
	case models.CorrelatedDeal:
		table = "deals"
	case models.CorrelatedRequest:
		table = "requests"
	default:
		return fmt.Errorf("unknown correlation kind %q", c.Kind)
	}

	tag, err := pool.Exec(ctx, `
		UPDATE `+table+` SET history = CASE WHEN history = '' THEN $2 ELSE history || E'\n' || $2 END
		WHERE id = $1
	`, c.ID, line)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to append history: %s %s not found", c.Kind, c.ID)
	}
	return nil
}

// GetHistory returns the workflow history of the correlated deal or request.
func GetHistory(ctx context.Context, pool *pgxpool.Pool, c *models.Correlation) (string, error) {
	table := "deals"
	if c.Kind == models.CorrelatedRequest {
		table = "requests"
	}

	var history string
	err := pool.QueryRow(ctx, `SELECT history FROM `+table+` WHERE id = $1`, c.ID).Scan(&history)
	if err != nil {
		return "", fmt.Errorf("failed to get history: %w", err)
	}
	return history, nil
}

// InsertDeal creates a deal and fills in its id.
func InsertDeal(ctx context.Context, pool *pgxpool.Pool, d *models.Deal) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO deals (ticket, owner_id, department_id, lead_id, contact_id, company_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, d.Ticket, d.OwnerID, d.DepartmentID, d.LeadID, d.ContactID, d.CompanyID).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to insert deal: %w", err)
	}
	return nil
}

// InsertRequest creates a request and fills in its id.
func InsertRequest(ctx context.Context, pool *pgxpool.Pool, r *models.Request) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO requests (ticket, owner_id, department_id, lead_id, contact_id, company_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, r.Ticket, r.OwnerID, r.DepartmentID, r.LeadID, r.ContactID, r.CompanyID).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}
