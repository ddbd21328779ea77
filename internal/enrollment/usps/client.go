// Package usps drives the in-person proofing vendor API: facility lookup,
// applicant enrollment, enrollment code retrieval and proofing status polls,
// plus the OAuth-style token lifecycle behind them.
package usps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"idproof/internal/platform/config"
)

const basePath = "/ivs-ippaas-api/IPPRest/resources/rest/"

// assuranceLevel is the fixed identity assurance level submitted with every
// enrollment.
const assuranceLevel = "1.5"

// ErrVendorUnavailable covers transport failures, timeouts, 5xx responses and
// malformed bodies. The caller decides whether to retry on the next scheduled
// pass; nothing in this package retries the business call.
var ErrVendorUnavailable = errors.New("proofing vendor unavailable")

// BusinessError is a well-formed 4xx carrying a vendor business reason, e.g.
// the applicant has not visited a facility yet or proofed too recently. For a
// status poll it means "still pending", not a failure needing attention.
type BusinessError struct {
	StatusCode int
	Reason     string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("vendor declined request (%d): %s", e.StatusCode, e.Reason)
}

// Client issues the four vendor requests. It is stateless apart from the
// token manager; safe for concurrent use.
type Client struct {
	cfg    config.USPS
	client *http.Client
	tokens *TokenManager
}

// New builds the vendor client. The HTTP client timeout bounds connect,
// read and write for every call so a slow vendor cannot starve a
// reconciliation batch or a user-facing request.
func New(cfg config.USPS) *Client {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return &Client{
		cfg:    cfg,
		client: httpClient,
		tokens: NewTokenManager(cfg, httpClient),
	}
}

// RequestFacilities looks up in-person proofing facilities near the location.
// Returns an empty slice, never nil, when the vendor reports none.
func (c *Client) RequestFacilities(ctx context.Context, loc Location) ([]PostOffice, error) {
	body := map[string]interface{}{
		"sponsorID":     c.cfg.SponsorID,
		"streetAddress": loc.Address,
		"city":          loc.City,
		"state":         loc.State,
		"zipCode":       loc.ZipCode,
	}

	var out facilityListResponse
	if err := c.post(ctx, "getIppFacilityList", body, &out); err != nil {
		return nil, err
	}
	if out.PostOffices == nil {
		return []PostOffice{}, nil
	}
	return out.PostOffices, nil
}

// RequestEnroll opts the applicant into in-person proofing. The vendor emails
// the applicant instructions and the enrollment code; the response carries the
// same code for storage alongside the unique ID.
func (c *Client) RequestEnroll(ctx context.Context, applicant Applicant) (*EnrollResponse, error) {
	body := map[string]interface{}{
		"sponsorID":         c.cfg.SponsorID,
		"uniqueID":          applicant.UniqueID,
		"firstName":         applicant.FirstName,
		"lastName":          applicant.LastName,
		"streetAddress":     applicant.Address,
		"city":              applicant.City,
		"state":             applicant.State,
		"zipCode":           applicant.ZipCode,
		"emailAddress":      applicant.Email,
		"IPPAssuranceLevel": assuranceLevel,
	}

	var out EnrollResponse
	if err := c.post(ctx, "optInIPPApplicant", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestProofingResults polls the proofing status. A 2xx response means
// proofing completed. A structured 4xx (not yet visited, proofed too
// recently) comes back as *BusinessError.
func (c *Client) RequestProofingResults(ctx context.Context, uniqueID, enrollmentCode string) (*ProofingResults, error) {
	body := map[string]interface{}{
		"sponsorID":      c.cfg.SponsorID,
		"uniqueID":       uniqueID,
		"enrollmentCode": enrollmentCode,
	}

	var out ProofingResults
	if err := c.post(ctx, "getProofingResults", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestEnrollmentCode fetches the applicant's enrollment code. Idempotent on
// the vendor side: an existing valid code is returned, otherwise a new one is
// issued and emailed to the applicant.
func (c *Client) RequestEnrollmentCode(ctx context.Context, uniqueID string) (*EnrollmentCodeResponse, error) {
	body := map[string]interface{}{
		"sponsorID": c.cfg.SponsorID,
		"uniqueID":  uniqueID,
	}

	var out EnrollmentCodeResponse
	if err := c.post(ctx, "requestEnrollmentCode", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post sends one vendor request with a freshly validated token and a
// per-request correlation ID, decoding a 2xx body into out.
func (c *Client) post(ctx context.Context, endpoint string, body interface{}, out interface{}) error {
	auth, err := c.tokens.Header(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.RootURL+basePath+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", auth)
	req.Header.Set("RequestID", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrVendorUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: malformed %s response: %v", ErrVendorUnavailable, endpoint, err)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode <= 499:
		return c.businessError(resp)
	default:
		return fmt.Errorf("%w: %s returned %d", ErrVendorUnavailable, endpoint, resp.StatusCode)
	}
}

// businessError parses a structured 4xx body; an unparsable one degrades to
// vendor-unavailable rather than a fabricated business reason.
func (c *Client) businessError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("%w: reading error body: %v", ErrVendorUnavailable, err)
	}

	var parsed errorBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("%w: unparsable %d response", ErrVendorUnavailable, resp.StatusCode)
	}

	reason := parsed.ResponseMessage
	if reason == "" {
		reason = parsed.Message
	}
	if reason == "" {
		reason = parsed.Error
	}
	if reason == "" {
		return fmt.Errorf("%w: empty %d error body", ErrVendorUnavailable, resp.StatusCode)
	}
	return &BusinessError{StatusCode: resp.StatusCode, Reason: reason}
}
