package cases

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const clientTimeout = 15 * time.Second

// Client is an HTTP implementation of Service against the case-data system's
// REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a case-data client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("case-data request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrCaseNotFound
	default:
		return fmt.Errorf("case-data request %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding case-data response: %w", err)
	}
	return nil
}

// Summary returns the case summary.
func (c *Client) Summary(ctx context.Context, caseNumber string) (*Summary, error) {
	var s Summary
	if err := c.getJSON(ctx, "/cases/"+url.PathEscape(caseNumber), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ClinicalData returns the structured clinical record for the case.
func (c *Client) ClinicalData(ctx context.Context, caseNumber string) (*ClinicalData, error) {
	var d ClinicalData
	if err := c.getJSON(ctx, "/cases/"+url.PathEscape(caseNumber)+"/clinical", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListAttachments returns attachment metadata for the case.
func (c *Client) ListAttachments(ctx context.Context, caseNumber string) ([]Attachment, error) {
	var atts []Attachment
	if err := c.getJSON(ctx, "/cases/"+url.PathEscape(caseNumber)+"/attachments", &atts); err != nil {
		return nil, err
	}
	return atts, nil
}

// DownloadAttachment fetches one attachment's content.
func (c *Client) DownloadAttachment(ctx context.Context, caseNumber, attachmentID string) (*Document, error) {
	path := "/cases/" + url.PathEscape(caseNumber) + "/attachments/" + url.PathEscape(attachmentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("case-data request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrAttachmentNotFound
	default:
		return nil, fmt.Errorf("case-data request %s: status %d", path, resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading attachment content: %w", err)
	}
	return &Document{
		Attachment: Attachment{
			ID:          attachmentID,
			ContentType: resp.Header.Get("Content-Type"),
			SizeBytes:   int64(len(content)),
		},
		Content: content,
	}, nil
}

// History returns prior authorization decisions for the case's member.
func (c *Client) History(ctx context.Context, caseNumber string) ([]HistoryEntry, error) {
	var h []HistoryEntry
	if err := c.getJSON(ctx, "/cases/"+url.PathEscape(caseNumber)+"/history", &h); err != nil {
		return nil, err
	}
	return h, nil
}

// Notes returns free-text notes on the case.
func (c *Client) Notes(ctx context.Context, caseNumber string) ([]Note, error) {
	var n []Note
	if err := c.getJSON(ctx, "/cases/"+url.PathEscape(caseNumber)+"/notes", &n); err != nil {
		return nil, err
	}
	return n, nil
}

// MemberCoverage returns the member's plan eligibility.
func (c *Client) MemberCoverage(ctx context.Context, caseNumber string) (*Coverage, error) {
	var cov Coverage
	if err := c.getJSON(ctx, "/cases/"+url.PathEscape(caseNumber)+"/coverage", &cov); err != nil {
		return nil, err
	}
	return &cov, nil
}
