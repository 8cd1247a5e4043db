package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ContentRequest is a text template submitted to the Content API. Body and
// Variables must already be positional.
type ContentRequest struct {
	FriendlyName string
	Language     string
	Body         string
	Variables    map[string]string // sample values per position
}

// ApprovalStatus is the WhatsApp review state of a content template.
type ApprovalStatus struct {
	Status          string // upper case, e.g. APPROVED
	RejectionReason *string
}

type contentCreateBody struct {
	FriendlyName string                       `json:"friendly_name"`
	Language     string                       `json:"language"`
	Variables    map[string]string            `json:"variables"`
	Types        map[string]map[string]string `json:"types"`
}

// CreateContent submits a template and returns its content SID.
func (c *TwilioClient) CreateContent(ctx context.Context, req ContentRequest) (string, error) {
	vars := req.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	body := contentCreateBody{
		FriendlyName: req.FriendlyName,
		Language:     req.Language,
		Variables:    vars,
		Types: map[string]map[string]string{
			"twilio/text": {"body": req.Body},
		},
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := c.postJSON(ctx, c.cfg.ContentBaseURL+"/v1/Content", body, &out); err != nil {
		return "", fmt.Errorf("create content %s: %w", req.FriendlyName, err)
	}
	if out.SID == "" {
		return "", fmt.Errorf("create content %s: response without sid", req.FriendlyName)
	}
	return out.SID, nil
}

// RequestApproval asks WhatsApp to review a submitted template.
func (c *TwilioClient) RequestApproval(ctx context.Context, contentSID, name, category string) error {
	endpoint := fmt.Sprintf("%s/v1/Content/%s/ApprovalRequests/whatsapp",
		c.cfg.ContentBaseURL, url.PathEscape(contentSID))

	body := map[string]string{"name": name, "category": category}
	if err := c.postJSON(ctx, endpoint, body, nil); err != nil {
		return fmt.Errorf("request approval for %s: %w", contentSID, err)
	}
	return nil
}

// FetchApproval returns the current WhatsApp review state of a template.
func (c *TwilioClient) FetchApproval(ctx context.Context, contentSID string) (*ApprovalStatus, error) {
	endpoint := fmt.Sprintf("%s/v1/Content/%s/ApprovalRequests",
		c.cfg.ContentBaseURL, url.PathEscape(contentSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create twilio request: %w", err)
	}

	var out struct {
		WhatsApp struct {
			Status          string  `json:"status"`
			RejectionReason *string `json:"rejection_reason"`
		} `json:"whatsapp"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("fetch approval for %s: %w", contentSID, err)
	}

	reason := out.WhatsApp.RejectionReason
	if reason != nil && *reason == "" {
		reason = nil
	}
	return &ApprovalStatus{
		Status:          strings.ToUpper(out.WhatsApp.Status),
		RejectionReason: reason,
	}, nil
}
