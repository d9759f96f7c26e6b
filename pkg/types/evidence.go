package types

import (
	"fmt"
	"strings"
)

// EvidenceAttachment points at an uploaded artifact backing a dispute claim.
type EvidenceAttachment struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// DisputeEvidence is the free-form material a party submits when opening a
// dispute. Stored as jsonb alongside the dispute row.
type DisputeEvidence struct {
	Description string               `json:"description"`
	Attachments []EvidenceAttachment `json:"attachments,omitempty"`
}

// Validate requires a non-empty description and well-formed attachments.
func (e DisputeEvidence) Validate() error {
	if strings.TrimSpace(e.Description) == "" {
		return fmt.Errorf("dispute evidence: description is required")
	}
	for i, a := range e.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return fmt.Errorf("dispute evidence: attachment %d missing url", i)
		}
	}
	return nil
}
