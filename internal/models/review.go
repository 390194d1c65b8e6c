package models

import "time"

// Review status values.
const (
	ReviewAccepted          = "accepted"
	ReviewPendingModeration = "pending_moderation"
	ReviewRejected          = "rejected"
)

// Moderation flag values. Most-recent flag is authoritative for
// display; the full history is retained.
const (
	FlagPositive = "positive"
	FlagNeutral  = "neutral"
	FlagNegative = "negative"
	FlagWarning  = "warning"
	FlagDispute  = "dispute"
)

// Ratings carries the 1–5 scores of a single review. Professionalism
// and fairness are optional.
type Ratings struct {
	Quality         int  `json:"quality"`
	Communication   int  `json:"communication"`
	Professionalism *int `json:"professionalism,omitempty"`
	Fairness        *int `json:"fairness,omitempty"`
}

// Review is one (reviewer, order) review row.
type Review struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"order_id"`
	ReviewerID string      `json:"reviewer_id"`
	SubjectID  string      `json:"subject_id"`
	Ratings    Ratings     `json:"ratings"`
	Comment    string      `json:"comment,omitempty"`
	Flags      []FlagEntry `json:"flags,omitempty"`
	Status     string      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// FlagEntry is one append-only moderation flag.
type FlagEntry struct {
	Flag      string    `json:"flag"`
	Reason    string    `json:"reason,omitempty"`
	FlaggedBy string    `json:"flagged_by,omitempty"`
	FlaggedAt time.Time `json:"flagged_at"`
}

// CurrentFlag returns the authoritative (most recent) flag, or "".
func (r Review) CurrentFlag() string {
	if len(r.Flags) == 0 {
		return ""
	}
	return r.Flags[len(r.Flags)-1].Flag
}
