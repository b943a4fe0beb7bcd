package model

import "time"

// Extension is a per-user, per-assignment override of the base quota window.
// While active it takes priority over, and does not combine with, the base
// assignment quota.
type Extension struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	NetID        string `json:"net_id"`

	QuotaAmount int         `json:"quota_amount"`
	QuotaPeriod QuotaPeriod `json:"quota_period"`

	OpenAt  time.Time `json:"open_at"`
	CloseAt time.Time `json:"close_at"`

	CreatedAt time.Time `json:"created_at"`
}

// ActiveAt returns true if now falls within the extension's validity window.
func (e *Extension) ActiveAt(now time.Time) bool {
	return !now.Before(e.OpenAt) && now.Before(e.CloseAt)
}
