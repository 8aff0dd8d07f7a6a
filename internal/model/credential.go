package model

import "time"

// ExpiryLayout is the on-disk layout of Credential.AccessExpiry,
// e.g. "2026-02-27 09:41AM".
const ExpiryLayout = "2006-01-02 03:04PM"

// Credential is the access/refresh token pair issued by the Hubstaff
// account service. The three fields are always replaced together.
type Credential struct {
	AccessToken  string
	AccessExpiry time.Time
	RefreshToken string
}

// Complete reports whether every field is populated.
func (c Credential) Complete() bool {
	return c.AccessToken != "" && c.RefreshToken != "" && !c.AccessExpiry.IsZero()
}

// ExpiresWithin reports whether the access token expires before now+lead.
func (c Credential) ExpiresWithin(now time.Time, lead time.Duration) bool {
	return now.Add(lead).After(c.AccessExpiry)
}

// Identifiers are the Hubstaff user and organization the daemon reports on.
type Identifiers struct {
	UserID         int64
	OrganizationID int64
}

// ActivitySnapshot is the billable total for one calendar day.
type ActivitySnapshot struct {
	Date            time.Time
	BillableSeconds int64
}
