//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

const (
	// DefaultListLimit is the page size used when a listing does not set one.
	DefaultListLimit = 50
	// MaxListLimit caps the page size of a listing.
	MaxListLimit = 1000
)

// JobListOptions groups parameters for listing an owner's jobs with optional filters.
type JobListOptions struct {
	OwnerID *string    // Optional owner scope; nil lists every owner (admin view)
	Status  *JobStatus // Optional filter by status
	Type    *JobType   // Optional filter by type
	Limit   int        // Pagination limit
	Offset  int        // Pagination offset
}

// Normalize clamps pagination to the supported range.
func (o *JobListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// JobPage is one page of a job listing together with the unpaginated total.
type JobPage struct {
	Items []*JobView `json:"items"`
	Total int        `json:"total"`
}
