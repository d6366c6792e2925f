package shared

// Page sizes applied to list endpoints.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page is a clamped limit/offset window.
type Page struct {
	Limit  int
	Offset int
}

// NewPage clamps limit into (0, MaxPageSize] and offset to >= 0.
func NewPage(limit, offset int) Page {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}
