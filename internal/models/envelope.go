package models

// Envelope is the response wrapper returned by every remote endpoint.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// PaginationMeta describes one page of a list endpoint.
type PaginationMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Page is the response of a list endpoint.
type Page[T any] struct {
	Data []T            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

// HasNext reports whether another page follows.
func (p *Page[T]) HasNext() bool {
	return p.Meta.Page < p.Meta.TotalPages
}
