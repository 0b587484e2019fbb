package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/payalb/course-management/pkg/apperrors"
	coursedomain "github.com/payalb/course-management/pkg/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxPage keeps page*size well inside the OFFSET range.
	MaxPage = 1_000_000
)

var ErrCourseNotFound = fmt.Errorf("course %w", apperrors.ErrNotFound)

// CourseView is the denormalized read row. LastEventAt holds the epoch-millis
// timestamp of the newest event folded into it.
type CourseView struct {
	ID           int64                     `json:"id"`
	CourseID     int64                     `json:"courseId"`
	Name         string                    `json:"name"`
	Description  string                    `json:"description"`
	Price        coursedomain.Money        `json:"price"`
	Tags         []string                  `json:"tags"`
	InstructorID int64                     `json:"instructorId"`
	Status       coursedomain.CourseStatus `json:"status"`
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
	LastEventAt  int64                     `json:"lastEventAt"`
}

// FromEvent builds the row an event describes. CreatedAt only sticks on insert.
func FromEvent(e *coursedomain.CourseEvent) *CourseView {
	tags := make([]string, len(e.Tags))
	copy(tags, e.Tags)

	at := e.OccurredAt().UTC()

	return &CourseView{
		CourseID:     e.CourseID,
		Name:         e.CourseName,
		Description:  e.Description,
		Price:        e.Price,
		Tags:         tags,
		InstructorID: e.InstructorID,
		Status:       e.Status,
		CreatedAt:    at,
		UpdatedAt:    at,
		LastEventAt:  e.Timestamp,
	}
}

type Page struct {
	Content    []*CourseView `json:"content"`
	Page       int           `json:"page"`
	Size       int           `json:"size"`
	Total      int64         `json:"totalElements"`
	TotalPages int           `json:"totalPages"`
}

func NewPage(content []*CourseView, page, size int, total int64) *Page {
	if content == nil {
		content = []*CourseView{}
	}

	pages := 0
	if size > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}

	return &Page{
		Content:    content,
		Page:       page,
		Size:       size,
		Total:      total,
		TotalPages: pages,
	}
}

type ListQuery struct {
	Page            int
	Size            int
	IncludeArchived bool
}

func (q ListQuery) Offset() int {
	return q.Page * q.Size
}

// Normalize applies the paging defaults. A negative page is rejected.
func (q ListQuery) Normalize() (ListQuery, error) {
	page, size, err := normalizePaging(q.Page, q.Size)
	if err != nil {
		return q, err
	}

	q.Page, q.Size = page, size
	return q, nil
}

type SearchQuery struct {
	Keyword         string
	MinPrice        *decimal.Decimal
	MaxPrice        *decimal.Decimal
	Page            int
	Size            int
	IncludeArchived bool
}

func (q SearchQuery) Offset() int {
	return q.Page * q.Size
}

func (q SearchQuery) Normalize() (SearchQuery, error) {
	page, size, err := normalizePaging(q.Page, q.Size)
	if err != nil {
		return q, err
	}

	q.Page, q.Size = page, size
	q.Keyword = strings.TrimSpace(q.Keyword)

	fields := make(map[string]string)
	if q.MinPrice != nil && q.MinPrice.IsNegative() {
		fields["minPrice"] = "minPrice must not be negative"
	}
	if q.MaxPrice != nil && q.MaxPrice.IsNegative() {
		fields["maxPrice"] = "maxPrice must not be negative"
	}
	if q.MinPrice != nil && q.MaxPrice != nil && q.MinPrice.GreaterThan(*q.MaxPrice) {
		fields["minPrice"] = "minPrice must not exceed maxPrice"
	}
	if len(fields) > 0 {
		return q, apperrors.NewValidationError(fields)
	}

	return q, nil
}

func normalizePaging(page, size int) (int, int, error) {
	switch {
	case page < 0:
		return 0, 0, apperrors.NewValidationError(map[string]string{"page": "page must not be negative"})
	case page > MaxPage:
		return 0, 0, apperrors.NewValidationError(map[string]string{"page": fmt.Sprintf("page must be at most %d", MaxPage)})
	}

	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}

	return page, size, nil
}
