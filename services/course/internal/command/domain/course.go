package domain

import (
	"fmt"
	"time"

	"github.com/payalb/course-management/pkg/apperrors"
	coursedomain "github.com/payalb/course-management/pkg/domain"
	"github.com/shopspring/decimal"
)

var ErrCourseNotFound = fmt.Errorf("course %w", apperrors.ErrNotFound)

// Course is the aggregate owned by the command side.
type Course struct {
	ID           int64                     `db:"id" json:"id"`
	Name         string                    `db:"name" json:"name"`
	Description  string                    `db:"description" json:"description"`
	Price        decimal.Decimal           `db:"price" json:"price"`
	Tags         []string                  `db:"tags" json:"tags"`
	InstructorID int64                     `db:"instructor_id" json:"instructorId"`
	Status       coursedomain.CourseStatus `db:"status" json:"status"`
	CreatedAt    time.Time                 `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time                 `db:"updated_at" json:"updatedAt"`
}

type CreateCourseInput struct {
	Name         string             `json:"name" validate:"required,min=3,max=100"`
	Description  string             `json:"description" validate:"max=500"`
	Price        coursedomain.Money `json:"price" validate:"gt=0,price"`
	Tags         []string           `json:"tags" validate:"omitempty,dive,required,max=50"`
	InstructorID int64              `json:"instructorId" validate:"required,gt=0"`
}

// UpdateCourseInput carries only the fields to overwrite; nil means untouched.
type UpdateCourseInput struct {
	Name        *string             `json:"name" validate:"omitempty,min=3,max=100"`
	Description *string             `json:"description" validate:"omitempty,max=500"`
	Price       *coursedomain.Money `json:"price" validate:"omitempty,gt=0,price"`
	Tags        *[]string           `json:"tags" validate:"omitempty,dive,required,max=50"`
	Status      *string             `json:"status" validate:"omitempty,oneof=DRAFT PUBLISHED ARCHIVED"`
}

func NewCourse(in *CreateCourseInput, now time.Time) *Course {
	return &Course{
		Name:         in.Name,
		Description:  in.Description,
		Price:        in.Price.Decimal,
		Tags:         dedupeTags(in.Tags),
		InstructorID: in.InstructorID,
		Status:       coursedomain.StatusDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Apply overwrites the fields present in in.
func (c *Course) Apply(in *UpdateCourseInput, now time.Time) error {
	if in.Name != nil {
		c.Name = *in.Name
	}
	if in.Description != nil {
		c.Description = *in.Description
	}
	if in.Price != nil {
		c.Price = in.Price.Decimal
	}
	if in.Tags != nil {
		c.Tags = dedupeTags(*in.Tags)
	}
	if in.Status != nil {
		status, err := coursedomain.ParseCourseStatus(*in.Status)
		if err != nil {
			return apperrors.NewValidationError(map[string]string{"status": err.Error()})
		}
		c.Status = status
	}

	c.UpdatedAt = now
	return nil
}

// Archive soft-deletes the course.
func (c *Course) Archive(now time.Time) error {
	if c.Status == coursedomain.StatusArchived {
		return apperrors.Conflictf("course %d is already archived", c.ID)
	}

	c.Status = coursedomain.StatusArchived
	c.UpdatedAt = now
	return nil
}

// Restore brings an archived course back as a draft.
func (c *Course) Restore(now time.Time) error {
	if c.Status != coursedomain.StatusArchived {
		return apperrors.Conflictf("can only restore archived courses, current status: %s", c.Status)
	}

	c.Status = coursedomain.StatusDraft
	c.UpdatedAt = now
	return nil
}

// NextEventTime returns now, moved forward when needed so that the event it
// stamps is at least one millisecond newer than the last one for this course.
func (c *Course) NextEventTime(now time.Time) time.Time {
	last := c.UpdatedAt.Truncate(time.Millisecond)
	if now.Truncate(time.Millisecond).After(last) {
		return now
	}
	return last.Add(time.Millisecond)
}

// Event snapshots the course into the bus payload.
func (c *Course) Event(eventType coursedomain.CourseEventType, at time.Time) *coursedomain.CourseEvent {
	tags := make([]string, len(c.Tags))
	copy(tags, c.Tags)

	return &coursedomain.CourseEvent{
		EventType:    eventType,
		CourseID:     c.ID,
		CourseName:   c.Name,
		Description:  c.Description,
		Price:        coursedomain.NewMoney(c.Price),
		Tags:         tags,
		InstructorID: c.InstructorID,
		Status:       c.Status,
		Timestamp:    at.UnixMilli(),
	}
}

// tags form a set; first occurrence wins the position.
func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
