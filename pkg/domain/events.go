package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/payalb/course-management/pkg/apperrors"
)

type CourseEventType string

const (
	CourseCreated CourseEventType = "COURSE_CREATED"
	CourseUpdated CourseEventType = "COURSE_UPDATED"
)

func (t CourseEventType) Valid() bool {
	return t == CourseCreated || t == CourseUpdated
}

type CourseStatus string

const (
	StatusDraft     CourseStatus = "DRAFT"
	StatusPublished CourseStatus = "PUBLISHED"
	StatusArchived  CourseStatus = "ARCHIVED"
)

func ParseCourseStatus(s string) (CourseStatus, error) {
	switch st := CourseStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusDraft, StatusPublished, StatusArchived:
		return st, nil
	default:
		return "", fmt.Errorf("unknown course status %q", s)
	}
}

// CourseEvent is the bus payload: a full snapshot of the course at emission time.
type CourseEvent struct {
	EventType    CourseEventType `json:"eventType"`
	CourseID     int64           `json:"courseId"`
	CourseName   string          `json:"courseName"`
	Description  string          `json:"description"`
	Price        Money           `json:"price"`
	Tags         []string        `json:"tags"`
	InstructorID int64           `json:"instructorId"`
	Status       CourseStatus    `json:"status"`
	Timestamp    int64           `json:"timestamp"`
}

// Key is the partition key: every event of one course lands on the same partition.
func (e *CourseEvent) Key() string {
	return strconv.FormatInt(e.CourseID, 10)
}

func (e *CourseEvent) OccurredAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

func (e *CourseEvent) Validate() error {
	switch {
	case !e.EventType.Valid():
		return fmt.Errorf("unknown event type %q", e.EventType)
	case e.CourseID <= 0:
		return fmt.Errorf("course id must be positive, got %d", e.CourseID)
	case e.Timestamp <= 0:
		return fmt.Errorf("timestamp must be positive, got %d", e.Timestamp)
	}

	if _, err := ParseCourseStatus(string(e.Status)); err != nil {
		return err
	}

	return nil
}

func EncodeCourseEvent(e *CourseEvent) ([]byte, error) {
	if e.Tags == nil {
		e.Tags = []string{}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, &apperrors.SerializationError{Err: err}
	}

	return data, nil
}

// DecodeCourseEvent tolerates unknown fields so producers can add fields ahead
// of consumers; known fields must still pass Validate.
func DecodeCourseEvent(data []byte) (*CourseEvent, error) {
	var e CourseEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &apperrors.SerializationError{Err: err}
	}

	if err := e.Validate(); err != nil {
		return nil, &apperrors.SerializationError{Err: err}
	}

	return &e, nil
}
