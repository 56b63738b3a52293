package storage

import (
	"fmt"
	"time"
)

const timeFormat = time.RFC3339Nano

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullableTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeFormat)
}

// Screenshot is a single captured frame (spec §3 "Screenshot").
type Screenshot struct {
	ID          int64
	FilePath    string
	FileHash    string
	Width       int
	Height      int
	ScreenID    int
	AppName     string
	WindowTitle string
	CreatedAt   time.Time
	FileDeleted bool
	EventID     *int64
}

// OCRResult is the 1:1 recognition output for a Screenshot (spec §3
// "OCRResult"). A Screenshot is "processed" iff a matching row exists.
type OCRResult struct {
	ID              int64
	ScreenshotID    int64
	TextContent     string
	TextHash        *string
	Confidence      float64
	Language        string
	ProcessingTime  float64
	CreatedAt       time.Time
}

// Event is a contiguous span of activity on one app/window (spec §3
// "Event"). EndTime nil means the event is still active.
type Event struct {
	ID          int64
	AppName     string
	WindowTitle string
	StartTime   time.Time
	EndTime     *time.Time
	AITitle     *string
	AISummary   *string
}

// Activity is an aggregated, summarized time window over one or more
// Events (spec §3 "Activity").
type Activity struct {
	ID         int64
	StartTime  time.Time
	EndTime    time.Time
	AITitle    string
	AISummary  string
	EventCount int
}

// Todo is a user- or detector-created task (spec §3 "Todo").
type Todo struct {
	ID              int64
	Name            string
	Description     string
	Status          string
	Due             *time.Time
	StartTime       *time.Time
	Deadline        *time.Time
	DTStart         *time.Time
	ItemType        string
	ReminderOffsets []int
	UserNotes       string
	Priority        int
	Tags            []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Todo status values (spec §3 "Todo").
const (
	TodoStatusDraft    = "draft"
	TodoStatusActive   = "active"
	TodoStatusDone     = "done"
	TodoStatusArchived = "archived"
)

// Todo item types (spec §3 "Todo").
const (
	TodoItemVTODO = "VTODO"
	TodoItemVEVENT = "VEVENT"
)

// TokenUsage is an append-only LLM call accounting record (spec §3
// "TokenUsage").
type TokenUsage struct {
	ID           int64
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Endpoint     string
	FeatureType  string
	CreatedAt    time.Time
	InputCost    float64
	OutputCost   float64
	TotalCost    float64
}

// Notification is a durable, user-dismissible alert (supplemented from
// original_source's notifications router — the reminder planner's fire
// function needs somewhere durable to write).
type Notification struct {
	ID        int64
	Title     string
	Body      string
	Source    string
	Dismissed bool
	CreatedAt time.Time
}
