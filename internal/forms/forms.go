// Package forms holds the event-registration data model shared by the API
// server and the console: forms, registrations and their input types.
package forms

import (
	"strings"
	"time"
)

type Icon string

const (
	IconUsers    Icon = "users"
	IconMic      Icon = "mic"
	IconBookOpen Icon = "book-open"
	IconCalendar Icon = "calendar"
)

type Color string

const (
	ColorOrange Color = "orange"
	ColorPurple Color = "purple"
	ColorBlue   Color = "blue"
	ColorGreen  Color = "green"
	ColorRed    Color = "red"
)

var (
	Icons  = []Icon{IconUsers, IconMic, IconBookOpen, IconCalendar}
	Colors = []Color{ColorOrange, ColorPurple, ColorBlue, ColorGreen, ColorRed}
)

const (
	MaxTitleLength = 50
	MaxRating      = 5

	cloneSuffix = " (Копия)"
)

type Form struct {
	ID              string    `json:"id" yaml:"id"`
	Title           string    `json:"title" yaml:"title"`
	CreatedAt       time.Time `json:"createdAt" yaml:"createdAt"`
	SubmissionCount int       `json:"submissionCount" yaml:"submissionCount"`
	LastUpdated     time.Time `json:"lastUpdated" yaml:"lastUpdated"`
	Icon            Icon      `json:"icon" yaml:"icon"`
	Color           Color     `json:"color" yaml:"color"`
	OwnerID         string    `json:"ownerId" yaml:"ownerId"`
	Rating          float64   `json:"rating" yaml:"rating"`
}

type Registration struct {
	ID          string    `json:"id"`
	FormID      string    `json:"formId"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Draft is the caller-supplied part of a new form. Timestamps, the id and the
// submission counter are assigned by the store.
type Draft struct {
	Title   string  `json:"title" validate:"required,max=50"`
	Icon    Icon    `json:"icon" validate:"oneof=users mic book-open calendar"`
	Color   Color   `json:"color" validate:"oneof=orange purple blue green red"`
	OwnerID string  `json:"ownerId"`
	Rating  float64 `json:"rating" validate:"gte=0,lte=5"`
}

// Patch carries the fields an update may change; nil fields are left alone.
type Patch struct {
	Title *string `json:"title,omitempty" validate:"omitempty,max=50"`
	Icon  *Icon   `json:"icon,omitempty" validate:"omitempty,oneof=users mic book-open calendar"`
	Color *Color  `json:"color,omitempty" validate:"omitempty,oneof=orange purple blue green red"`
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Icon == nil && p.Color == nil
}

// Submission is a public visitor's registration input.
type Submission struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

// Normalize trims the title and fills in the default icon and color.
func (d Draft) Normalize() Draft {
	d.Title = strings.TrimSpace(d.Title)
	if d.Icon == "" {
		d.Icon = IconUsers
	}
	if d.Color == "" {
		d.Color = ColorOrange
	}
	return d
}

func (p Patch) Normalize() Patch {
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		p.Title = &title
	}
	return p
}

func (s Submission) Normalize() Submission {
	s.Name = strings.TrimSpace(s.Name)
	s.Email = strings.TrimSpace(s.Email)
	return s
}

// CloneTitle derives the title of a copy. The result is not shortened; a
// copy of a long title fails draft validation like any other long title.
func CloneTitle(source string) string {
	return strings.TrimSpace(source) + cloneSuffix
}

// CloneDraft builds the draft for a copy of f owned by ownerID. The copy
// starts with a zero submission count and no rating.
func CloneDraft(f Form, ownerID string) Draft {
	return Draft{
		Title:   CloneTitle(f.Title),
		Icon:    f.Icon,
		Color:   f.Color,
		OwnerID: ownerID,
	}
}

// Apply returns f with the patch fields copied in.
func (p Patch) Apply(f Form) Form {
	if p.Title != nil {
		f.Title = *p.Title
	}
	if p.Icon != nil {
		f.Icon = *p.Icon
	}
	if p.Color != nil {
		f.Color = *p.Color
	}
	return f
}
