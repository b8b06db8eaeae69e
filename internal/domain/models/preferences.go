package models

import (
	"fmt"
	"regexp"
	"time"
	_ "time/tzdata" // Time zones resolve in images without zoneinfo

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"raven/internal/domain"
)

// Preference keys accepted by Set
const (
	PrefTimezone     = "timezone"
	PrefLanguage     = "language"
	PrefPersonality  = "personality"
	PrefInstructions = "instructions"
)

// Defaults for authors that never changed a setting
const (
	DefaultTimezone = "UTC"
	DefaultLanguage = "en"
)

const (
	maxPersonalityLength  = 2000
	maxInstructionsLength = 4000
)

var languageCode = regexp.MustCompile(`^[a-z]{2}$`)

// PreferenceKey describes one setting for listings such as /set without arguments.
type PreferenceKey struct {
	Name        string
	Description string
}

// PreferenceKeys lists the settings an author can change, in display order.
var PreferenceKeys = []PreferenceKey{
	{PrefTimezone, "IANA time zone used for dates in replies, e.g. Europe/Berlin"},
	{PrefLanguage, "ISO 639-1 code of the language to reply in, e.g. en"},
	{PrefPersonality, "How the assistant should come across"},
	{PrefInstructions, "Standing instructions for every reply"},
}

// AuthorPreferences are the per-author settings folded into the system prompt.
type AuthorPreferences struct {
	AuthorID     string    `json:"author_id"`
	Timezone     string    `json:"timezone"`
	Language     string    `json:"language"`
	Personality  string    `json:"personality,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DefaultPreferences returns the settings of an author with nothing stored.
func DefaultPreferences(authorID string) *AuthorPreferences {
	return &AuthorPreferences{
		AuthorID: authorID,
		Timezone: DefaultTimezone,
		Language: DefaultLanguage,
	}
}

func (p AuthorPreferences) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.AuthorID, validation.Required),
		validation.Field(&p.Timezone, validation.Required, validation.By(validTimezone)),
		validation.Field(&p.Language, validation.Required,
			validation.Match(languageCode).Error("must be a two-letter ISO 639-1 code")),
		validation.Field(&p.Personality, validation.RuneLength(0, maxPersonalityLength)),
		validation.Field(&p.Instructions, validation.RuneLength(0, maxInstructionsLength)),
	)
}

func validTimezone(value interface{}) error {
	name, _ := value.(string)
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("unknown time zone %q", name)
	}
	return nil
}

// Location returns the author's time zone, UTC when it cannot be loaded.
func (p *AuthorPreferences) Location() *time.Location {
	if p == nil || p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Set changes one setting by key. The result is not validated.
func (p *AuthorPreferences) Set(key, value string) error {
	switch key {
	case PrefTimezone:
		p.Timezone = value
	case PrefLanguage:
		p.Language = value
	case PrefPersonality:
		p.Personality = value
	case PrefInstructions:
		p.Instructions = value
	default:
		return &domain.ValidationError{Message: fmt.Sprintf("unknown setting %q", key)}
	}
	return nil
}

// UpdatePreferencesRequest is a partial update; nil fields are left unchanged.
type UpdatePreferencesRequest struct {
	Timezone     *string `json:"timezone,omitempty"`
	Language     *string `json:"language,omitempty"`
	Personality  *string `json:"personality,omitempty"`
	Instructions *string `json:"instructions,omitempty"`
}

// Apply copies the set fields onto p.
func (r *UpdatePreferencesRequest) Apply(p *AuthorPreferences) {
	if r.Timezone != nil {
		p.Timezone = *r.Timezone
	}
	if r.Language != nil {
		p.Language = *r.Language
	}
	if r.Personality != nil {
		p.Personality = *r.Personality
	}
	if r.Instructions != nil {
		p.Instructions = *r.Instructions
	}
}
