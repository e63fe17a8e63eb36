package domain

import (
	"fmt"
	"strings"
	"time"
)

// Theme is the colour scheme of the page.
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

// ParseTheme accepts "dark" or "light" in any case.
func ParseTheme(s string) (Theme, error) {
	switch Theme(strings.ToLower(strings.TrimSpace(s))) {
	case ThemeDark:
		return ThemeDark, nil
	case ThemeLight:
		return ThemeLight, nil
	default:
		return "", fmt.Errorf("unknown theme %q", s)
	}
}

// Opposite returns the other theme.
func (t Theme) Opposite() Theme {
	if t == ThemeLight {
		return ThemeDark
	}
	return ThemeLight
}

// ThemePreference is an explicitly chosen theme for a visitor.
type ThemePreference struct {
	VisitorID string
	Theme     Theme
	UpdatedAt time.Time
}
