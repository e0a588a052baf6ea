package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Window is a trailing training span in years. WindowAll means the full history.
type Window int

// WindowAll selects every available period.
const WindowAll Window = 0

// Years returns the span in years, 0 for WindowAll.
func (w Window) Years() int {
	return int(w)
}

// String returns the window as used in artifact names: the year count or "all".
func (w Window) String() string {
	if w == WindowAll {
		return "all"
	}
	return strconv.Itoa(int(w))
}

// ParseWindow parses "all", "" or a positive year count.
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "all" {
		return WindowAll, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return WindowAll, fmt.Errorf("invalid window %q", s)
	}
	return Window(n), nil
}

// MarshalJSON renders an integer year count or the literal "all".
func (w Window) MarshalJSON() ([]byte, error) {
	if w == WindowAll {
		return []byte(`"all"`), nil
	}
	return []byte(strconv.Itoa(int(w))), nil
}

// UnmarshalJSON accepts a number, a quoted number, "all" or null.
func (w *Window) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*w = WindowAll
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseWindow(s)
		if err != nil {
			return err
		}
		*w = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid window: %w", err)
	}
	parsed, err := ParseWindow(strconv.Itoa(n))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Value stores the window as text so "all" survives a round trip.
func (w Window) Value() (driver.Value, error) {
	return w.String(), nil
}

// Scan reads a window stored by Value, or a bare integer.
func (w *Window) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*w = WindowAll
		return nil
	case int64:
		*w = Window(v)
		return nil
	case string:
		parsed, err := ParseWindow(v)
		if err != nil {
			return err
		}
		*w = parsed
		return nil
	case []byte:
		parsed, err := ParseWindow(string(v))
		if err != nil {
			return err
		}
		*w = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Window", src)
	}
}

// GormDataType keeps the column textual.
func (Window) GormDataType() string {
	return "text"
}
