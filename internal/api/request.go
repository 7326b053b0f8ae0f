/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/friendsincode/marathon_tracker/internal/reorder"
)

// parseDestination decodes a move body. Exactly one of order, before and
// after must be present; order is an integer, "last" or null.
func parseDestination(body []byte) (reorder.Destination, error) {
	var dest reorder.Destination

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return dest, fmt.Errorf("%w: body must be a JSON object", reorder.ErrMalformedDestination)
	}
	for key, raw := range fields {
		switch key {
		case "order":
			if err := parseOrder(raw, &dest); err != nil {
				return dest, err
			}
		case "before", "after":
			var id string
			if err := json.Unmarshal(raw, &id); err != nil || strings.TrimSpace(id) == "" {
				return dest, fmt.Errorf("%w: %s must be a segment id", reorder.ErrMalformedDestination, key)
			}
			if key == "before" {
				dest.Before = id
			} else {
				dest.After = id
			}
		default:
			return dest, fmt.Errorf("%w: unknown field %q", reorder.ErrMalformedDestination, key)
		}
	}
	return dest, dest.Validate()
}

func parseOrder(raw json.RawMessage, dest *reorder.Destination) error {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		dest.Unschedule = true
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "last" {
			dest.Last = true
			return nil
		}
		return fmt.Errorf("%w: order must be an integer, \"last\" or null", reorder.ErrMalformedDestination)
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("%w: order must be an integer, \"last\" or null", reorder.ErrMalformedDestination)
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		return fmt.Errorf("%w: order must be an integer", reorder.ErrMalformedDestination)
	}
	dest.Order = &v
	return nil
}

// Duration accepts whole seconds, a Go duration ("1h30m") or a clock
// value ("1:30:00", "45:00") and renders as a clock value.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs int64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be seconds or a string")
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(formatClock(time.Duration(d)))
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.Contains(s, ":") {
		return time.ParseDuration(s)
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock duration %q", s)
	}
	var total time.Duration
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid clock duration %q", s)
		}
		total = total*60 + time.Duration(n)
	}
	return total * time.Second, nil
}

func formatClock(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%s%d:%02d:%02d", sign, secs/3600, secs/60%60, secs%60)
}
