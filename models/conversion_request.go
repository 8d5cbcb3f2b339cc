package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ConversionRequest is the JSON body of POST /api/convert/image.
type ConversionRequest struct {
	FileID  string  `json:"fileId"`
	Format  string  `json:"format"`
	Quality FlexInt `json:"quality"`
	Width   FlexInt `json:"width"`
	Height  FlexInt `json:"height"`
}

// FlexInt accepts a JSON number or a numeric string. Anything else
// (null, booleans, "abc") decodes to 0, which callers treat as absent.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	*f = 0
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	var s string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
	} else {
		s = string(b)
	}

	// Mirror parseInt: leading integer part wins ("80.5" -> 80, "12px" -> 12)
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
		end++
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return nil
	}
	if n > math.MaxInt32 {
		n = math.MaxInt32
	} else if n < math.MinInt32 {
		n = math.MinInt32
	}
	*f = FlexInt(n)
	return nil
}

// Int returns the plain int value.
func (f FlexInt) Int() int { return int(f) }
