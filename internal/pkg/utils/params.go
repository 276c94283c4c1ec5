package utils

import (
	"strconv"
	"strings"
	"time"
)

// ParamTrue - returns true if string param indicates true value
func ParamTrue(prm string) bool {
	return strings.ToLower(prm) == "true" || prm == "1"
}

// ParamInt parses a non negative int, returns def for empty value
func ParamInt(name, prm string, def int) (int, error) {
	if strings.TrimSpace(prm) == "" {
		return def, nil
	}
	res, err := strconv.Atoi(strings.TrimSpace(prm))
	if err != nil {
		return 0, NewErrBadParam(name, err)
	}
	if res < 0 {
		return 0, NewErrBadParam(name, strconv.ErrRange)
	}
	return res, nil
}

// ParamID parses a positive id
func ParamID(name, prm string) (int64, error) {
	res, err := strconv.ParseInt(strings.TrimSpace(prm), 10, 64)
	if err != nil {
		return 0, NewErrBadParam(name, err)
	}
	if res <= 0 {
		return 0, NewErrBadParam(name, strconv.ErrRange)
	}
	return res, nil
}

// ParamTime parses RFC3339 time, returns nil for empty value
func ParamTime(name, prm string) (*time.Time, error) {
	if strings.TrimSpace(prm) == "" {
		return nil, nil
	}
	res, err := time.Parse(time.RFC3339, strings.TrimSpace(prm))
	if err != nil {
		return nil, NewErrBadParam(name, err)
	}
	return &res, nil
}
