package handler // handler defines http handlers

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/labstack/echo/v4"
)

// getPassengerID extracts the authenticated passenger id from the echo
// context. The id is the JWT subject issued by the external identity
// provider and is treated as an opaque string.
func getPassengerID(c echo.Context) (string, error) {
	v := c.Get("user_id")
	switch t := v.(type) {
	case string:
		if t != "" {
			return t, nil
		}
	case float64: // numeric subjects decode as float64 from JSON claims
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	}
	return "", errors.New("invalid user_id in context")
}

// getRole returns the role claim, or empty when unauthenticated.
func getRole(c echo.Context) string {
	if role, ok := c.Get("role").(string); ok {
		return role
	}
	return ""
}

// pathID parses a numeric path parameter, rejecting zero.
func pathID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// sortedKeys returns a map's keys in seat-label order, shortest label
// first so "2A" sorts before "10A".
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// indexToRowLabel converts a zero-based index to an alphabetical row
// label like A, B, AA. Used when generating seat labels for a new trip.
func indexToRowLabel(i int) string {
	if i < 0 {
		return ""
	}
	res := []rune{}
	for {
		rem := i % 26
		res = append(res, rune('A'+rem))
		i = i/26 - 1
		if i < 0 {
			break
		}
	}
	for j, k := 0, len(res)-1; j < k; j, k = j+1, k-1 {
		res[j], res[k] = res[k], res[j]
	}
	return string(res)
}
