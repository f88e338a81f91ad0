package modem

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"i4.energy/across/gsmgw/at"
)

// Preferred values for each AT+CNMI parameter, best first. Modes 2, 1 and 3
// buffer or forward indications; mt=1 stores deliveries and signals +CMTI;
// ds=2 stores status reports and signals +CDSI.
var cnmiPreferences = [][]int{
	{2, 1, 3}, // mode
	{1},       // mt
	{0},       // bm
	{2, 0},    // ds
	{0, 1},    // bfr
}

// cnmiRequired is the number of leading parameters without which indications
// are useless.
const cnmiRequired = 2

// Span is an inclusive range of parameter values.
type Span struct{ Lo, Hi int }

// ValueSet is the set of values one parameter accepts.
type ValueSet []Span

// Contains reports whether v is in the set.
func (vs ValueSet) Contains(v int) bool {
	return slices.ContainsFunc(vs, func(s Span) bool { return s.Lo <= v && v <= s.Hi })
}

// ParseRanges parses the parenthesised groups of an AT+CNMI=? reply such as
// "(0-2),(0,1,3),(0),(0-2),(0,1)" into the set of values each allows.
func ParseRanges(s string) ([]ValueSet, error) {
	var groups []ValueSet
	for {
		open := strings.IndexByte(s, '(')
		if open < 0 {
			break
		}
		end := strings.IndexByte(s[open:], ')')
		if end < 0 {
			return nil, protocolError("unbalanced range list %q", s)
		}
		body := s[open+1 : open+end]
		s = s[open+end+1:]

		var set ValueSet
		for item := range strings.SplitSeq(body, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			lo, hi, isRange := strings.Cut(item, "-")
			from, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, protocolError("bad range value %q", item)
			}
			to := from
			if isRange {
				if to, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || to < from {
					return nil, protocolError("bad range value %q", item)
				}
			}
			set = append(set, Span{Lo: from, Hi: to})
		}
		groups = append(groups, set)
	}
	return groups, nil
}

// ChooseIndications picks one value per parameter from the supported ranges
// using the preference lists. It returns false when a required parameter has
// no acceptable value. Optional parameters without a match are dropped along
// with everything after them.
func ChooseIndications(supported []ValueSet) ([]int, bool) {
	var chosen []int
	for i, prefs := range cnmiPreferences {
		if i >= len(supported) {
			break
		}
		idx := slices.IndexFunc(prefs, supported[i].Contains)
		if idx < 0 {
			break
		}
		chosen = append(chosen, prefs[idx])
	}
	return chosen, len(chosen) >= cnmiRequired
}

// enableIndications negotiates AT+CNMI. A false result means the caller must
// fall back to polling the message store.
func (m *Modem) enableIndications(ctx context.Context) bool {
	resp, err := m.Exec(ctx, at.CmdIndicationsQry)
	if err != nil {
		m.logger.Warn("Indication ranges query failed", "error", err)
		return false
	}
	data := resp.Data(at.RespIndications)
	if len(data) == 0 {
		m.logger.Warn("Indication ranges missing from reply", "response", resp.Raw)
		return false
	}
	ranges, err := ParseRanges(data[0])
	if err != nil {
		m.logger.Warn("Indication ranges unparseable", "error", err)
		return false
	}
	values, ok := ChooseIndications(ranges)
	if !ok {
		m.logger.Warn("No acceptable indication mode", "ranges", data[0])
		return false
	}

	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	cmd := fmt.Sprintf("AT+CNMI=%s", strings.Join(parts, ","))
	if err := m.expectOK(ctx, cmd); err != nil {
		m.logger.Warn("Indication setup rejected", "command", cmd, "error", err)
		return false
	}
	return true
}
