package at

import (
	"regexp"
	"strconv"
	"strings"
)

// Terminator is one entry of the ordered pattern table that ends a response
// block. Patterns are anchored and evaluated against a single trimmed line.
type Terminator struct {
	Name    string
	Pattern *regexp.Regexp
	// Event is EventNone for solicited terminators.
	Event EventKind
	// Trailer marks replies that some modems follow with a stray OK, which
	// the reader should absorb when it arrives promptly.
	Trailer bool
}

// Unsolicited reports whether the terminator belongs to the unsolicited suffix
// of the table.
func (t Terminator) Unsolicited() bool {
	return t.Event != EventNone
}

var (
	reCME     = regexp.MustCompile(`\+CME ERROR: *(\d+)`)
	reCMS     = regexp.MustCompile(`\+CMS ERROR: *(\d+)`)
	reNumeric = regexp.MustCompile(`(?m)^ERROR: *(\d+)\s*$`)
	reOK      = regexp.MustCompile(`(?m)^OK\s*$`)
	reError   = regexp.MustCompile(`(?m)^(ERROR|NO CARRIER|NO DIALTONE|BUSY|NO ANSWER)\s*$`)
	rePrompt  = regexp.MustCompile(`(?m)^>\s?$`)
)

// Terminators is the ordered terminator table. The first match wins; the
// unsolicited entries are always last.
var Terminators = []Terminator{
	{Name: "ok", Pattern: regexp.MustCompile(`^OK$`)},
	{Name: "prompt", Pattern: regexp.MustCompile(`^>\s?$`)},
	{Name: "error", Pattern: regexp.MustCompile(`^ERROR$`)},
	{Name: "no-carrier", Pattern: regexp.MustCompile(`^NO CARRIER$`)},
	{Name: "no-dialtone", Pattern: regexp.MustCompile(`^NO DIALTONE$`)},
	{Name: "busy", Pattern: regexp.MustCompile(`^BUSY$`)},
	{Name: "no-answer", Pattern: regexp.MustCompile(`^NO ANSWER$`)},
	{Name: "numeric-error", Pattern: regexp.MustCompile(`^ERROR: *\d+$`)},
	{Name: "cme-error", Pattern: regexp.MustCompile(`^\+CME ERROR: *.*$`)},
	{Name: "cms-error", Pattern: regexp.MustCompile(`^\+CMS ERROR: *.*$`)},
	{Name: "sim-pin", Pattern: regexp.MustCompile(`^\+CPIN: *(SIM PIN2?|SIM PUK2?|PH-SIM PIN)$`), Trailer: true},

	{Name: "new-message", Pattern: regexp.MustCompile(`^\+CMTI: *.*$`), Event: EventInboundMessage},
	{Name: "new-status-report", Pattern: regexp.MustCompile(`^\+CDSI: *.*$`), Event: EventStatusReport},
	{Name: "ring", Pattern: regexp.MustCompile(`^(RING|\+CRING: *.*)$`), Event: EventRing},
	{Name: "caller-id", Pattern: regexp.MustCompile(`^\+CLIP: *.*$`), Event: EventCallerID},
	{Name: "ussd", Pattern: regexp.MustCompile(`^\+CUSD: *.*$`), Event: EventUSSD},
}

// MatchTerminator returns the first terminator matching line.
func MatchTerminator(line string) (Terminator, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Terminator{}, false
	}
	for _, t := range Terminators {
		if t.Pattern.MatchString(line) {
			return t, true
		}
	}
	return Terminator{}, false
}

// ErrorCode maps a solicited response block into the gateway error namespace:
// -1 empty, 0 OK, 5000+n CME, 6000+n CMS, 9000 generic error, 10000 otherwise.
func ErrorCode(block string) int {
	if strings.TrimSpace(block) == "" {
		return CodeInvalid
	}
	if m := reCME.FindStringSubmatch(block); m != nil {
		return offset(CodeCMEBase, m[1])
	}
	if m := reCMS.FindStringSubmatch(block); m != nil {
		return offset(CodeCMSBase, m[1])
	}
	if reNumeric.MatchString(block) || reError.MatchString(block) ||
		strings.Contains(block, CmeError) || strings.Contains(block, CmsError) {
		return CodeGeneric
	}
	if reOK.MatchString(block) || rePrompt.MatchString(block) {
		return CodeOK
	}
	for _, line := range Lines(block) {
		if t, ok := MatchTerminator(line); ok && !t.Unsolicited() {
			return CodeOK
		}
	}
	return CodeUnrecognized
}

func offset(base int, digits string) int {
	n, err := strconv.Atoi(digits)
	if err != nil {
		return CodeGeneric
	}
	return base + n
}
