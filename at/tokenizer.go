package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings, tolerates bare CR or LF endings
// and also recognizes the SMS input prompt ("> ").
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match SMS Prompt
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	// 2. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		if j := bytes.IndexAny(data[:i], "\r\n"); j >= 0 {
			return j + 1, data[0:j], nil
		}
		return i + len(CRLF), data[0:i], nil
	}

	// 3. Bare CR or LF
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' && i == len(data)-1 && !atEOF {
			// Might be the first half of a CRLF pair.
			return 0, nil, nil
		}
		return i + 1, data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Lines splits a response block into its non-empty, trimmed lines.
func Lines(block string) []string {
	scanner := bufio.NewScanner(strings.NewReader(block))
	scanner.Buffer(make([]byte, 0, 1024), 64*1024)
	scanner.Split(Splitter)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Classify identifies the nature of the modem output
func Classify(line string) ResponseType {
	if line == Prompt || strings.TrimSpace(line) == ">" {
		return TypePrompt
	}
	t, ok := MatchTerminator(line)
	switch {
	case !ok:
		return TypeData
	case t.Unsolicited():
		return TypeURC
	default:
		return TypeFinal
	}
}
