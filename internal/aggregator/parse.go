package aggregator

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

func limitReader(r io.Reader) io.Reader {
	return io.LimitReader(r, maxBodyBytes)
}

// ExtractCandidates pulls host:port tokens out of free-form text or CSV.
//
// Lines that are blank or start with '#' are ignored. Tokens are separated by
// whitespace and commas; a token is kept when it has a host and an all-digit port.
// A bare host followed by an all-digit token (an "ip,port" CSV row) is paired up.
func ExtractCandidates(text string) []string {
	candidates, _ := ExtractFromReader(strings.NewReader(text))
	return candidates
}

func ExtractFromReader(r io.Reader) ([]string, error) {
	candidates := make([]string, 0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		candidates = append(candidates, extractLine(scanner.Text())...)
	}

	if err := scanner.Err(); err != nil {
		return candidates, fmt.Errorf("scan: %w", err)
	}
	return candidates, nil
}

// ExtractFromHTML flattens every table row into a comma-joined line and scans it.
func ExtractFromHTML(r io.Reader) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	candidates := make([]string, 0)
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td").Map(func(_ int, cell *goquery.Selection) string {
			return strings.TrimSpace(cell.Text())
		})
		if len(cells) == 0 {
			return
		}
		candidates = append(candidates, extractLine(strings.Join(cells, ","))...)
	})

	// lists published inside <pre> or <textarea> blocks
	doc.Find("pre, textarea").Each(func(_ int, block *goquery.Selection) {
		candidates = append(candidates, ExtractCandidates(block.Text())...)
	})

	return candidates, nil
}

func extractLine(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	tokens := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';' || r == '|'
	})

	out := make([]string, 0, 1)
	for i := 0; i < len(tokens); i++ {
		token := stripScheme(tokens[i])

		if idx := strings.LastIndexByte(token, ':'); idx >= 0 {
			host, port := token[:idx], token[idx+1:]
			if host != "" && isDigits(port) {
				out = append(out, host+":"+port)
			}
			continue
		}

		if i+1 < len(tokens) && looksLikeHost(token) && isDigits(tokens[i+1]) {
			out = append(out, token+":"+tokens[i+1])
			i++
		}
	}
	return out
}

func stripScheme(token string) string {
	if idx := strings.Index(token, "://"); idx >= 0 {
		token = token[idx+3:]
	}
	return strings.TrimSuffix(token, "/")
}

func looksLikeHost(token string) bool {
	return strings.Contains(token, ".") && !strings.ContainsAny(token, "/=")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
