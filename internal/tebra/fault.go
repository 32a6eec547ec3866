package tebra

import (
	"fmt"
	"regexp"
	"strings"
)

// Fault is a structured failure from one remote call. It is always
// handled at the call site and surfaced as row/group outcome text,
// never propagated past its phase.
type Fault struct {
	Op      string
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Op, f.Message)
}

const maxFaultLength = 250

var (
	tagRe     = regexp.MustCompile(`<[^>]+>`)
	detailRes = []*regexp.Regexp{
		regexp.MustCompile(`(?s)<ErrorMessage>(.*?)</ErrorMessage>`),
		regexp.MustCompile(`(?s)<Message>(.*?)</Message>`),
		regexp.MustCompile(`(?s)<faultstring[^>]*>(.*?)</faultstring>`),
	}
	rewriteRes = []struct {
		re  *regexp.Regexp
		out string
	}{
		{regexp.MustCompile(`(?i)procedure code\s+'?([A-Za-z0-9.]+)'?\s+(?:is\s+)?(?:not valid|invalid)`), "Invalid procedure code $1"},
		{regexp.MustCompile(`(?i)diagnosis code\s+'?([A-Za-z0-9.]+)'?\s+(?:is\s+)?(?:not valid|invalid)`), "Invalid diagnosis code $1"},
		{regexp.MustCompile(`(?i)modifier\s+'?([A-Za-z0-9]+)'?\s+(?:is\s+)?(?:not valid|invalid)`), "Invalid modifier $1"},
		{regexp.MustCompile(`(?i)unable to find (?:the )?provider\s+'?([^'<.]+)'?`), "Provider not found: $1"},
		{regexp.MustCompile(`(?i)unable to find (?:the )?service location\s+'?([^'<.]+)'?`), "Service location not found: $1"},
	}
)

// ShortMessage reduces a raw remote fault body to one line of readable
// text. Known validation failures are reworded; anything else has its
// markup stripped and is truncated.
func ShortMessage(raw string) string {
	msg := strings.TrimSpace(raw)
	for _, re := range detailRes {
		if m := re.FindStringSubmatch(msg); m != nil {
			msg = strings.TrimSpace(m[1])
			break
		}
	}
	for _, rw := range rewriteRes {
		if rw.re.MatchString(msg) {
			msg = rw.re.ReplaceAllString(rw.re.FindString(msg), rw.out)
			break
		}
	}
	msg = tagRe.ReplaceAllString(msg, " ")
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > maxFaultLength {
		msg = msg[:maxFaultLength] + "..."
	}
	return msg
}
