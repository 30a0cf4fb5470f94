package serialmux

import "strings"

const (
	LineTelemetry = "telemetry"
	LineComment   = "comment"
	LineBlank     = "blank"
	LineUnknown   = "unknown"
)

// ClassifyLine sorts a decoder output line. Decoders print one JSON object
// per frame; lines starting with '#' are diagnostics.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return LineBlank
	case strings.HasPrefix(line, "#"):
		return LineComment
	case strings.HasPrefix(line, "{"):
		return LineTelemetry
	}
	return LineUnknown
}
