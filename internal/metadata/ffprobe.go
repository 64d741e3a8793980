package metadata

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/five82/vbc/internal/domain"
)

// ffprobeStream/ffprobeFormat mirror the subset of ffprobe's JSON output
// this adapter needs.
type ffprobeStream struct {
	CodecType     string            `json:"codec_type"`
	CodecName     string            `json:"codec_name"`
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	AvgFrameRate  string            `json:"avg_frame_rate"`
	Duration      string            `json:"duration"`
	DurationTS    json.Number       `json:"duration_ts"`
	TimeBase      string            `json:"time_base"`
	BitRate       string            `json:"bit_rate"`
	ColorSpace    string            `json:"color_space"`
	Tags          map[string]string `json:"tags"`
}

type ffprobeFormat struct {
	Duration string            `json:"duration"`
	BitRate  string            `json:"bit_rate"`
	Size     string            `json:"size"`
	Tags     map[string]string `json:"tags"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

// Probe runs ffprobe against path and returns normalized stream metadata,
// resolving the duration through a six-level fallback chain since many
// containers omit it from the obvious field.
func Probe(path string) (domain.Metadata, error) {
	cmd := exec.Command("ffprobe", "-v", "quiet", "-print_format", "json", "-show_streams", "-show_format", path)
	out, err := cmd.Output()
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return domain.Metadata{}, fmt.Errorf("ffprobe output for %s: %w", path, err)
	}

	var video *ffprobeStream
	for i := range parsed.Streams {
		if parsed.Streams[i].CodecType == "video" {
			video = &parsed.Streams[i]
			break
		}
	}
	if video == nil {
		return domain.Metadata{}, fmt.Errorf("no video stream found in %s", path)
	}

	return domain.Metadata{
		Width:      video.Width,
		Height:     video.Height,
		Codec:      NormalizeCodec(firstNonEmpty(video.CodecName, "unknown")),
		FPS:        parseFPS(video.AvgFrameRate),
		Duration:   resolveDuration(parsed.Format, *video),
		ColorSpace: video.ColorSpace,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseFPS(raw string) float64 {
	if raw == "" {
		return 0
	}
	if strings.Contains(raw, "/") {
		parts := strings.SplitN(raw, "/", 2)
		num, err1 := strconv.ParseFloat(parts[0], 64)
		den, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil || den == 0 {
			return 0
		}
		candidate := num / den
		if candidate <= 240 {
			return roundFloat(candidate)
		}
		return 0
	}
	candidate, err := strconv.ParseFloat(raw, 64)
	if err != nil || candidate > 240 {
		return 0
	}
	return roundFloat(candidate)
}

func roundFloat(v float64) float64 {
	if v < 0 {
		return float64(int64(v - 0.5))
	}
	return float64(int64(v + 0.5))
}

func toFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// parseDurationTag parses a DURATION tag in either seconds or HH:MM:SS(.ff)
// form.
func parseDurationTag(raw string) float64 {
	text := strings.TrimSpace(raw)
	if text == "" {
		return 0
	}
	if v, err := strconv.ParseFloat(text, 64); err == nil {
		return v
	}
	if strings.Contains(text, ":") {
		parts := strings.Split(text, ":")
		vals := make([]float64, 0, len(parts))
		for _, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return 0
			}
			vals = append(vals, v)
		}
		switch len(vals) {
		case 2:
			return vals[0]*60 + vals[1]
		case 3:
			return vals[0]*3600 + vals[1]*60 + vals[2]
		}
	}
	return 0
}

// parseTimeBaseDuration computes duration_ts * (num/den) from time_base.
func parseTimeBaseDuration(durationTS json.Number, timeBase string) float64 {
	if durationTS == "" || !strings.Contains(timeBase, "/") {
		return 0
	}
	parts := strings.SplitN(timeBase, "/", 2)
	num, den := toFloat(parts[0]), toFloat(parts[1])
	if den == 0 {
		return 0
	}
	ticks := toFloat(durationTS.String())
	if ticks <= 0 {
		return 0
	}
	return ticks * (num / den)
}

func resolveDuration(format ffprobeFormat, video ffprobeStream) float64 {
	if d := toFloat(format.Duration); d > 0 {
		return d
	}
	if format.Tags != nil {
		if d := parseDurationTag(firstNonEmpty(format.Tags["DURATION"], format.Tags["duration"])); d > 0 {
			return d
		}
	}
	if d := toFloat(video.Duration); d > 0 {
		return d
	}
	if video.Tags != nil {
		if d := parseDurationTag(firstNonEmpty(video.Tags["DURATION"], video.Tags["duration"])); d > 0 {
			return d
		}
	}
	if d := parseTimeBaseDuration(video.DurationTS, video.TimeBase); d > 0 {
		return d
	}
	bitRate := toFloat(firstNonEmpty(format.BitRate, video.BitRate))
	size := toFloat(format.Size)
	if bitRate > 0 && size > 0 {
		return (size * 8) / bitRate
	}
	return 0
}
