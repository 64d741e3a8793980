package metadata

import (
	"fmt"
	"strings"
)

// NormalizeCodec maps a raw codec tag (FourCC-ish or ffprobe codec_name) to
// the short names the rest of the pipeline matches against ("hevc",
// "av1", ...).
func NormalizeCodec(raw string) string {
	switch strings.ToLower(raw) {
	case "avc1", "h264":
		return "h264"
	case "hvc1", "hev1", "hevc":
		return "hevc"
	case "av01", "av1":
		return "av1"
	case "vp09", "vp9":
		return "vp9"
	case "vp08", "vp8":
		return "vp8"
	case "":
		return "unknown"
	default:
		return strings.ToLower(raw)
	}
}

// mtsVendorIDs maps the numeric HandlerVendorID tag some MTS/AVCHD camera
// files carry to a human vendor name.
var mtsVendorIDs = map[string]string{
	"259": "Panasonic",
	"258": "Sony",
	"257": "Canon",
	"260": "JVC",
}

// cameraTagGroups lists, in priority order, the alias sets ExtractCameraRaw
// searches: model aliases first, then make, then handler-vendor-ID, then
// platform. Within a group the first tag present with a non-empty value
// wins.
var cameraTagGroups = [][]string{
	{
		"EXIF:Model", "QuickTime:Model", "Model", "CameraModelName",
		"XMP:CameraModelName", "DeviceModelName", "QuickTime:DeviceModelName",
		"H264:Model", "M2TS:Model",
	},
	{"EXIF:Make", "QuickTime:Make", "Make", "XMP:Make", "H264:Make", "M2TS:Make"},
	{"QuickTime:HandlerVendorID", "HandlerVendorID", "HandlerVendorId"},
	{"Platform"},
}

// ExtractCameraRaw resolves the camera/vendor identity from a raw EXIF tag
// dump, trying each alias group in order and mapping known MTS vendor IDs
// to names.
func ExtractCameraRaw(tags map[string]any) string {
	for _, group := range cameraTagGroups {
		for _, tag := range group {
			v, ok := tags[tag]
			if !ok || v == nil {
				continue
			}
			s := strings.TrimSpace(toString(v))
			if s == "" {
				continue
			}
			if name, mapped := mtsVendorIDs[s]; mapped {
				return name
			}
			return s
		}
	}
	return ""
}

// IsVBCEncoded scans tag keys for a case-insensitive "vbcencoder"/
// "vbc encoder" marker left by a previous provenance write.
func IsVBCEncoded(tags map[string]any) bool {
	for key := range tags {
		k := strings.ToLower(key)
		if strings.Contains(k, "vbcencoder") || strings.Contains(k, "vbc encoder") {
			return true
		}
	}
	return false
}

// MatchDynamicCQ resolves the dynamic-CQ override for a camera identity
// in two passes: first substring-match the camera model/raw identity,
// then fall back to searching the full concatenated tag-value text, so a
// camera-less but tag-rich file can still match. fromCamera reports which
// pass fired: true for the camera-identity pass, false for the full-text
// fallback. The caller uses this to attribute the camera model, since a
// full-text match names the matched pattern as the identity even when an
// unrelated raw camera string is present. Returns ok=false if no rule
// matched.
func MatchDynamicCQ(cameraRaw string, tags map[string]any, rules []DynamicCQRule) (pattern string, cq int, fromCamera, ok bool) {
	if cameraRaw != "" {
		for _, r := range rules {
			if r.Pattern != "" && strings.Contains(cameraRaw, r.Pattern) {
				return r.Pattern, r.CQ, true, true
			}
		}
	}
	full := concatTagValues(tags)
	for _, r := range rules {
		if r.Pattern != "" && strings.Contains(full, r.Pattern) {
			return r.Pattern, r.CQ, false, true
		}
	}
	return "", 0, false, false
}

func concatTagValues(tags map[string]any) string {
	var b strings.Builder
	for _, v := range tags {
		b.WriteString(toString(v))
		b.WriteByte(' ')
	}
	return b.String()
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
