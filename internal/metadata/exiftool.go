package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
)

// ExtractExifInfo runs exiftool -j against path, deriving camera identity,
// the dynamic-CQ match, source bitrate and VBC-provenance detection.
// Satisfies the ExifFunc type.
func ExtractExifInfo(path string, rules []DynamicCQRule) (ExifInfo, error) {
	tags, err := extractTags(path)
	if err != nil {
		return ExifInfo{}, err
	}

	cameraRaw := ExtractCameraRaw(tags)
	var cameraModel string
	var customCQ *int
	var matchedPattern string

	if pattern, cq, fromCamera, ok := MatchDynamicCQ(cameraRaw, tags, rules); ok {
		v := cq
		customCQ = &v
		matchedPattern = pattern
		// A camera-identity match keeps the raw camera string; a
		// full-text match reports the pattern as the identity even when
		// an unrelated raw camera string exists.
		if fromCamera {
			cameraModel = cameraRaw
		} else {
			cameraModel = pattern
		}
	} else if cameraRaw != "" {
		cameraModel = cameraRaw
	}

	var bitrate *float64
	if raw, ok := tags["QuickTime:AvgBitrate"]; ok {
		if v := toFloat(toString(raw)); v > 0 {
			kbps := v / 1000
			bitrate = &kbps
		}
	} else if raw, ok := tags["AvgBitrate"]; ok {
		if v := toFloat(toString(raw)); v > 0 {
			kbps := v / 1000
			bitrate = &kbps
		}
	}

	return ExifInfo{
		CameraModel:    cameraModel,
		CameraRaw:      cameraRaw,
		CustomCQ:       customCQ,
		BitrateKbps:    bitrate,
		MatchedPattern: matchedPattern,
		VBCEncoded:     IsVBCEncoded(tags),
	}, nil
}

func extractTags(path string) (map[string]any, error) {
	cmd := exec.Command("exiftool", "-j", "-G", path)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("could not extract metadata for %s: %w", path, err)
	}
	var results []map[string]any
	if err := json.Unmarshal(out, &results); err != nil {
		return nil, fmt.Errorf("exiftool output for %s: %w", path, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("could not extract metadata for %s", path)
	}
	return results[0], nil
}

// CopyMetadata copies EXIF/XMP/QuickTime/Keys/GPS tags (plus VBC
// provenance tags) from source onto target. It blocks with no timeout;
// callers that need the debug-mode bounded-retry behaviour use
// CopyMetadataCtx.
func CopyMetadata(source, target string, cq int, encoder string, originalSize int64, finishedAt string) error {
	return CopyMetadataCtx(context.Background(), source, target, cq, encoder, originalSize, finishedAt)
}

// CopyMetadataCtx is CopyMetadata with a caller-supplied context, so a
// per-attempt timeout can abort the exiftool invocation.
func CopyMetadataCtx(ctx context.Context, source, target string, cq int, encoder string, originalSize int64, finishedAt string) error {
	args := []string{
		"-m",
		"-tagsFromFile", source,
		"-XMP:all", "-QuickTime:all", "-Keys:all", "-UserData:all",
		"-EXIF:all", "-GPS:all",
		"-XMP-exif:GPSLatitude<GPSLatitude",
		"-XMP-exif:GPSLongitude<GPSLongitude",
		"-XMP-exif:GPSAltitude<GPSAltitude",
		"-XMP-exif:GPSPosition<GPSPosition",
		"-QuickTime:GPSCoordinates<GPSPosition",
		"-Keys:GPSCoordinates<GPSPosition",
	}
	args = append(args, vbcTagArgs(source, cq, encoder, originalSize, finishedAt)...)
	args = append(args, "-unsafe", "-overwrite_original", target)

	cmd := exec.CommandContext(ctx, "exiftool", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return context.DeadlineExceeded
		}
		return fmt.Errorf("exiftool metadata copy failed: %w (%s)", err, out)
	}
	return nil
}

// WriteVBCTags writes only the VBC-provenance tags onto target, used when
// copy_metadata is disabled.
func WriteVBCTags(source, target string, cq int, encoder string, originalSize int64, finishedAt string) error {
	args := append([]string{"-overwrite_original"}, vbcTagArgs(source, cq, encoder, originalSize, finishedAt)...)
	args = append(args, target)
	cmd := exec.Command("exiftool", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("exiftool vbc tag write failed: %w (%s)", err, out)
	}
	return nil
}

func vbcTagArgs(source string, cq int, encoder string, originalSize int64, finishedAt string) []string {
	return []string{
		fmt.Sprintf("-XMP:VBCOriginalName=%s", filepath.Base(source)),
		fmt.Sprintf("-XMP:VBCOriginalSize=%d", originalSize),
		fmt.Sprintf("-XMP:VBCQuality=%d", cq),
		fmt.Sprintf("-XMP:VBCEncoder=%s", encoder),
		fmt.Sprintf("-XMP:VBCFinishedAt=%s", finishedAt),
	}
}
