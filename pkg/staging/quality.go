package staging

import "errors"

// qualityScore computes the advisory quality hint for a payload at store
// time. Three equally weighted checks: non-nil payload, size above zero,
// and a declared format in metadata. The score is carried in the entry but
// never gates storage.
func qualityScore(payload []byte, metadata map[string]any) float64 {
	passed := 0
	if payload != nil {
		passed++
	}
	if len(payload) > 0 {
		passed++
	}
	if format, ok := metadata["format"].(string); ok && format != "" {
		passed++
	}
	return float64(passed) / 3.0
}

func isErr(err, target error) bool {
	return errors.Is(err, target)
}
