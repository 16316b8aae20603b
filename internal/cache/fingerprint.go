package cache

import (
	"math"
	"strings"
)

const fingerprintPrefix = "SHA-1="
const fingerprintHexLen = 40

// parseFingerprint extracts the 40-hex-character content hash from the
// ImageDescription attribute of subimage 0 when it carries the documented
// "SHA-1=<40hex>" prefix. Returns "" otherwise — fingerprint is either
// empty or exactly 40 hex characters.
func parseFingerprint(spec *ImageSpec) string {
	v, ok := spec.GetAttribute("ImageDescription")
	if !ok {
		return ""
	}
	desc, ok := v.(string)
	if !ok {
		return ""
	}
	idx := strings.Index(desc, fingerprintPrefix)
	if idx < 0 {
		return ""
	}
	rest := desc[idx+len(fingerprintPrefix):]
	if len(rest) < fingerprintHexLen {
		return ""
	}
	candidate := rest[:fingerprintHexLen]
	for _, r := range candidate {
		if !isHex(r) {
			return ""
		}
	}
	return candidate
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// parseTextureAttributes pulls the sampling-convention attributes that
// fingerprint-equivalence additionally requires to match:
// swrap/twrap, cube layout, y_up. The texture-sampling engine itself is out
// of scope; these are stored to support dedup, and the cube layout also
// decides GetImageInfo's "texturetype".
func (cf *CachedFile) parseTextureAttributes(spec *ImageSpec) {
	if v, ok := spec.GetAttribute("wrapmodes"); ok {
		if s, ok := v.(string); ok {
			parts := strings.SplitN(s, ",", 2)
			if len(parts) == 2 {
				cf.swrap, cf.twrap = parts[0], parts[1]
			}
		}
	}
	if v, ok := spec.GetAttribute("textureformat"); ok {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), "cube") {
			cf.cubeLayout = "cross"
		}
	}
	if v, ok := spec.GetAttribute("oiio:cubelayout"); ok {
		if s, ok := v.(string); ok {
			cf.cubeLayout = s
		}
	}
	if v, ok := spec.GetAttribute("oiio:Orientation"); ok {
		if n, ok := v.(int); ok {
			cf.yUp = n == 1
		}
	}
}

// dedupEquivalent implements the dedup equivalence rule: identical
// fingerprint AND identical swrap/twrap/datatype/cube-layout/y_up.
func (cf *CachedFile) dedupEquivalent(other *CachedFile) bool {
	return cf.fingerprint != "" &&
		cf.fingerprint == other.fingerprint &&
		cf.swrap == other.swrap &&
		cf.twrap == other.twrap &&
		cf.datatype == other.datatype &&
		cf.cubeLayout == other.cubeLayout &&
		cf.yUp == other.yUp
}

func bytesToFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func putFloat32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}
