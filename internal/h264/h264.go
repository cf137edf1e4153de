// Package h264 provides minimal Annex-B byte-stream inspection. Only what
// the delivery path needs: recognizing access units a new client can start
// decoding from.
package h264

// NAL unit types (ITU-T H.264 table 7-1).
const (
	NALSliceIDR = 5
	NALSPS      = 7
	NALPPS      = 8
)

// IsKeyframe reports whether the access unit contains an IDR slice. The
// encoder is configured to inline SPS/PPS with every IDR, so an IDR access
// unit is a safe join point for a newly connected client.
func IsKeyframe(au []byte) bool {
	found := false
	walkNALUnits(au, func(nalType int) bool {
		if nalType == NALSliceIDR {
			found = true
			return false
		}
		return true
	})
	return found
}

// walkNALUnits calls fn with the type of each NAL unit in the Annex-B
// stream, stopping early when fn returns false. Accepts both 3- and 4-byte
// start codes.
func walkNALUnits(b []byte, fn func(nalType int) bool) {
	for i := 0; i+3 < len(b); {
		if b[i] != 0 || b[i+1] != 0 {
			i++
			continue
		}
		var hdr int
		switch {
		case b[i+2] == 1:
			hdr = i + 3
		case b[i+2] == 0 && b[i+3] == 1:
			hdr = i + 4
		default:
			i++
			continue
		}
		if hdr >= len(b) {
			return
		}
		if !fn(int(b[hdr] & 0x1f)) {
			return
		}
		i = hdr
	}
}
