package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/pipeline"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		debug string
		want  pipeline.ErrorCategory
	}{
		{"connection refused", "Could not connect to server", "", pipeline.ErrCategoryNetwork},
		{"timeout", "Timeout while waiting for server response", "", pipeline.ErrCategoryNetwork},
		{"dns", "Could not resolve hostname", "gstrtspsrc.c(1234)", pipeline.ErrCategoryNetwork},
		{"rtsp teardown", "Unhandled error", "rtsp request failed", pipeline.ErrCategoryNetwork},
		{"not found", "Resource not found", "", pipeline.ErrCategoryNetwork},

		{"caps negotiation", "Internal data stream error", "streaming stopped, reason not-negotiated (-4)", pipeline.ErrCategoryCodec},
		{"decoder missing", "Your GStreamer installation is missing a plug-in", "no decoder for h264", pipeline.ErrCategoryCodec},
		{"decode failure", "Failed to decode frame", "", pipeline.ErrCategoryCodec},

		{"unauthorized", "Unauthorized (401)", "", pipeline.ErrCategoryAuth},
		{"forbidden", "403 Forbidden", "", pipeline.ErrCategoryAuth},
		{"bad credentials", "Invalid credentials supplied", "", pipeline.ErrCategoryAuth},

		// Auth outranks network even when both keyword families appear.
		{"auth with connection context", "Could not connect: authentication failed", "", pipeline.ErrCategoryAuth},

		{"unknown", "Something very strange happened", "", pipeline.ErrCategoryUnknown},
		{"empty", "", "", pipeline.ErrCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pipeline.ClassifyError(tt.msg, tt.debug))
		})
	}
}

func TestErrorCategoryString(t *testing.T) {
	assert.Equal(t, "network", pipeline.ErrCategoryNetwork.String())
	assert.Equal(t, "codec", pipeline.ErrCategoryCodec.String())
	assert.Equal(t, "auth", pipeline.ErrCategoryAuth.String())
	assert.Equal(t, "unknown", pipeline.ErrCategoryUnknown.String())
}
