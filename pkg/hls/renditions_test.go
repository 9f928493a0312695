package hls

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcast/beamcast/pkg/media"
)

func TestOutputHeightPreservesAspectRatio(t *testing.T) {
	r := Rendition{Width: 1280}

	assert.Equal(t, 720, r.OutputHeight(1920, 1080))
	assert.Equal(t, 800, r.OutputHeight(1600, 1000))

	// Odd results round down to an even height.
	assert.Equal(t, 852, r.OutputHeight(1500, 1000))
}

func TestOutputHeightZeroSource(t *testing.T) {
	r := Rendition{Width: 1280}
	assert.Equal(t, 0, r.OutputHeight(0, 0))
}

func TestBandwidthIncludesAudioAndOverhead(t *testing.T) {
	r := Rendition{VideoBitrate: 2500, AudioBitrate: 128}
	// (2500 + 128) kbps plus 10 percent overhead.
	assert.Equal(t, 2890800, r.Bandwidth())
}

func TestDefaultLadderOrder(t *testing.T) {
	ladder := DefaultLadder()
	require.Len(t, ladder, 3)
	assert.Equal(t, "720p", ladder[0].Name)
	assert.Equal(t, "480p", ladder[1].Name)
	assert.Equal(t, "360p", ladder[2].Name)

	for i := 1; i < len(ladder); i++ {
		assert.Less(t, ladder[i].Width, ladder[i-1].Width, "ladder descends")
	}
}

func TestBuildMasterManifest(t *testing.T) {
	got := BuildMasterManifest(DefaultLadder(), media.Geometry{Width: 1920, Height: 1080})

	lines := strings.Split(strings.TrimSpace(got), "\n")
	require.Equal(t, 2+2*3, len(lines))
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXT-X-VERSION:3", lines[1])
	assert.Contains(t, lines[2], "RESOLUTION=1280x720")
	assert.Equal(t, "720p/index.m3u8", lines[3])
	assert.Contains(t, lines[4], "RESOLUTION=854x480")
	assert.Equal(t, "480p/index.m3u8", lines[5])
}

func TestFFmpegArgs(t *testing.T) {
	job := EncodeJob{
		StreamID:  "demo",
		Rendition: Rendition{Name: "720p", Width: 1280, CRF: 23, VideoBitrate: 2500, MaxBitrate: 2675, BufSize: 3750, AudioBitrate: 128},
		Input: InputSpec{
			VideoFormat: "ivf",
			AudioFormat: "ogg",
			FrameRate:   30,
			SampleRate:  48000,
			Channels:    2,
		},
		Geometry:       media.Geometry{Width: 1920, Height: 1080},
		OutputDir:      "/tmp/out/demo/720p",
		StartNumber:    7,
		SegmentSeconds: 4,
	}

	args := strings.Join(ffmpegArgs(job), " ")

	assert.Contains(t, args, "-f ivf -i pipe:0")
	assert.Contains(t, args, "-f ogg -i pipe:3")
	assert.Contains(t, args, "-c:v libx264")
	assert.Contains(t, args, "-vf scale=1280:-2")
	assert.Contains(t, args, "-b:v 2500k")
	assert.Contains(t, args, "-maxrate 2675k")
	assert.Contains(t, args, "-hls_flags append_list")
	assert.NotContains(t, args, "delete_segments")
	assert.Contains(t, args, "-start_number 7")
	assert.Contains(t, args, "-g 60", "keyframe interval pinned to two segments worth")
	assert.Contains(t, args, "/tmp/out/demo/720p/index.m3u8")
}

func TestFFmpegArgsRawInputs(t *testing.T) {
	job := EncodeJob{
		Rendition: Rendition{Name: "480p", Width: 854, CRF: 25, VideoBitrate: 1200, MaxBitrate: 1284, BufSize: 1800, AudioBitrate: 128},
		Input: InputSpec{
			VideoFormat: "rawvideo",
			AudioFormat: "s16le",
			FrameRate:   25,
			SampleRate:  44100,
			Channels:    1,
		},
		Geometry:       media.Geometry{Width: 1280, Height: 720},
		OutputDir:      "/tmp/out/demo/480p",
		SegmentSeconds: 4,
		DeleteSegments: true,
	}

	args := strings.Join(ffmpegArgs(job), " ")

	assert.Contains(t, args, "-f rawvideo -pix_fmt yuv420p -s 1280x720 -r 25 -i pipe:0")
	assert.Contains(t, args, "-f s16le -ar 44100 -ac 1 -i pipe:3")
	assert.Contains(t, args, "-hls_flags append_list+delete_segments")
	assert.Contains(t, args, "-start_number 0")
}
