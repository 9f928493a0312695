package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/beamcast/beamcast/pkg/media"
)

// MasterManifestName is the top-level multi-rendition playlist filename.
const MasterManifestName = "master.m3u8"

// BuildMasterManifest renders the top-level playlist enumerating every
// rendition tier with its declared bandwidth and resolution.
func BuildMasterManifest(ladder []Rendition, geo media.Geometry) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for _, r := range ladder {
		height := r.OutputHeight(geo.Width, geo.Height)
		b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n",
			r.Bandwidth(), r.Width, height))
		b.WriteString(r.Name + "/index.m3u8\n")
	}

	return b.String()
}

// writeMasterManifest writes or refreshes the stream's master playlist.
func writeMasterManifest(streamDir string, ladder []Rendition, geo media.Geometry) error {
	path := filepath.Join(streamDir, MasterManifestName)
	return os.WriteFile(path, []byte(BuildMasterManifest(ladder, geo)), 0o644)
}

// countSegments returns the number of materialized media segments in a
// rendition directory. The count of already-present segments becomes the
// next epoch's starting sequence number, which keeps the viewer-visible
// timeline continuous across epochs.
func countSegments(renditionDir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(renditionDir, "segment-*.ts"))
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}
