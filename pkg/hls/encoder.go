package hls

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/beamcast/beamcast/pkg/media"
)

// InputSpec describes the raw elementary streams fed to encoders.
type InputSpec struct {
	VideoFormat string // "ivf" or "rawvideo"
	AudioFormat string // "ogg" or "s16le"
	FrameRate   int
	SampleRate  int
	Channels    int
}

// EncodeJob is one encoder invocation: a single rendition of a single
// epoch, reading the epoch's raw pipes and writing segments plus an
// updating playlist under OutputDir.
type EncodeJob struct {
	StreamID       string
	Rendition      Rendition
	Input          InputSpec
	Geometry       media.Geometry
	OutputDir      string // per-rendition directory
	StartNumber    int    // first segment sequence number
	SegmentSeconds int
	DeleteSegments bool
}

// Encoder is a running encoding/packaging process for one rendition.
// Video and Audio are the process's raw input pipes; closing both signals
// end of stream. Done resolves with the process exit result.
type Encoder interface {
	Video() io.WriteCloser
	Audio() io.WriteCloser
	Done() <-chan error
	Kill() error
}

// Launcher spawns encoders. The ffmpeg implementation is the default; the
// epoch logic only sees this interface, so an in-process encoder can be
// substituted without touching the writer.
type Launcher interface {
	Launch(job EncodeJob) (Encoder, error)
}

// FFmpegLauncher spawns one ffmpeg process per encode job, with video on
// stdin and audio on fd 3.
type FFmpegLauncher struct {
	// Path is the ffmpeg binary; empty means "ffmpeg" on PATH.
	Path string
}

// Launch builds the argument list, wires the input pipes and starts the
// process. The returned encoder's Done channel yields the exit error.
func (l *FFmpegLauncher) Launch(job EncodeJob) (Encoder, error) {
	path := l.Path
	if path == "" {
		path = "ffmpeg"
	}

	cmd := exec.Command(path, ffmpegArgs(job)...)

	video, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("hls: video pipe: %w", err)
	}

	audioRead, audioWrite, err := os.Pipe()
	if err != nil {
		video.Close()
		return nil, fmt.Errorf("hls: audio pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{audioRead} // becomes fd 3 in the child

	if err := cmd.Start(); err != nil {
		video.Close()
		audioRead.Close()
		audioWrite.Close()
		return nil, fmt.Errorf("hls: start %s: %w", path, err)
	}
	// The child holds its own copy of the read end.
	audioRead.Close()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	return &ffmpegEncoder{cmd: cmd, video: video, audio: audioWrite, done: done}, nil
}

type ffmpegEncoder struct {
	cmd   *exec.Cmd
	video io.WriteCloser
	audio *os.File
	done  chan error
}

func (e *ffmpegEncoder) Video() io.WriteCloser { return e.video }
func (e *ffmpegEncoder) Audio() io.WriteCloser { return e.audio }
func (e *ffmpegEncoder) Done() <-chan error    { return e.done }

func (e *ffmpegEncoder) Kill() error {
	return e.cmd.Process.Kill()
}

// ffmpegArgs assembles the ffmpeg invocation for one rendition tier.
func ffmpegArgs(job EncodeJob) []string {
	r := job.Rendition
	in := job.Input

	args := []string{"-hide_banner", "-loglevel", "error", "-y"}

	switch in.VideoFormat {
	case "rawvideo":
		args = append(args,
			"-f", "rawvideo",
			"-pix_fmt", "yuv420p",
			"-s", job.Geometry.String(),
			"-r", strconv.Itoa(in.FrameRate),
		)
	default: // ivf carries geometry and rate in its header
		args = append(args, "-f", "ivf")
	}
	args = append(args, "-i", "pipe:0")

	switch in.AudioFormat {
	case "s16le":
		args = append(args,
			"-f", "s16le",
			"-ar", strconv.Itoa(in.SampleRate),
			"-ac", strconv.Itoa(in.Channels),
		)
	default:
		args = append(args, "-f", "ogg")
	}
	args = append(args, "-i", "pipe:3")

	hlsFlags := "append_list"
	if job.DeleteSegments {
		hlsFlags += "+delete_segments"
	}

	args = append(args,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", strconv.Itoa(r.CRF),
		"-sc_threshold", "0",
		"-g", strconv.Itoa(2*in.FrameRate),
		"-vf", fmt.Sprintf("scale=%d:-2", r.Width),
		"-b:v", fmt.Sprintf("%dk", r.VideoBitrate),
		"-maxrate", fmt.Sprintf("%dk", r.MaxBitrate),
		"-bufsize", fmt.Sprintf("%dk", r.BufSize),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", r.AudioBitrate),
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", strconv.Itoa(job.SegmentSeconds),
		"-hls_list_size", "0",
		"-hls_flags", hlsFlags,
		"-start_number", strconv.Itoa(job.StartNumber),
		"-hls_segment_filename", filepath.Join(job.OutputDir, "segment-%03d.ts"),
		filepath.Join(job.OutputDir, "index.m3u8"),
	)

	return args
}
