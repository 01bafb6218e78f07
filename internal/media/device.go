package media

import (
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/roboviewer/robocam/internal/util"
)

const deviceValidateTimeout = 3 * time.Second

// deviceSource is a generic enumerated capture device, accepted only after
// it has produced one frame.
type deviceSource struct {
	d      driver.Driver
	reader video.Reader
	label  string
}

// openDevice walks enumerated capture devices in driver order and returns
// the first that opens and yields a frame within the validation window.
func openDevice(width, height, fps int) (*deviceSource, error) {
	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())
	if len(drivers) == 0 {
		return nil, errors.New("no capture devices enumerated")
	}

	for _, d := range drivers {
		src, err := tryDevice(d, width, height, fps)
		if err != nil {
			util.LogDebug("capture device %q unusable: %v", d.Info().Label, err)
			continue
		}
		return src, nil
	}
	return nil, errors.New("no enumerated capture device produced a frame")
}

func tryDevice(d driver.Driver, width, height, fps int) (*deviceSource, error) {
	if d.Status() == driver.StateClosed {
		if err := d.Open(); err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
	}

	rec, ok := d.(driver.VideoRecorder)
	if !ok {
		d.Close()
		return nil, errors.New("driver is not a video recorder")
	}

	r, err := rec.VideoRecord(bestProp(d.Properties(), width, height, fps))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("record: %w", err)
	}

	if err := readOneFrame(r, deviceValidateTimeout); err != nil {
		d.Close()
		return nil, err
	}
	return &deviceSource{d: d, reader: r, label: d.Info().Label}, nil
}

// readOneFrame validates a freshly opened device by pulling a single frame,
// bounded so a wedged driver cannot stall startup.
func readOneFrame(r video.Reader, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, release, err := r.Read()
		if release != nil {
			release()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("validation frame: %w", err)
		}
		return nil
	case <-time.After(timeout):
		return errors.New("no frame within validation window")
	}
}

// bestProp picks the advertised media property closest to the requested
// geometry, or synthesizes one when the driver advertises nothing.
func bestProp(props []prop.Media, width, height, fps int) prop.Media {
	if len(props) == 0 {
		return prop.Media{Video: prop.Video{
			Width:       width,
			Height:      height,
			FrameRate:   float32(fps),
			FrameFormat: frame.FormatI420,
		}}
	}

	best, bestScore := props[0], math.MaxInt
	for _, p := range props {
		score := abs(p.Video.Width-width) + abs(p.Video.Height-height)
		if score < bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (s *deviceSource) Read() (image.Image, func(), error) { return s.reader.Read() }

func (s *deviceSource) ID() string { return "device:" + s.label }

func (s *deviceSource) Close() error { return s.d.Close() }
