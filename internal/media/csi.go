package media

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// deviceTreeModel marks an NVIDIA Jetson-class platform where the
// hardware-accelerated nvargus capture pipeline is available.
const deviceTreeModel = "/proc/device-tree/model"

const csiSelfTestTimeout = 10 * time.Second

// csiSource reads raw I420 frames from a long-running gst-launch pipeline
// writing to its stdout.
type csiSource struct {
	cmd      *exec.Cmd
	out      io.ReadCloser
	width    int
	height   int
	sensorID int
}

// openCSI probes the platform-specific capture pipeline: the device-tree
// marker must exist and a short bounded self-test must pass before the
// streaming pipeline is started.
func openCSI(ctx context.Context, sensorID, width, height, fps int) (*csiSource, error) {
	if _, err := os.Stat(deviceTreeModel); err != nil {
		return nil, fmt.Errorf("no device-tree model marker: %w", err)
	}

	testCtx, cancel := context.WithTimeout(ctx, csiSelfTestTimeout)
	defer cancel()
	test := exec.CommandContext(testCtx, "gst-launch-1.0",
		"nvarguscamerasrc", fmt.Sprintf("sensor-id=%d", sensorID),
		"!", fmt.Sprintf("video/x-raw(memory:NVMM),width=%d,height=%d,framerate=%d/1", width, height, fps),
		"!", "nvvidconv", "!", "video/x-raw,format=I420",
		"!", "fakesink", "num-buffers=3")
	if err := test.Run(); err != nil {
		return nil, fmt.Errorf("pipeline self-test: %w", err)
	}

	pipeline := fmt.Sprintf(
		"nvarguscamerasrc sensor-id=%d ! "+
			"video/x-raw(memory:NVMM),width=%d,height=%d,framerate=%d/1,format=NV12 ! "+
			"nvvidconv ! video/x-raw,format=I420 ! fdsink fd=1",
		sensorID, width, height, fps)

	args := append([]string{"-q"}, strings.Fields(pipeline)...)
	cmd := exec.Command("gst-launch-1.0", args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting pipeline: %w", err)
	}

	return &csiSource{
		cmd:      cmd,
		out:      out,
		width:    width,
		height:   height,
		sensorID: sensorID,
	}, nil
}

func (c *csiSource) Read() (image.Image, func(), error) {
	// One I420 frame: full-res Y plane plus quarter-res Cb and Cr planes.
	buf := make([]byte, c.width*c.height*3/2)
	if _, err := io.ReadFull(c.out, buf); err != nil {
		return nil, func() {}, fmt.Errorf("csi frame read: %w", err)
	}

	img := image.NewYCbCr(image.Rect(0, 0, c.width, c.height), image.YCbCrSubsampleRatio420)
	ySize := c.width * c.height
	cSize := ySize / 4
	copy(img.Y, buf[:ySize])
	copy(img.Cb, buf[ySize:ySize+cSize])
	copy(img.Cr, buf[ySize+cSize:])
	return img, func() {}, nil
}

func (c *csiSource) ID() string { return fmt.Sprintf("csi:%d", c.sensorID) }

func (c *csiSource) Close() error {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	c.out.Close()
	_ = c.cmd.Wait()
	return nil
}
