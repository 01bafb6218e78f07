package media

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"

	"github.com/roboviewer/robocam/internal/util"
)

// preferredAudioBackends orders device labels by preference; the pulse
// server first, then generic defaults, then raw hardware.
var preferredAudioBackends = []string{"pulse", "default", "alsa", "hw:0"}

type audioSource struct {
	d      driver.Driver
	reader audio.Reader
	label  string
}

// openAudio tries the enumerated audio devices in preference order and
// returns the first that opens and yields a stream. Total failure is
// reported as an error; the caller treats it as "publish video only".
func openAudio() (*audioSource, error) {
	drivers := driver.GetManager().Query(driver.FilterAudioRecorder())
	if len(drivers) == 0 {
		return nil, errors.New("no audio devices enumerated")
	}

	sort.SliceStable(drivers, func(i, j int) bool {
		return backendRank(drivers[i].Info().Label) < backendRank(drivers[j].Info().Label)
	})

	for _, d := range drivers {
		src, err := tryAudioDevice(d)
		if err != nil {
			util.LogDebug("audio device %q unusable: %v", d.Info().Label, err)
			continue
		}
		return src, nil
	}
	return nil, errors.New("no audio device produced a stream")
}

func backendRank(label string) int {
	l := strings.ToLower(label)
	for i, pref := range preferredAudioBackends {
		if strings.Contains(l, pref) {
			return i
		}
	}
	return len(preferredAudioBackends)
}

func tryAudioDevice(d driver.Driver) (*audioSource, error) {
	if d.Status() == driver.StateClosed {
		if err := d.Open(); err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
	}

	rec, ok := d.(driver.AudioRecorder)
	if !ok {
		d.Close()
		return nil, errors.New("driver is not an audio recorder")
	}

	p := prop.Media{Audio: prop.Audio{SampleRate: 48000, ChannelCount: 1}}
	if props := d.Properties(); len(props) > 0 {
		p = props[0]
	}

	r, err := rec.AudioRecord(p)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("record: %w", err)
	}
	return &audioSource{d: d, reader: r, label: d.Info().Label}, nil
}

func (s *audioSource) Read() (wave.Audio, func(), error) { return s.reader.Read() }

func (s *audioSource) ID() string { return "audio:" + s.label }

func (s *audioSource) Close() error { return s.d.Close() }
