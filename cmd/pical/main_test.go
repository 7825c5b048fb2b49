package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"pical/internal/config"
	"pical/internal/epd"
)

func TestPanelOpts(t *testing.T) {
	conf := config.DefaultConfig()
	conf.Panel.StandbyMode = "standby"
	conf.Refresh.Waveforms = config.WaveformConfig{Full: 2, Partial: 3, Fast: 4}

	opts, err := panelOpts(conf)
	if err != nil {
		t.Fatalf("panelOpts() failed: %v", err)
	}
	if opts.LowPower != epd.Standby {
		t.Errorf("LowPower = %v, want standby", opts.LowPower)
	}
	if diff := cmp.Diff(opts.Waveforms, epd.Waveforms{Full: 2, Partial: 3, Fast: 4}); diff != "" {
		t.Errorf("Waveforms difference (-got +want):\n%s", diff)
	}
	if opts.Width != conf.Panel.Width || opts.BitsPerPixel != conf.Panel.BitDepth || opts.VCOM != 1670 {
		t.Errorf("panelOpts() = %+v", opts)
	}

	conf.Panel.StandbyMode = "hibernate"
	if _, err := panelOpts(conf); err == nil {
		t.Error("panelOpts() accepted an unknown standby mode")
	}
}
