package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"pical/internal/battery"
	"pical/internal/convert"
	"pical/internal/frame"
	"pical/internal/ics"
	appLog "pical/internal/log"
	"pical/internal/model"
)

// Base font sizes in points at zoom 1.
const (
	sizeHeading = 22.0
	sizeBody    = 14.0
	sizeSmall   = 11.0
)

type NativeOptions struct {
	Calendars   []ics.Source
	Location    *time.Location
	HorizonDays int
	// Zoom scales every font.
	Zoom float64
	// Scaling draws on a canvas this many times the panel size, then
	// downsamples.
	Scaling  float64
	FontPath string
	Dither   bool
}

// Native draws the agenda layout: a header with date, time and weather, one
// block per day with its events, and a footer with battery and update time.
type Native struct {
	opts    NativeOptions
	cal     Calendars
	weather Weather
	battery battery.Reader
	fonts   *fonts
	now     func() time.Time
}

// NewNative builds a Native producer. weather and batt may be nil.
func NewNative(cal Calendars, weather Weather, batt battery.Reader, opts NativeOptions) (*Native, error) {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 12
	}
	if opts.Zoom <= 0 {
		opts.Zoom = 1
	}
	if opts.Scaling <= 0 {
		opts.Scaling = 1
	}
	f, err := loadFonts(opts.FontPath)
	if err != nil {
		return nil, err
	}
	return &Native{
		opts:    opts,
		cal:     cal,
		weather: weather,
		battery: batt,
		fonts:   f,
		now:     time.Now,
	}, nil
}

// ProduceFrame gathers the inputs, draws them and converts the drawing to a
// frame. Only a calendar failure fails the frame.
func (n *Native) ProduceFrame(ctx context.Context, width, height int, depth frame.Depth) (*frame.Buffer, error) {
	data, err := n.Gather(ctx)
	if err != nil {
		return nil, err
	}
	img := n.Draw(data, width, height)
	fb, err := convert.ToFrame(img, width, height, depth, convert.Options{Dither: n.opts.Dither})
	if err != nil {
		return nil, &Error{Source: "convert", Err: err}
	}
	return fb, nil
}

// Gather collects the data for one frame.
func (n *Native) Gather(ctx context.Context) (Data, error) {
	now := n.now().In(n.opts.Location)
	d := Data{Now: now}

	if n.cal != nil {
		occs, err := n.cal.Collect(ctx, n.opts.Calendars, n.opts.Location, now, n.opts.HorizonDays)
		if err != nil {
			return Data{}, &Error{Source: "calendar", Err: err}
		}
		d.Days = model.Agenda(occs, now, n.opts.HorizonDays)
	} else {
		d.Days = model.Agenda(nil, now, n.opts.HorizonDays)
	}

	if n.weather != nil {
		w, err := n.weather.Current(ctx)
		if err != nil {
			appLog.Warn("weather unavailable", "err", err)
		} else {
			d.Weather = w
		}
	}
	if n.battery != nil {
		st, err := n.battery.Read(ctx)
		if err != nil {
			appLog.Warn("battery unavailable", "err", err)
		} else {
			d.Battery = &st
		}
	}
	return d, nil
}

// Draw renders d at width×height. Identical data yields identical pixels.
func (n *Native) Draw(d Data, width, height int) image.Image {
	s := n.opts.Scaling
	cw, ch := int(math.Round(float64(width)*s)), int(math.Round(float64(height)*s))

	dc := gg.NewContextForImage(imaging.New(cw, ch, color.White))
	l := &layout{dc: dc, fonts: n.fonts, scale: n.opts.Zoom * s, w: float64(cw), h: float64(ch)}
	l.margin = 10 * l.scale

	footerTop := l.footer(d)
	y := l.header(d)
	l.agenda(d, y, footerTop)

	img := dc.Image()
	if cw != width || ch != height {
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	return img
}

type layout struct {
	dc     *gg.Context
	fonts  *fonts
	scale  float64
	w, h   float64
	margin float64
}

func (l *layout) use(bold bool, size float64) float64 {
	l.dc.SetFontFace(l.fonts.face(bold, size*l.scale))
	return size * l.scale
}

func (l *layout) rule(y float64) {
	l.dc.SetColor(color.Black)
	l.dc.SetLineWidth(math.Max(1, l.scale))
	l.dc.DrawLine(l.margin, y, l.w-l.margin, y)
	l.dc.Stroke()
}

// header draws the top band and returns the y where the agenda starts.
func (l *layout) header(d Data) float64 {
	dc := l.dc
	dc.SetColor(color.Black)

	h := l.use(true, sizeHeading)
	base := l.margin + h
	date := d.Now.Format("Monday 2 January 2006")
	dc.DrawString(date, l.margin, base)
	dw, _ := dc.MeasureString(date)

	l.use(false, sizeSmall)
	dc.DrawString(fmt.Sprintf("Day %03d", d.Now.YearDay()), l.margin+dw+8*l.scale, base)

	l.use(true, sizeHeading)
	dc.DrawStringAnchored(d.Now.Format("15:04"), l.w/2, base, 0.5, 0)

	if w := d.Weather; w != nil {
		l.use(false, sizeBody*1.2)
		dc.DrawStringAnchored(currentWeather(w.Current), l.w-l.margin, base, 1, 0)
	}

	y := base + 8*l.scale
	l.rule(y)
	return y + 4*l.scale
}

// agenda draws day blocks between top and bottom, dropping what does not fit.
func (l *layout) agenda(d Data, top, bottom float64) {
	dc := l.dc
	dc.SetColor(color.Black)
	y := top
	for i, day := range d.Days {
		title := l.use(true, sizeBody)
		if y+title*1.6 > bottom {
			return
		}
		y += title * 1.4

		label := day.Date.Format("Mon 2 Jan")
		switch i {
		case 0:
			label = "Today, " + label
		case 1:
			label = "Tomorrow, " + label
		}
		dc.DrawString(label, l.margin, y)
		if ob, ok := d.Weather.Forecast(day.Date); ok {
			l.use(false, sizeSmall)
			dc.DrawStringAnchored(dailyWeather(ob), l.w-l.margin, y, 1, 0)
		}

		body := l.use(false, sizeBody)
		if len(day.Occurrences) == 0 {
			l.use(false, sizeSmall)
			y += body * 1.3
			dc.DrawString("no events", l.margin+16*l.scale, y)
			continue
		}
		for j, o := range day.Occurrences {
			if y+body*1.3 > bottom {
				l.use(false, sizeSmall)
				dc.DrawStringAnchored(fmt.Sprintf("+%d more", len(day.Occurrences)-j), l.w-l.margin, y, 1, 0)
				return
			}
			y += body * 1.3
			l.use(false, sizeSmall)
			dc.DrawString(eventTime(o, day.Date), l.margin+16*l.scale, y)
			l.use(false, sizeBody)
			x := l.margin + 110*l.scale
			dc.DrawString(ellipsize(dc, eventTitle(o), l.w-l.margin-x), x, y)
		}
	}
}

// footer draws the bottom band and returns its top edge.
func (l *layout) footer(d Data) float64 {
	dc := l.dc
	sz := l.use(false, sizeSmall)
	base := l.h - l.margin
	top := base - sz - 6*l.scale
	l.rule(top)

	dc.SetColor(color.Black)
	if d.Battery != nil {
		dc.DrawString("battery "+d.Battery.String(), l.margin, base)
	}
	dc.DrawStringAnchored("updated "+d.Now.Format("15:04"), l.w-l.margin, base, 1, 0)
	return top - 2*l.scale
}

func eventTime(o model.Occurrence, day time.Time) string {
	if o.AllDay {
		return "all day"
	}
	if o.Start.Before(day) {
		return "cont."
	}
	return o.Start.Format("15:04")
}

func eventTitle(o model.Occurrence) string {
	var b strings.Builder
	b.WriteString(o.Summary)
	if o.Location != "" {
		b.WriteString(" @ ")
		b.WriteString(o.Location)
	}
	if o.Calendar != "" {
		b.WriteString(" · ")
		b.WriteString(o.Calendar)
	}
	return b.String()
}

func currentWeather(ob model.Observation) string {
	parts := make([]string, 0, 3)
	if ob.TemperatureC != nil {
		parts = append(parts, fmt.Sprintf("%.0f°C", *ob.TemperatureC))
	}
	if ob.HumidityPct != nil {
		parts = append(parts, fmt.Sprintf("%.0f%%rh", *ob.HumidityPct))
	}
	parts = append(parts, ob.Code.String())
	return strings.Join(parts, " ")
}

func dailyWeather(ob model.Observation) string {
	parts := []string{ob.Code.String()}
	if ob.TemperatureC != nil {
		parts = append(parts, fmt.Sprintf("%.0f°", *ob.TemperatureC))
	}
	if ob.PrecipitationProb != nil {
		parts = append(parts, fmt.Sprintf("(%.0f%%)", *ob.PrecipitationProb))
	}
	return strings.Join(parts, " ")
}

// ellipsize cuts s so it fits limit pixels with the current face.
func ellipsize(dc *gg.Context, s string, limit float64) string {
	if w, _ := dc.MeasureString(s); w <= limit {
		return s
	}
	r := []rune(s)
	for len(r) > 0 {
		r = r[:len(r)-1]
		t := strings.TrimRight(string(r), " ") + "…"
		if w, _ := dc.MeasureString(t); w <= limit {
			return t
		}
	}
	return ""
}
