// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package encoder

import (
	"github.com/fatih/color"
)

type Colorer struct {
	Colors  []*color.Color
	Red     *color.Color
	Green   *color.Color
	Blue    *color.Color
	Cyan    *color.Color
	Magenta *color.Color
	Yellow  *color.Color
}

func NewColorer(when ColorMode) *Colorer {
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)
	blue := color.New(color.FgBlue)
	cyan := color.New(color.FgCyan)
	magenta := color.New(color.FgMagenta)
	yellow := color.New(color.FgYellow)

	c := &Colorer{
		Red:     red,
		Green:   green,
		Blue:    blue,
		Cyan:    cyan,
		Magenta: magenta,
		Yellow:  yellow,
	}

	c.Colors = []*color.Color{
		red, green, blue,
		cyan, magenta, yellow,
	}
	switch when {
	case Always:
		c.enable()
	case Never:
		c.disable()
	case Auto:
		c.auto()
	}
	return c
}

func (c *Colorer) auto() {
	for _, v := range c.Colors {
		if color.NoColor { // NoColor is global and set dynamically
			v.DisableColor()
		} else {
			v.EnableColor()
		}
	}
}

func (c *Colorer) enable() {
	for _, v := range c.Colors {
		v.EnableColor()
	}
}

func (c *Colorer) disable() {
	for _, v := range c.Colors {
		v.DisableColor()
	}
}

// Result colors a call result: green when it reports success, red otherwise.
func (c *Colorer) Result(result uint64, ok bool) string {
	if ok {
		return c.Green.Sprint(result)
	}
	return c.Red.Sprintf("%d", int64(result))
}
