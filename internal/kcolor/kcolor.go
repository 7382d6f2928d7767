// Package kcolor provides small colorized-string helpers for the CLI's
// status and warning output, ported from the teacher repo's color.go.
package kcolor

import "github.com/fatih/color"

func colorize(c color.Attribute, s string) string {
	cl := color.New(c)
	cl.EnableColor()
	return cl.SprintFunc()(s)
}

func Cyan(s string) string    { return colorize(color.FgHiCyan, s) }
func Green(s string) string   { return colorize(color.FgHiGreen, s) }
func Magenta(s string) string { return colorize(color.FgHiMagenta, s) }
func Yellow(s string) string  { return colorize(color.FgHiYellow, s) }
func Red(s string) string     { return colorize(color.FgHiRed, s) }
