package schedule

import "slices"

// Preset is a named cron expression offered when creating a schedule.
type Preset struct {
	Label string
	Expr  string
}

var presets = []Preset{
	{"Every minute", "* * * * *"},
	{"Every 5 minutes", "*/5 * * * *"},
	{"Every 15 minutes", "*/15 * * * *"},
	{"Every 30 minutes", "*/30 * * * *"},
	{"Every hour", "0 * * * *"},
	{"Every 2 hours", "0 */2 * * *"},
	{"Every day at midnight", "0 0 * * *"},
	{"Every day at 6 AM", "0 6 * * *"},
	{"Every day at noon", "0 12 * * *"},
	{"Every day at 6 PM", "0 18 * * *"},
	{"Every week (Sunday midnight)", "0 0 * * 0"},
	{"Every month (1st midnight)", "0 0 1 * *"},
}

var timezones = []string{
	"UTC",
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
	"America/Sao_Paulo",
	"Europe/London",
	"Europe/Paris",
	"Europe/Berlin",
	"Europe/Moscow",
	"Asia/Dubai",
	"Asia/Kolkata",
	"Asia/Bangkok",
	"Asia/Singapore",
	"Asia/Tokyo",
	"Asia/Shanghai",
	"Australia/Sydney",
	"Pacific/Auckland",
}

func Presets() []Preset { return slices.Clone(presets) }

// Timezones lists suggested IANA zones; any loadable zone is accepted.
func Timezones() []string { return slices.Clone(timezones) }
