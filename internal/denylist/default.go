package denylist

// DefaultPatterns lists the communication, remote-access and recording tools
// that must not run during an interview.
var DefaultPatterns = Patterns{
	Processes: []string{
		"obs64.exe",
		"obs32.exe",
		"discord.exe",
		"anydesk.exe",
		"teamviewer.exe",
		"slack.exe",
		"skype.exe",
		"zoom.exe",
		"mstsc.exe",
	},
}
