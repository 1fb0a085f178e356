package dramanotify

// Version is set via ldflags on release builds.
var Version = "current"
