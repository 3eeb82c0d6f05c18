package config

const (
	ServerName = "kleidi-keybot"
)

var (
	// overridden by the build system
	BuildVersion = "dev"
	BuildCommit  = ""
	BuildDate    = ""
)

// AppName returns the name used as identifier in telemetry
func AppName() string {
	return ServerName
}
