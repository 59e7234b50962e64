package app

const (
	Name           = "skylink"
	SourceURL      = "https://git.skobk.in/skobkin/skylink"
	ConfigFilename = "config.json"
	DBFilename     = "track.db"
	LogFilename    = "skylink.log"

	SourceLinkName      = "vehicle"
	DestinationLinkName = "gcs"
)
