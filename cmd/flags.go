package cmd

// Flag names shared by cobra and viper. Viper keys use the same names, and
// environment variables use the SIGNALMESH_ prefix with dashes replaced by
// underscores (SIGNALMESH_DATA_DIR, SIGNALMESH_PORT).
const (
	// Root flags
	dataDirFlag  = "data-dir"
	portFlag     = "port"
	peerFlag     = "peer"
	nameFlag     = "name"
	logLevelFlag = "logLevel"
	logFlag      = "log"

	// Signal subcommand flags
	emergencyFlag = "emergency"
	waitFlag      = "wait"
)

const envPrefix = "SIGNALMESH"
