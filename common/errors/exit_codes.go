package errors

type ExitCode int

const (
	ConfigFailureExitCode ExitCode = 70

	// Fleet and history store exit codes
	FleetLoadFailureExitCode   = 80
	FleetSaveFailureExitCode   = 81
	HistoryOpenFailureExitCode = 82
	HistoryReadFailureExitCode = 83

	DispatchFailureExitCode = 90

	ConnectionFailureExitCode = 100

	CouldNotExecExitCode = 110
)
