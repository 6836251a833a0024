package constants

// Session status values.
const (
	SessionStatusRunning = "running"
	SessionStatusExited  = "exited"
)

// Output stream tags for a session's ring-buffered entries.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// AI activity advisory values.
const (
	AIActivityRead  = "read"
	AIActivityWrite = "write"
)
