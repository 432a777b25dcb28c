package coflow

import "strconv"

// Signal is the signal part of a return code.
//
// Values 1-119 are real POSIX signals that killed the process.
// Values from 120 are fake signals raised by the framework itself
// to tell why a task couldn't run to completion.
type Signal int

const (
	SigLost               = Signal(120)
	SigCancelled          = Signal(121)
	SigRemoteKill         = Signal(122)
	SigDataStagingFailure = Signal(123)
	SigRemoteError        = Signal(124)
	SigSubmissionFailed   = Signal(125)
)

// String represents Signal as string.
func (s Signal) String() string {
	name, ok := map[Signal]string{
		SigLost:               "lost",
		SigCancelled:          "cancelled",
		SigRemoteKill:         "remote kill",
		SigDataStagingFailure: "data staging failure",
		SigRemoteError:        "remote error",
		SigSubmissionFailed:   "submission failed",
	}[s]
	if !ok {
		return "signal " + strconv.Itoa(int(s))
	}
	return name
}

// Fake reports whether the signal is one of the framework's own signals.
func (s Signal) Fake() bool {
	return s >= SigLost && s <= SigSubmissionFailed
}
