// Package activity defines the producer side of the activity journal:
// a small interface the session manager and tunnel call into on every
// lifecycle event. Persisting those events is an external concern;
// this package only ships a logging default.
package activity

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one journal entry. Fields beyond Kind are populated as
// applicable to the event; zero values are omitted by callers that
// don't have them.
type Event struct {
	Kind      string
	SessionID string
	Serial    string
	Detail    string
	At        time.Time
}

// Recorder receives activity events. Implementations must not block
// the caller for long: the session manager and tunnel invoke Record
// inline with their own lifecycle transitions.
type Recorder interface {
	Record(event Event)
}

// LogRecorder records events via logrus at info level. It is the
// default Recorder; a persistence-backed implementation lives outside
// this module.
type LogRecorder struct{}

func NewLogRecorder() *LogRecorder { return &LogRecorder{} }

func (LogRecorder) Record(e Event) {
	fields := logrus.Fields{"kind": e.Kind}
	if e.SessionID != "" {
		fields["session_id"] = e.SessionID
	}
	if e.Serial != "" {
		fields["serial"] = e.Serial
	}
	if e.Detail != "" {
		fields["detail"] = e.Detail
	}
	logrus.WithFields(fields).Info("activity")
}
