package tracestore

import "time"

// Event kinds recorded by the CLI.
const (
	KindEnter         = "enter"
	KindReturn        = "return"
	KindExceptional   = "exceptional"
	KindInput         = "input"
	KindLoadSection   = "load_section"
	KindLoadSource    = "load_source"
	KindExecuteSource = "execute_source"
)

type Session struct {
	ID        string
	Name      string
	StartedAt time.Time
	EndedAt   *time.Time
}

type Source struct {
	ID        int64
	SessionID string
	Name      string
	Language  string
}

type Event struct {
	ID        int64
	SessionID string
	SourceID  *int64
	Binding   string
	Kind      string
	Root      string
	StartLine int
	EndLine   int
	StartByte int
	EndByte   int
	Tags      []string
	Value     string
	Error     string
	At        time.Time

	// SourceName is filled by queries.
	SourceName string
}

// EventQuery selects events. Zero fields do not restrict.
type EventQuery struct {
	SessionID string
	Kind      string
	Binding   string
	Limit     int
}

// EventWriter receives recorded sources and events. Both Store and
// BatchedStore implement it.
type EventWriter interface {
	InsertSource(src *Source) (int64, error)
	InsertEvent(ev *Event) (int64, error)
}
