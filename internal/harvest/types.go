package harvest

import (
	"fmt"
	"strings"
	"time"
)

// EndCursor is the cursor a source hands back once it knows no further pages
// exist. A checkpoint holding it makes the next Step report StepExhausted
// without touching the network.
const EndCursor = "$end"

// Target identifies one harvest stream, e.g. timeline/IBM or quotes/AAPL:60.
type Target struct {
	Source string `json:"source"`
	Key    string `json:"key"`
}

// ID renders the target as source/key.
func (t Target) ID() string {
	return t.Source + "/" + t.Key
}

func (t Target) String() string {
	return t.ID()
}

// ParseTarget is the inverse of Target.ID.
func ParseTarget(id string) (Target, error) {
	source, key, ok := strings.Cut(id, "/")
	if !ok || source == "" || key == "" {
		return Target{}, fmt.Errorf("invalid target %q: want source/key", id)
	}
	return Target{Source: source, Key: key}, nil
}

// Checkpoint is the durable position of a target.
type Checkpoint struct {
	// Target owns the checkpoint; one row per target.
	Target Target `json:"target"`
	// Cursor is the opaque pagination token for the next fetch. Empty means
	// "start from Until".
	Cursor string `json:"cursor"`
	// Until is the oldest position reached. It never increases.
	Until time.Time `json:"until"`
	// UpdatedAt records when the checkpoint was last committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Exhausted reports whether the source already signalled there is nothing left.
func (c Checkpoint) Exhausted() bool {
	return c.Cursor == EndCursor
}

// Record is a candidate produced by an extractor.
type Record struct {
	// Key is the natural key, unique per target.
	Key string
	// Timestamp is when the record was published upstream.
	Timestamp time.Time
	// Text is the minimal text used for enrichment.
	Text string
	// Payload is the source-specific struct persisted as JSON.
	Payload any
}

// Page is one raw page returned by a source.
type Page struct {
	Body     []byte
	Next     string
	Identity string
}

// FetchRequest parameterizes a single fetch attempt.
type FetchRequest struct {
	Target   Target
	Cursor   string
	Until    time.Time
	Identity string
}

// FetchKind tags a FetchResult.
type FetchKind int

// Fetch result variants.
const (
	FetchOK FetchKind = iota
	FetchEmpty
	FetchTransportError
	FetchEnd
)

func (k FetchKind) String() string {
	switch k {
	case FetchOK:
		return "ok"
	case FetchEmpty:
		return "empty"
	case FetchTransportError:
		return "transport_error"
	case FetchEnd:
		return "end"
	default:
		return "unknown"
	}
}

// FetchResult is the tagged outcome of Fetcher.Fetch. Page is populated for
// OK and, when a body was received, for Empty and TransportError so it can be
// logged.
type FetchResult struct {
	Kind   FetchKind
	Page   Page
	Reason error
}

// OK wraps a usable page.
func OK(page Page) FetchResult {
	return FetchResult{Kind: FetchOK, Page: page}
}

// Empty reports a structurally valid page without data (or a rate-limit stub).
func Empty(body []byte) FetchResult {
	return FetchResult{Kind: FetchEmpty, Page: Page{Body: body}}
}

// TransportError reports a network, status or decoding failure.
func TransportError(reason error) FetchResult {
	return FetchResult{Kind: FetchTransportError, Reason: reason}
}

// TransportErrorWithBody reports a failure on a response that did arrive,
// such as an error status or an undecodable envelope.
func TransportErrorWithBody(body []byte, reason error) FetchResult {
	return FetchResult{Kind: FetchTransportError, Page: Page{Body: body}, Reason: reason}
}

// End reports that the source has no more data for the target.
func End() FetchResult {
	return FetchResult{Kind: FetchEnd}
}

// ExtractionKind tags an Extraction.
type ExtractionKind int

// Extraction variants.
const (
	ExtractOK ExtractionKind = iota
	ExtractEmpty
	ExtractMalformed
)

func (k ExtractionKind) String() string {
	switch k {
	case ExtractOK:
		return "ok"
	case ExtractEmpty:
		return "empty"
	case ExtractMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Extraction is the typed outcome of Extractor.Extract.
type Extraction struct {
	Kind    ExtractionKind
	Records []Record
	Err     error
}

// Extracted returns ExtractOK, or ExtractEmpty when records is empty.
func Extracted(records []Record) Extraction {
	if len(records) == 0 {
		return Extraction{Kind: ExtractEmpty}
	}
	return Extraction{Kind: ExtractOK, Records: records}
}

// Malformed reports a page that could not be parsed.
func Malformed(err error) Extraction {
	return Extraction{Kind: ExtractMalformed, Err: err}
}

// State names a phase of the step state machine.
type State string

// Step states.
const (
	StateFetch            State = "FETCH"
	StateExtract          State = "EXTRACT"
	StateFilterAndPersist State = "FILTER_AND_PERSIST"
	StateRetry            State = "RETRY"
	StateJump             State = "JUMP"
	StateStepFailed       State = "STEP_FAILED"
)

// StepOutcome is what a Step reports to Run.
type StepOutcome int

// Step outcomes.
const (
	StepCommitted StepOutcome = iota
	StepExhausted
	StepFailed
)

func (o StepOutcome) String() string {
	switch o {
	case StepCommitted:
		return "committed"
	case StepExhausted:
		return "exhausted"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stats are the cumulative counters of an engine.
type Stats struct {
	Steps     int
	Requests  int
	Failures  int
	Jumps     int
	Extracted int
	Accepted  int
	Inserted  int
}

// CommitEvent is published after each committed step.
type CommitEvent struct {
	RunID       string    `json:"run_id"`
	Target      string    `json:"target"`
	Cursor      string    `json:"cursor"`
	Until       time.Time `json:"until"`
	Extracted   int       `json:"extracted"`
	Accepted    int       `json:"accepted"`
	Inserted    int       `json:"inserted"`
	Oldest      time.Time `json:"oldest"`
	Identity    string    `json:"identity"`
	Jumped      bool      `json:"jumped"`
	CommittedAt time.Time `json:"committed_at"`
}
