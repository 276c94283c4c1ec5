package status

// CallState represents the persisted call lifecycle state
type CallState int

const (
	// Initiated - call seen on the event stream, not answered yet
	Initiated CallState = iota + 1
	// Answered - channel went up
	Answered
	// Ended - final step
	Ended
	// InStasis - call discovered through the control channel
	InStasis
)

var (
	callStateName = map[CallState]string{Initiated: "initiated", Answered: "answered",
		Ended: "ended", InStasis: "in_stasis"}
	nameCallState = map[string]CallState{"initiated": Initiated, "answered": Answered,
		"ended": Ended, "in_stasis": InStasis}
)

func (st CallState) String() string {
	return callStateName[st]
}

// CallStateFrom returns call state obj from string
func CallStateFrom(st string) CallState {
	return nameCallState[st]
}

// Transcription represents transcription job status
type Transcription int

const (
	// Pending - job created, not picked yet
	Pending Transcription = iota + 1
	// Processing - job is being worked on
	Processing
	// Completed - final step
	Completed
	// Failed - final step
	Failed
)

var (
	transcriptionName = map[Transcription]string{Pending: "pending", Processing: "processing",
		Completed: "completed", Failed: "failed"}
	nameTranscription = map[string]Transcription{"pending": Pending, "processing": Processing,
		"completed": Completed, "failed": Failed}
)

func (st Transcription) String() string {
	return transcriptionName[st]
}

// Terminal returns true if no more transitions are allowed
func (st Transcription) Terminal() bool {
	return st == Completed || st == Failed
}

// TranscriptionFrom returns transcription status obj from string
func TranscriptionFrom(st string) Transcription {
	return nameTranscription[st]
}
