package wire

// Outbound control frame types.
const (
	// TypeResume requests replay of events following the last accepted
	// sequence number.
	TypeResume = "client.resume"
	// TypeInputSubmit answers a pending input request.
	TypeInputSubmit = "user.input.submit"
)

type (
	// ResumeRequest is the first frame sent after (re)connecting when a
	// persisted cursor exists, and the recovery frame sent on a detected gap.
	ResumeRequest struct {
		Type          string `json:"type"`
		SessionID     string `json:"sessionId"`
		LastClientSeq int64  `json:"lastClientSeq"`
	}

	// InputSubmit carries the user's answer to an input request.
	InputSubmit struct {
		Type           string `json:"type"`
		InputRequestID string `json:"inputRequestId"`
		Text           string `json:"text"`
	}
)

// NewResumeRequest builds the resume frame for a session cursor.
func NewResumeRequest(sessionID string, lastSeq int64) ResumeRequest {
	return ResumeRequest{Type: TypeResume, SessionID: sessionID, LastClientSeq: lastSeq}
}

// NewInputSubmit builds the input submission frame.
func NewInputSubmit(requestID, text string) InputSubmit {
	return InputSubmit{Type: TypeInputSubmit, InputRequestID: requestID, Text: text}
}
