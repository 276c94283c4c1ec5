package inform

import (
	"fmt"
	"strings"
	"time"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/jordan-wright/email"
)

// Data is the voicemail notification content
type Data struct {
	JobID       int64
	MsgType     string
	MsgTime     time.Time
	Status      string
	Text        string
	Error       string
	CallerID    string
	CallerName  string
	Destination string
	CallTime    time.Time
}

// VoicemailMaker makes plain text voicemail emails
type VoicemailMaker struct {
	from string
	to   []string
}

// NewVoicemailMaker creates the maker, all emails go to the same mailboxes
func NewVoicemailMaker(from string, to []string) (*VoicemailMaker, error) {
	if from == "" {
		return nil, fmt.Errorf("no from")
	}
	var rcpt []string
	for _, s := range to {
		if s = strings.TrimSpace(s); s != "" {
			rcpt = append(rcpt, s)
		}
	}
	if len(rcpt) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	return &VoicemailMaker{from: from, to: rcpt}, nil
}

// Make prepares the email
func (m *VoicemailMaker) Make(data *Data) (*email.Email, error) {
	res := email.NewEmail()
	res.From = m.from
	res.To = m.to
	caller := callerStr(data)
	var sb strings.Builder
	switch data.MsgType {
	case amessages.InformTypeFinished:
		res.Subject = fmt.Sprintf("Voicemail from %s", caller)
		fmt.Fprintf(&sb, "New voicemail from %s.\n\n%s\n", caller, data.Text)
	case amessages.InformTypeFailed:
		res.Subject = fmt.Sprintf("Voicemail from %s (no transcript)", caller)
		fmt.Fprintf(&sb, "New voicemail from %s. The transcription failed: %s\n", caller, data.Error)
	default:
		return nil, fmt.Errorf("unknown msg type '%s'", data.MsgType)
	}
	fmt.Fprintf(&sb, "\nCall time: %s\n", data.CallTime.Format("2006-01-02 15:04:05"))
	if data.Destination != "" {
		fmt.Fprintf(&sb, "Destination: %s\n", data.Destination)
	}
	fmt.Fprintf(&sb, "Job: %d\n", data.JobID)
	res.Text = []byte(sb.String())
	return res, nil
}

func callerStr(data *Data) string {
	switch {
	case data.CallerName != "" && data.CallerID != "":
		return fmt.Sprintf("%s <%s>", data.CallerName, data.CallerID)
	case data.CallerID != "":
		return data.CallerID
	case data.CallerName != "":
		return data.CallerName
	}
	return "unknown caller"
}
