package ami

import "strings"

// Message is one key/value block received from the switch
type Message map[string]string

// Get returns field value, key match is case insensitive
func (m Message) Get(key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Has checks if the field exists
func (m Message) Has(key string) bool {
	if _, ok := m[key]; ok {
		return true
	}
	for k := range m {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// IsSuccess checks action response status
func (m Message) IsSuccess() bool {
	return strings.EqualFold(m.Get("Response"), "Success")
}

// Event is an asynchronous switch notification
type Event struct {
	Message
}

// NewEvent makes event from fields, used by producers and tests
func NewEvent(name string, fields map[string]string) Event {
	res := Event{Message: Message{"Event": name}}
	for k, v := range fields {
		res.Message[k] = v
	}
	return res
}

// Name returns event name
func (e Event) Name() string {
	return e.Get("Event")
}

// Action is a request sent to the switch
type Action struct {
	Name   string
	Fields map[string]string
}
