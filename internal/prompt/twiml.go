package prompt

import (
	"bytes"
	"encoding/xml"
	"net/http"
)

// Verb is one instruction in a telephony markup document.
type Verb interface{ verb() }

// Response is the markup document returned to the telephony transport.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []Verb
}

type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// Gather collects digits or speech and posts them to Action. Nested verbs are
// spoken while gathering.
type Gather struct {
	XMLName   xml.Name `xml:"Gather"`
	Input     string   `xml:"input,attr,omitempty"`
	NumDigits int      `xml:"numDigits,attr,omitempty"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Action    string   `xml:"action,attr,omitempty"`
	Method    string   `xml:"method,attr,omitempty"`
	Verbs     []Verb
}

// Record captures the caller's answer and posts it to Action. When nothing is
// recorded the transport falls through to the next verb.
type Record struct {
	XMLName     xml.Name `xml:"Record"`
	Action      string   `xml:"action,attr,omitempty"`
	Method      string   `xml:"method,attr,omitempty"`
	MaxLength   int      `xml:"maxLength,attr,omitempty"`
	Timeout     int      `xml:"timeout,attr,omitempty"`
	FinishOnKey string   `xml:"finishOnKey,attr,omitempty"`
	PlayBeep    bool     `xml:"playBeep,attr"`
	Transcribe  bool     `xml:"transcribe,attr,omitempty"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

func (Say) verb()      {}
func (Play) verb()     {}
func (Pause) verb()    {}
func (Gather) verb()   {}
func (Record) verb()   {}
func (Redirect) verb() {}
func (Hangup) verb()   {}

// Respond builds a document from verbs.
func Respond(verbs ...Verb) *Response {
	return &Response{Verbs: verbs}
}

func (r *Response) Add(verbs ...Verb) *Response {
	r.Verbs = append(r.Verbs, verbs...)
	return r
}

func (r *Response) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write serves the document. Encoding failures fall back to a bare hangup so
// the transport always receives valid markup.
func (r *Response) Write(w http.ResponseWriter) {
	body, err := r.Bytes()
	if err != nil {
		body = []byte(xml.Header + "<Response><Hangup></Hangup></Response>")
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
