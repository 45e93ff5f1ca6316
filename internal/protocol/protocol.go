// Package protocol defines the wire format for all client-server communication.
// Every message is a single line of UTF-8 text terminated by '\n'. The server
// sends a prompt, the client answers with its display name, and from then on
// every line the client sends is fanned out to the other peers as a chat event.
package protocol

import (
	"fmt"
	"strings"
)

// DefaultPrompt is the first line a server sends on a new connection.
const DefaultPrompt = "send your name"

// EventKind identifies which variant an Event carries.
type EventKind int

const (
	KindJoined EventKind = iota + 1
	KindLeft
	KindSaid
)

func (k EventKind) String() string {
	switch k {
	case KindJoined:
		return "join"
	case KindLeft:
		return "left"
	case KindSaid:
		return "chat"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a chat event delivered to peers. Events are built once per
// broadcast and shared by pointer with every recipient, so they must never be
// mutated after construction. The fields are unexported for that reason.
type Event struct {
	kind EventKind
	name string
	text string
	line string // rendered once at construction
}

// Joined announces that name entered the chat.
func Joined(name string) *Event { return newEvent(KindJoined, name, "") }

// Left announces that name disconnected.
func Left(name string) *Event { return newEvent(KindLeft, name, "") }

// Said carries one line of text sent by name.
func Said(name, text string) *Event { return newEvent(KindSaid, name, text) }

func newEvent(kind EventKind, name, text string) *Event {
	e := &Event{kind: kind, name: name, text: text}
	e.line = render(e)
	return e
}

func (e *Event) Kind() EventKind { return e.kind }
func (e *Event) Name() string    { return e.name }
func (e *Event) Text() string    { return e.text }

// Line returns the wire form of the event without the trailing newline:
//
//	join[<name>]
//	left[<name>]
//	chat[<name>]:<text>
func (e *Event) Line() string { return e.line }

func (e *Event) String() string { return e.line }

func render(e *Event) string {
	switch e.kind {
	case KindSaid:
		return "chat[" + e.name + "]:" + e.text
	default:
		return e.kind.String() + "[" + e.name + "]"
	}
}

// ParseLine reverses Line for display purposes on the client side. Lines that
// do not look like an event (such as the prompt) return ok == false.
//
// Names containing "]:" cannot be told apart from the text boundary; the first
// occurrence wins.
func ParseLine(line string) (kind EventKind, name, text string, ok bool) {
	for _, k := range []EventKind{KindJoined, KindLeft} {
		prefix := k.String() + "["
		if strings.HasPrefix(line, prefix) && strings.HasSuffix(line, "]") && len(line) > len(prefix) {
			return k, line[len(prefix) : len(line)-1], "", true
		}
	}
	prefix := KindSaid.String() + "["
	if !strings.HasPrefix(line, prefix) {
		return 0, "", "", false
	}
	rest := line[len(prefix):]
	i := strings.Index(rest, "]:")
	if i < 0 {
		return 0, "", "", false
	}
	return KindSaid, rest[:i], rest[i+2:], true
}
