// Package protocol is the message vocabulary spoken over a room connection. Every frame is a UTF-8
// JSON object {"type": ..., "data": ...}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/astromechza/steprooms/pkg/grid"
)

var (
	ErrUnknownKind = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

type Kind string

const (
	KindInit   Kind = "INIT"
	KindJoin   Kind = "JOIN"
	KindLeave  Kind = "LEAVE"
	KindSignal Kind = "SIGNAL"
	KindError  Kind = "ERROR"
	KindSet    Kind = "SET"
	KindPage   Kind = "PAGE"
)

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	message()
}

// Init carries the full room state plus the ids of the participants already in the room.
type Init struct {
	grid.Snapshot
	Peers []string `json:"peers"`
}

type Join struct{ ID string }

type Leave struct{ ID string }

// Signal is an opaque peer negotiation payload. Clients set To, the server rewrites it to From.
type Signal struct {
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error is terminal for the connection that receives it.
type Error struct{ Reason string }

type Set struct{ grid.SetStep }

type Page struct{ grid.SetPage }

func (Init) Kind() Kind   { return KindInit }
func (Join) Kind() Kind   { return KindJoin }
func (Leave) Kind() Kind  { return KindLeave }
func (Signal) Kind() Kind { return KindSignal }
func (Error) Kind() Kind  { return KindError }
func (Set) Kind() Kind    { return KindSet }
func (Page) Kind() Kind   { return KindPage }

func (Init) message()   {}
func (Join) message()   {}
func (Leave) message()  {}
func (Signal) message() {}
func (Error) message()  {}
func (Set) message()    {}
func (Page) message()   {}

type frame struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

func Encode(m Message) ([]byte, error) {
	var data interface{}
	switch m := m.(type) {
	case Init:
		if m.Peers == nil {
			m.Peers = []string{}
		}
		data = m
	case Join:
		data = m.ID
	case Leave:
		data = m.ID
	case Signal:
		data = m
	case Error:
		data = m.Reason
	case Set:
		data = m.SetStep
	case Page:
		data = m.SetPage
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(frame{Type: m.Kind(), Data: raw})
}

// MustEncode is for messages that are known to encode, such as fixed error frames.
func MustEncode(m Message) []byte {
	raw, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return raw
}

func Decode(raw []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch f.Type {
	case KindInit:
		var m Init
		if err := decodeData(f, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindJoin:
		var id string
		if err := decodeData(f, &id); err != nil {
			return nil, err
		}
		return Join{ID: id}, nil
	case KindLeave:
		var id string
		if err := decodeData(f, &id); err != nil {
			return nil, err
		}
		return Leave{ID: id}, nil
	case KindSignal:
		var m Signal
		if err := decodeData(f, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindError:
		var reason string
		if err := decodeData(f, &reason); err != nil {
			return nil, err
		}
		return Error{Reason: reason}, nil
	case KindSet:
		var d struct {
			Track *FlexInt `json:"track"`
			X     *FlexInt `json:"x"`
			Y     *FlexInt `json:"y"`
			IsOn  *FlexInt `json:"isOn"`
		}
		if err := decodeData(f, &d); err != nil {
			return nil, err
		}
		if d.Track == nil || d.X == nil || d.Y == nil || d.IsOn == nil {
			return nil, fmt.Errorf("%w: SET is missing a field", ErrMalformed)
		}
		return Set{grid.SetStep{Track: int(*d.Track), X: int(*d.X), Y: int(*d.Y), IsOn: int(*d.IsOn)}}, nil
	case KindPage:
		var d struct {
			Track *FlexInt `json:"track"`
			Page  *FlexInt `json:"page"`
		}
		if err := decodeData(f, &d); err != nil {
			return nil, err
		}
		if d.Track == nil || d.Page == nil {
			return nil, fmt.Errorf("%w: PAGE is missing a field", ErrMalformed)
		}
		return Page{grid.SetPage{Track: int(*d.Track), Page: int(*d.Page)}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Type)
	}
}

func decodeData(f frame, out interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, f.Type)
	}
	if err := json.Unmarshal(f.Data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, f.Type, err)
	}
	return nil
}

// FlexInt accepts a JSON integer or a string holding one, as browsers post form values as strings.
type FlexInt int

func (n *FlexInt) UnmarshalJSON(raw []byte) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
			return fmt.Errorf("not an integer: %v", v)
		}
		*n = FlexInt(v)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*n = FlexInt(i)
	default:
		return fmt.Errorf("not an integer: %s", raw)
	}
	return nil
}
