package ais

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mark-sch/GpsdTracking/errors"
)

// maxPending bounds the number of incomplete multi-fragment messages an
// Assembler keeps; the oldest are forgotten when a feed loses fragments.
const maxPending = 16

// Assembler joins multi-fragment sentences, such as the two-part type 5
// static reports, into messages. It is not safe for concurrent use; keep one
// per feed connection.
type Assembler struct {
	pending map[string]*fragments
	order   []string
}

type fragments struct {
	parts []string
	have  int
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[string]*fragments)}
}

// Add feeds one sentence. It returns complete=false while a multi-fragment
// message is still missing parts. A complete message may still be invalid,
// as with Parse.
func (a *Assembler) Add(sentence string) (msg Message, complete bool, err error) {
	fields, err := splitSentence(sentence)
	if err != nil {
		return Message{}, true, err
	}

	count, err1 := strconv.Atoi(fields[1])
	num, err2 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || count < 1 || count > 9 || num < 1 || num > count {
		return Message{}, true, errors.WrapInvalid(errors.ErrInvalidSentence, "ais", "Assembler.Add",
			fmt.Sprintf("fragment %s of %s", fields[2], fields[1]))
	}
	if count == 1 {
		p, err := unarmorField(fields[5])
		if err != nil {
			return Message{}, true, err
		}
		msg, err := DecodePayload(p)
		return msg, true, err
	}

	key := fields[3] + "/" + fields[4] + "/" + fields[1]
	f, ok := a.pending[key]
	if !ok || num == 1 {
		f = &fragments{parts: make([]string, count)}
		a.track(key, f)
	}
	if f.parts[num-1] == "" {
		f.have++
	}
	f.parts[num-1] = fields[5]
	if f.have < count {
		return Message{}, false, nil
	}

	a.forget(key)
	p, err := unarmorField(strings.Join(f.parts, ""))
	if err != nil {
		return Message{}, true, err
	}
	msg, err = DecodePayload(p)
	return msg, true, err
}

// Pending is the number of incomplete messages held.
func (a *Assembler) Pending() int { return len(a.pending) }

func (a *Assembler) track(key string, f *fragments) {
	if _, ok := a.pending[key]; !ok {
		a.order = append(a.order, key)
	}
	a.pending[key] = f
	for len(a.order) > maxPending {
		delete(a.pending, a.order[0])
		a.order = a.order[1:]
	}
}

func (a *Assembler) forget(key string) {
	delete(a.pending, key)
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}
