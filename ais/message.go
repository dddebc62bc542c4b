// Package ais encodes and decodes single-fragment AIVDM/AIVDO sentences.
//
// Position reports (types 1, 2, 3 and 18), static and voyage data (type 5) and
// static data reports (type 24, parts A and B) are supported in both directions.
// Decoding never fails loudly: a sentence that cannot be decoded yields a
// Message with Valid set to false.
package ais

// ETA is the estimated time of arrival carried by type 5 messages.
// Zero fields mean "not available".
type ETA struct {
	Month  int `json:"month"`
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Message is a decoded AIS message. Only the fields of its Type are meaningful.
type Message struct {
	Type   int    `json:"type"`
	Repeat int    `json:"repeat"`
	MMSI   uint32 `json:"mmsi"`

	// Position reports
	NavStatus int     `json:"nav_status,omitempty"`
	Lon       float64 `json:"lon"`
	Lat       float64 `json:"lat"`
	SOG       float64 `json:"sog"` // knots
	COG       float64 `json:"cog"` // degrees
	Heading   int     `json:"heading"`
	Second    int     `json:"second"`

	// Static data
	Part        int     `json:"part,omitempty"`
	AISVersion  int     `json:"ais_version,omitempty"`
	IMO         int     `json:"imo,omitempty"`
	ShipName    string  `json:"ship_name,omitempty"`
	CallSign    string  `json:"call_sign,omitempty"`
	CargoType   int     `json:"cargo_type,omitempty"`
	Dimensions  [4]int  `json:"dimensions"` // to bow, stern, port, starboard
	Draught     float64 `json:"draught,omitempty"`
	Destination string  `json:"destination,omitempty"`
	ETA         ETA     `json:"eta"`

	Valid bool `json:"valid"`
}

// Length is the overall length in metres (bow + stern).
func (m Message) Length() int { return m.Dimensions[0] + m.Dimensions[1] }

// Width is the overall beam in metres (port + starboard).
func (m Message) Width() int { return m.Dimensions[2] + m.Dimensions[3] }

// IsPosition reports whether the message type carries a position.
func (m Message) IsPosition() bool {
	switch m.Type {
	case 1, 2, 3, 18:
		return true
	}
	return false
}

// IsStatic reports whether the message type carries vessel identity data.
func (m Message) IsStatic() bool {
	return m.Type == 5 || m.Type == 24
}

const (
	// HeadingNotAvailable is the wire value for an unknown true heading.
	HeadingNotAvailable = 511

	// SecondNotAvailable is the wire value for an unknown UTC second.
	SecondNotAvailable = 60

	coordScale = 600000.0
)
