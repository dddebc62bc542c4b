// Package gpx reads and writes the subset of GPX 1.1 the daemon uses: tracks
// of timestamped points and routes of waypoints.
package gpx

import (
	"encoding/xml"
	stderrors "errors"
	"fmt"
	"io"
	"time"
)

// Header opens a GPX document.
const Header = xml.Header + `<gpx version="1.1" creator="GpsdTracking" xmlns="http://www.topografix.com/GPX/1/1">` + "\n"

// Footer closes a GPX document.
const Footer = "</gpx>\n"

// Point is a track point (trkpt) or a route point (rtept, wpt).
type Point struct {
	Lat    float64   `xml:"lat,attr"`
	Lon    float64   `xml:"lon,attr"`
	Ele    float64   `xml:"ele,omitempty"`
	Time   time.Time `xml:"time,omitempty"`
	Name   string    `xml:"name,omitempty"`
	Desc   string    `xml:"desc,omitempty"`
	Course float64   `xml:"course,omitempty"`
	Speed  float64   `xml:"speed,omitempty"` // m/s
}

// Document is a parsed GPX file. Track segments are flattened.
type Document struct {
	Name   string
	Tracks [][]Point
	Routes [][]Point
	Points []Point // standalone waypoints
}

// WritePoint writes one trkpt element.
func WritePoint(w io.Writer, p Point) error {
	p.Time = p.Time.UTC()
	out, err := xml.MarshalIndent(struct {
		XMLName xml.Name `xml:"trkpt"`
		Point
	}{Point: p}, "    ", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')
	_, err = w.Write(out)
	return err
}

// OpenTrack writes the start of a named track segment.
func OpenTrack(w io.Writer, name string) error {
	var esc xmlText
	if err := xml.EscapeText(&esc, []byte(name)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "<trk><name>%s</name>\n  <trkseg>\n", esc)
	return err
}

// CloseTrack ends the segment opened by OpenTrack.
func CloseTrack(w io.Writer) error {
	_, err := io.WriteString(w, "  </trkseg>\n</trk>\n")
	return err
}

type xmlText []byte

func (t *xmlText) Write(p []byte) (int, error) {
	*t = append(*t, p...)
	return len(p), nil
}

// Read parses r. Files still being appended to lack their closing tags, so
// a document cut short returns what was read so far without error.
func Read(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(r)
	doc := &Document{}
	var current *[]Point

	for {
		tok, err := dec.Token()
		if err != nil {
			return doc, truncated(err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "trk":
				doc.Tracks = append(doc.Tracks, nil)
				current = &doc.Tracks[len(doc.Tracks)-1]
			case "rte":
				doc.Routes = append(doc.Routes, nil)
				current = &doc.Routes[len(doc.Routes)-1]
			case "name":
				if current == nil && doc.Name == "" {
					var name string
					if err := dec.DecodeElement(&name, &el); err != nil {
						return doc, truncated(err)
					}
					doc.Name = name
				}
			case "trkpt", "rtept", "wpt":
				var p Point
				if err := dec.DecodeElement(&p, &el); err != nil {
					return doc, truncated(err)
				}
				if el.Name.Local == "wpt" || current == nil {
					doc.Points = append(doc.Points, p)
				} else {
					*current = append(*current, p)
				}
			}
		case xml.EndElement:
			if el.Name.Local == "trk" || el.Name.Local == "rte" {
				current = nil
			}
		}
	}
}

// truncated swallows the errors of a document cut short.
func truncated(err error) error {
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	var syntax *xml.SyntaxError
	if stderrors.As(err, &syntax) && syntax.Msg == "unexpected EOF" {
		return nil
	}
	return err
}

// TrackPoints returns every track point in document order.
func (d *Document) TrackPoints() []Point {
	var out []Point
	for _, t := range d.Tracks {
		out = append(out, t...)
	}
	return out
}

// Route returns the first route, or the track points, or the waypoints,
// whichever the file has.
func (d *Document) Route() []Point {
	if len(d.Routes) > 0 && len(d.Routes[0]) > 0 {
		return d.Routes[0]
	}
	if pts := d.TrackPoints(); len(pts) > 0 {
		return pts
	}
	return d.Points
}
