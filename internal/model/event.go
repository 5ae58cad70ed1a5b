package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// ErrMalformedEvent is returned when an event payload fails schema validation.
var ErrMalformedEvent = eris.New("malformed event")

// Wire keys used by upstream crawlers. The output file format reuses them.
const (
	keyID         = "id"
	keyType       = "type"
	keyImages     = "images"
	keyImageURL   = "URLImage"
	keyImageDate  = "date"
	keyConfidence = "accuracy_score"
	keyAverage    = "average_accuracy"
	keyCount      = "count"
	keyExtent     = "extent"
	keyUpdatedAt  = "updated_at"
)

// timestampLayouts are tried in order when parsing image capture dates.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 style timestamp. Values without a zone
// are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unparseable timestamp %q", s)
}

// Image is a candidate picture attached to an event.
type Image struct {
	URL  string    `json:"-"`
	Date time.Time `json:"-"`

	// Confidence is attached once the image is accepted.
	Confidence *float64 `json:"-"`

	// Extra holds the remaining payload members (URLTweet, ...) verbatim.
	Extra map[string]json.RawMessage `json:"-"`

	dateText string
}

// maxLoggedURL bounds URLs in logs and errors; inline data: URIs run to
// megabytes.
const maxLoggedURL = 120

// ShortURL returns url cut to a loggable length on a rune boundary.
func ShortURL(url string) string {
	if len(url) <= maxLoggedURL {
		return url
	}
	cut := maxLoggedURL
	for cut > 0 && !utf8.RuneStart(url[cut]) {
		cut--
	}
	return url[:cut] + "..."
}

// Key is the idempotency key of the image within an event.
func (img Image) Key(eventID string) string {
	h := sha256.New()
	h.Write([]byte(eventID))
	h.Write([]byte{0})
	h.Write([]byte(img.URL))
	h.Write([]byte{0})
	h.Write([]byte(img.Date.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// WithConfidence returns a copy of img carrying the acceptance score.
func (img Image) WithConfidence(c float64) Image {
	img.Confidence = &c
	return img
}

// Score returns the attached confidence, or zero when absent.
func (img Image) Score() float64 {
	if img.Confidence == nil {
		return 0
	}
	return *img.Confidence
}

func (img Image) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(img.Extra)+3)
	for k, v := range img.Extra {
		out[k] = v
	}
	out[keyImageURL] = img.URL
	if img.dateText != "" {
		out[keyImageDate] = img.dateText
	} else {
		out[keyImageDate] = img.Date.UTC().Format(time.RFC3339Nano)
	}
	if img.Confidence != nil {
		out[keyConfidence] = *img.Confidence
	}
	return json.Marshal(out)
}

func (img *Image) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return eris.Wrap(ErrMalformedEvent, "image is not an object")
	}

	var u string
	if err := decodeMember(raw, keyImageURL, &u); err != nil {
		return err
	}
	if strings.TrimSpace(u) == "" {
		return eris.Wrapf(ErrMalformedEvent, "image missing %s", keyImageURL)
	}

	var date string
	if err := decodeMember(raw, keyImageDate, &date); err != nil {
		return err
	}
	ts, err := ParseTimestamp(date)
	if err != nil {
		return eris.Wrapf(ErrMalformedEvent, "image %s: %v", u, err)
	}

	var conf *float64
	if v, ok := raw[keyConfidence]; ok {
		var c float64
		if err := json.Unmarshal(v, &c); err != nil {
			return eris.Wrapf(ErrMalformedEvent, "image %s: bad %s", u, keyConfidence)
		}
		conf = &c
	}

	delete(raw, keyImageURL)
	delete(raw, keyImageDate)
	delete(raw, keyConfidence)

	*img = Image{URL: u, Date: ts, Confidence: conf, dateText: date}
	if len(raw) > 0 {
		img.Extra = raw
	}
	return nil
}

// Event is a disaster report with its candidate images.
type Event struct {
	ID       string
	Type     DisasterType
	TypeName string
	Images   []Image

	// Metadata carries every other payload member (country, locations, ...)
	// and is written back untouched.
	Metadata map[string]json.RawMessage
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return eris.Wrap(ErrMalformedEvent, "event is not an object")
	}

	var ev Event
	if err := decodeMember(raw, keyID, &ev.ID); err != nil {
		return err
	}
	if err := decodeMember(raw, keyType, &ev.TypeName); err != nil {
		return err
	}
	if v, ok := raw[keyImages]; ok {
		if err := json.Unmarshal(v, &ev.Images); err != nil {
			if eris.Is(err, ErrMalformedEvent) {
				return eris.Wrapf(err, "event %s", ev.ID)
			}
			return eris.Wrapf(ErrMalformedEvent, "event %s: images: %v", ev.ID, err)
		}
	}

	delete(raw, keyID)
	delete(raw, keyType)
	delete(raw, keyImages)
	if len(raw) > 0 {
		ev.Metadata = raw
	}

	*e = ev
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.members())
}

func (e Event) members() map[string]any {
	out := make(map[string]any, len(e.Metadata)+3)
	for k, v := range e.Metadata {
		out[k] = v
	}
	out[keyID] = e.ID
	name := e.TypeName
	if name == "" {
		name = e.Type.String()
	}
	out[keyType] = name
	images := e.Images
	if images == nil {
		images = []Image{}
	}
	out[keyImages] = images
	return out
}

// Normalize validates the event and resolves its declared type. Images are
// stably sorted by capture time so that payload order breaks ties.
func (e *Event) Normalize() error {
	if strings.TrimSpace(e.ID) == "" {
		return eris.Wrap(ErrMalformedEvent, "missing id")
	}
	if strings.ContainsAny(e.ID, `/\`) || e.ID == "." || e.ID == ".." {
		return eris.Wrapf(ErrMalformedEvent, "id %q is not a valid record key", e.ID)
	}
	if strings.TrimSpace(e.TypeName) == "" {
		return eris.Wrapf(ErrMalformedEvent, "event %s: missing type", e.ID)
	}
	t, err := ParseDisasterType(e.TypeName)
	if err != nil {
		return eris.Wrapf(err, "event %s", e.ID)
	}
	e.Type = t

	sort.SliceStable(e.Images, func(i, j int) bool {
		return e.Images[i].Date.Before(e.Images[j].Date)
	})
	return nil
}

func decodeMember(raw map[string]json.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok {
		return eris.Wrapf(ErrMalformedEvent, "missing %s", key)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return eris.Wrapf(ErrMalformedEvent, "%s must be a string", key)
	}
	return nil
}
