// Package export renders output records for people: spreadsheets for
// review and YAML or JSON dumps for diffing.
package export

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/imagefilter/internal/model"
)

// Supported formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatXLSX = "xlsx"
)

// ErrUnknownFormat is returned for a format Write does not support.
var ErrUnknownFormat = eris.New("export: unknown format")

// Formats lists the supported format names.
func Formats() []string {
	return []string{FormatJSON, FormatYAML, FormatXLSX}
}

// Write renders records to w in the named format.
func Write(w io.Writer, format string, records []*model.OutputRecord) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		return WriteJSON(w, records)
	case FormatYAML, "yml":
		return WriteYAML(w, records)
	case FormatXLSX:
		return WriteXLSX(w, records)
	default:
		return eris.Wrapf(ErrUnknownFormat, "%q", format)
	}
}

// WriteJSON writes records as an indented JSON array in their persisted
// form.
func WriteJSON(w io.Writer, records []*model.OutputRecord) error {
	if records == nil {
		records = []*model.OutputRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return eris.Wrap(err, "export: encode json")
	}
	return nil
}

// WriteYAML writes records as a YAML sequence. Keys match the persisted
// JSON members.
func WriteYAML(w io.Writer, records []*model.OutputRecord) error {
	docs := make([]any, 0, len(records))
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrapf(err, "export: marshal record %s", rec.ID)
		}
		var doc any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return eris.Wrapf(err, "export: convert record %s", rec.ID)
		}
		docs = append(docs, doc)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(docs); err != nil {
		return eris.Wrap(err, "export: encode yaml")
	}
	return eris.Wrap(enc.Close(), "export: close yaml encoder")
}
