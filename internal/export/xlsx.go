package export

import (
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/imagefilter/internal/model"
)

// Sheet names in the workbook.
const (
	SheetRecords = "records"
	SheetImages  = "images"
)

var (
	recordHeader = []string{"id", "type", "count", "average_accuracy", "min_lat", "min_lon", "max_lat", "max_lon", "updated_at"}
	imageHeader  = []string{"event_id", "url", "date", "accuracy_score"}
)

// WriteXLSX writes a workbook with one row per record on the records sheet
// and one row per accepted image on the images sheet.
func WriteXLSX(w io.Writer, records []*model.OutputRecord) error {
	f := xlsx.NewFile()

	recs, err := f.AddSheet(SheetRecords)
	if err != nil {
		return eris.Wrap(err, "export: add records sheet")
	}
	imgs, err := f.AddSheet(SheetImages)
	if err != nil {
		return eris.Wrap(err, "export: add images sheet")
	}
	addHeader(recs, recordHeader)
	addHeader(imgs, imageHeader)

	for _, rec := range records {
		row := recs.AddRow()
		row.AddCell().SetString(rec.ID)
		row.AddCell().SetString(rec.Type.String())
		row.AddCell().SetInt(rec.Count)
		row.AddCell().SetFloat(rec.AverageConfidence)
		if rec.Extent != nil {
			row.AddCell().SetFloat(rec.Extent.MinLat)
			row.AddCell().SetFloat(rec.Extent.MinLon)
			row.AddCell().SetFloat(rec.Extent.MaxLat)
			row.AddCell().SetFloat(rec.Extent.MaxLon)
		} else {
			for range 4 {
				row.AddCell()
			}
		}
		row.AddCell().SetString(rec.UpdatedAt.UTC().Format(time.RFC3339))

		for _, img := range rec.Images {
			ir := imgs.AddRow()
			ir.AddCell().SetString(rec.ID)
			ir.AddCell().SetString(img.URL)
			ir.AddCell().SetString(img.Date.UTC().Format(time.DateTime))
			ir.AddCell().SetFloat(img.Score())
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}

func addHeader(sheet *xlsx.Sheet, cols []string) {
	row := sheet.AddRow()
	for _, c := range cols {
		row.AddCell().SetString(c)
	}
}
