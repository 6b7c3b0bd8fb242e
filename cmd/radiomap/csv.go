package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/signalsfoundry/spectrum-kriging/model"
)

// readSamples parses x,y,value rows. A first row whose x column is not a
// number is treated as a header; blank lines and '#' comments are skipped.
func readSamples(r io.Reader) ([]model.Sample, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true

	var out []model.Sample
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		vals := make([]float64, 3)
		var parseErr error
		for i, field := range rec {
			if vals[i], parseErr = strconv.ParseFloat(strings.TrimSpace(field), 64); parseErr != nil {
				break
			}
		}
		if parseErr != nil {
			if line == 1 {
				continue
			}
			row, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("row %d: %w", row, parseErr)
		}
		out = append(out, model.Sample{Location: model.Point{X: vals[0], Y: vals[1]}, Value: vals[2]})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no samples found")
	}
	return out, nil
}
