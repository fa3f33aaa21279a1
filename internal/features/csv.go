package features

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"threatwatch/internal/model"
	"threatwatch/internal/normalize"
)

var csvColumns = []string{
	"source_ip", "dest_ip", "source_port", "dest_port", "protocol", "packet_size", "duration", "threat_type",
}

type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// CSVReport is the outcome of one CSV upload. Rows are numbered from 1
// counting the header when present.
type CSVReport struct {
	Accepted []model.TrainingSample `json:"-"`
	Invalid  []RowError             `json:"invalid"`
	Total    int                    `json:"total"`
}

func (r CSVReport) AcceptedCount() int { return len(r.Accepted) }

// ParseCSV reads training rows. Malformed rows are skipped and reported;
// only reader failures return an error. The hour feature comes from now.
func ParseCSV(r io.Reader, now time.Time) (CSVReport, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	report := CSVReport{}
	row := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				report.Total++
				report.Invalid = append(report.Invalid, RowError{Row: row, Reason: perr.Err.Error()})
				continue
			}
			return report, err
		}
		if row == 1 && isHeader(rec) {
			continue
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		report.Total++
		sample, err := parseRow(rec, now)
		if err != nil {
			report.Invalid = append(report.Invalid, RowError{Row: row, Reason: err.Error()})
			continue
		}
		report.Accepted = append(report.Accepted, sample)
	}
	return report, nil
}

func isHeader(rec []string) bool {
	return len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), csvColumns[0])
}

func parseRow(rec []string, now time.Time) (model.TrainingSample, error) {
	if len(rec) != len(csvColumns) {
		return model.TrainingSample{}, fmt.Errorf("expected %d columns, got %d", len(csvColumns), len(rec))
	}
	src, dst := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
	srcPort, err := normalize.ParsePort(rec[2])
	if err != nil {
		return model.TrainingSample{}, err
	}
	dstPort, err := normalize.ParsePort(rec[3])
	if err != nil {
		return model.TrainingSample{}, err
	}
	proto := normalize.ParseProtocol(rec[4])
	if proto == model.ProtocolUnknown || isNumericProto(rec[4]) {
		return model.TrainingSample{}, fmt.Errorf("invalid protocol %q", rec[4])
	}
	size, err := strconv.Atoi(strings.TrimSpace(rec[5]))
	if err != nil || size < 0 {
		return model.TrainingSample{}, fmt.Errorf("invalid packet_size %q", rec[5])
	}
	if d := strings.TrimSpace(rec[6]); d != "" {
		if _, err := strconv.ParseFloat(d, 64); err != nil {
			return model.TrainingSample{}, fmt.Errorf("invalid duration %q", rec[6])
		}
	}
	label := strings.TrimSpace(rec[7])
	if err := ValidateLabel(label); err != nil {
		return model.TrainingSample{}, err
	}
	vec := build(size, srcPort, dstPort, proto, now, src, dst)
	if err := Validate(vec); err != nil {
		return model.TrainingSample{}, err
	}
	return model.TrainingSample{
		ID:        uuid.NewString(),
		Features:  vec,
		Label:     label,
		Source:    model.SourceCSV,
		Validated: true,
		CreatedAt: now.UTC(),
	}, nil
}

// CSV rows must name the protocol; numeric codes are rejected.
func isNumericProto(v string) bool {
	_, err := strconv.Atoi(strings.TrimSpace(v))
	return err == nil
}
