package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gmmfit/internal/model"
)

// readGMMFile parses the flat data-mixture table. Each row holds
// Id Weight Mean_0 Mean_1 Mean_2 Cov_00 Cov_01 Cov_02 Cov_11 Cov_12
// Cov_22 Beta; lines starting with '#' are skipped.
func readGMMFile(path string) ([]model.ComponentRecord, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}

	records := make([]model.ComponentRecord, 0, len(rows))
	for _, row := range rows {
		if len(row.fields) != 12 {
			return nil, fmt.Errorf("%s:%d: expected 12 fields, got %d", path, row.line, len(row.fields))
		}
		vals, err := row.floats()
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, row.line, err)
		}
		records = append(records, model.ComponentRecord{
			ID:     int(vals[0]),
			Weight: vals[1],
			Mean:   model.Vec{vals[2], vals[3], vals[4]},
			Cov:    model.Sym{vals[5], vals[6], vals[7], vals[8], vals[9], vals[10]},
			Beta:   int(vals[11]),
		})
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: no components", path)
	}
	return records, nil
}

// readErrorFile parses the experimental error table: Id followed by one
// or more error magnitudes per row.
func readErrorFile(path string) ([]model.ErrorRecord, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}

	records := make([]model.ErrorRecord, 0, len(rows))
	for _, row := range rows {
		if len(row.fields) < 2 {
			return nil, fmt.Errorf("%s:%d: expected an id and at least one error", path, row.line)
		}
		vals, err := row.floats()
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, row.line, err)
		}
		records = append(records, model.ErrorRecord{
			ID:     int(vals[0]),
			Errors: vals[1:],
		})
	}
	return records, nil
}

// readPositionsFile parses atom rows: Name X Y Z.
func readPositionsFile(path string) ([]string, []model.Vec, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, nil, err
	}

	symbols := make([]string, 0, len(rows))
	positions := make([]model.Vec, 0, len(rows))
	for _, row := range rows {
		if len(row.fields) != 4 {
			return nil, nil, fmt.Errorf("%s:%d: expected name and 3 coordinates, got %d fields", path, row.line, len(row.fields))
		}
		var pos model.Vec
		for k := 0; k < 3; k++ {
			v, err := strconv.ParseFloat(row.fields[k+1], 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%s:%d: %w", path, row.line, err)
			}
			pos[k] = v
		}
		symbols = append(symbols, row.fields[0])
		positions = append(positions, pos)
	}
	if len(positions) == 0 {
		return nil, nil, fmt.Errorf("%s: no atoms", path)
	}
	return symbols, positions, nil
}

type row struct {
	line   int
	fields []string
}

func (r row) floats() ([]float64, error) {
	vals := make([]float64, len(r.fields))
	for i, f := range r.fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return vals, nil
}

func readRows(path string) ([]row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []row
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rows = append(rows, row{line: line, fields: strings.Fields(text)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
