package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"MailSpool/internal/models"
)

var requiredColumns = []string{"alias", "email", "password"}

// ParseAccountRows parses SMTP accounts from a CSV with a header row.
// Column names are case-insensitive; alias, email and password are
// required, host, port and encryption fall back to the account defaults.
//
// maxRows limits how many data rows are parsed (excluding header).
func ParseAccountRows(r io.Reader, maxRows int) ([]models.EmailAccount, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("csv must contain a %s column", col)
		}
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	field := func(record []string, col string) string {
		i, ok := index[col]
		if !ok {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	rows := make([]models.EmailAccount, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		a := models.EmailAccount{
			Alias:      field(record, "alias"),
			Email:      field(record, "email"),
			Password:   field(record, "password"),
			Host:       field(record, "host"),
			Encryption: strings.ToLower(field(record, "encryption")),
		}
		if a.Alias == "" || a.Email == "" {
			continue
		}

		if p := field(record, "port"); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				line, _ := reader.FieldPos(index["port"])
				return nil, fmt.Errorf("line %d: invalid port %q: %w", line, p, err)
			}
			a.Port = port
		}

		a.ApplyDefaults()
		rows = append(rows, a)
	}

	if len(rows) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return rows, nil
}
