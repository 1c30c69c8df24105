package services

import (
	"bytes"
	"encoding/csv"
	"sort"
	"strconv"
	"time"
)

// ExportLongCSV renders one row per scored indicator.
func ExportLongCSV(cotations []*Cotation) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"cotation_id", "session_id", "patient_id", "key", "value", "session_date"})
	for _, c := range cotations {
		for _, key := range sortedKeys(c.Scores) {
			rec := []string{
				c.ID,
				c.SessionID,
				c.PatientID,
				key,
				ftoa(c.Scores[key]),
				c.SessionDate.UTC().Format(time.RFC3339),
			}
			if err := w.Write(rec); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportWideCSV renders one row per cotation with a column per score key.
// Unscored cells are left empty.
func ExportWideCSV(cotations []*Cotation) ([]byte, error) {
	keySet := map[string]struct{}{}
	for _, c := range cotations {
		for k := range c.Scores {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	header := append([]string{"session_id", "patient_id", "session_date"}, keys...)
	header = append(header, "total", "max_total", "percentage")
	_ = w.Write(header)
	for _, c := range cotations {
		row := make([]string, 0, len(header))
		row = append(row, c.SessionID, c.PatientID, c.SessionDate.UTC().Format("2006-01-02"))
		for _, k := range keys {
			if v, ok := c.Scores[k]; ok {
				row = append(row, ftoa(v))
			} else {
				row = append(row, "")
			}
		}
		row = append(row, ftoa(c.Total), ftoa(c.MaxTotal), strconv.FormatFloat(c.Percentage, 'f', 1, 64))
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportDomainCSV renders the per-domain breakdown of each cotation.
func ExportDomainCSV(domains []Domain, cotations []*Cotation) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"session_id", "domain", "total", "max_total", "percentage", "scored"})
	for _, c := range cotations {
		for _, ds := range DomainBreakdown(domains, c.Scores) {
			rec := []string{
				c.SessionID,
				ds.Domain,
				ftoa(ds.Total),
				ftoa(ds.MaxTotal),
				strconv.FormatFloat(ds.Percentage, 'f', 1, 64),
				strconv.Itoa(ds.Scored),
			}
			if err := w.Write(rec); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
