package quotes

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/JakeFAU/market-harvester/internal/harvest"
)

// Quote is one bar.
type Quote struct {
	Ticker   string  `json:"ticker"`
	Interval int     `json:"interval"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   int64   `json:"volume"`
}

// Extractor parses exports requested with the given bar length in seconds.
func Extractor(interval int) harvest.Extractor {
	return harvest.ExtractorFunc(func(page harvest.Page) harvest.Extraction {
		return Extract(page, interval)
	})
}

// Extract parses the export. Rows are TICKER,PER,DATE,TIME,OPEN,HIGH,LOW,
// CLOSE,VOL after a header line. The bar length comes from interval, not PER.
func Extract(page harvest.Page, interval int) harvest.Extraction {
	r := csv.NewReader(bytes.NewReader(page.Body))
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	var records []harvest.Record
	for line := 0; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return harvest.Malformed(fmt.Errorf("read csv: %w", err))
		}
		if line == 0 {
			continue
		}
		rec, err := parseRow(row, interval)
		if err != nil {
			return harvest.Malformed(fmt.Errorf("line %d: %w", line+1, err))
		}
		records = append(records, rec)
	}
	return harvest.Extracted(records)
}

func parseRow(row []string, interval int) (harvest.Record, error) {
	if len(row) < 9 {
		return harvest.Record{}, fmt.Errorf("expected 9 columns, got %d", len(row))
	}
	stamp := row[2] + row[3]
	ts, err := time.ParseInLocation("20060102150405", stamp, time.UTC)
	if err != nil {
		return harvest.Record{}, fmt.Errorf("timestamp: %w", err)
	}
	var prices [4]float64
	for i := range prices {
		if prices[i], err = strconv.ParseFloat(row[4+i], 64); err != nil {
			return harvest.Record{}, fmt.Errorf("price column %d: %w", 5+i, err)
		}
	}
	volume, err := parseVolume(row[8])
	if err != nil {
		return harvest.Record{}, err
	}
	return harvest.Record{
		Key:       strconv.Itoa(interval) + ":" + stamp,
		Timestamp: ts,
		Payload: Quote{
			Ticker:   row[0],
			Interval: interval,
			Open:     prices[0],
			High:     prices[1],
			Low:      prices[2],
			Close:    prices[3],
			Volume:   volume,
		},
	}, nil
}

func parseVolume(raw string) (int64, error) {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("volume: %w", err)
	}
	return int64(f), nil
}
