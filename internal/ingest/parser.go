package ingest

import (
	"encoding/csv"
	"encoding/json"
	"regexp"
	"strings"

	"crowdease/internal/model"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s]+)`)
)

// Parser turns a single line of JSON, CSV or key=value text into a
// submission. CSV input may start with a header line.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil without error for blank, comment and header lines.
func (p *Parser) ParseLine(line string) (*model.Submission, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		return ParseJSONBytes([]byte(trim))
	}
	if strings.Contains(trim, ",") {
		return p.csv.Parse(trim)
	}
	return parsePlain(trim), nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) *model.Submission {
	kv := map[string]string{}
	ts, _ := extractTimestamp(line)
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[normalizeKey(match[1])] = match[2]
	}
	sub := &model.Submission{Timestamp: ts}
	for k, v := range kv {
		assignField(sub, k, v)
	}
	return sub
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
	}
	return "", line
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

// Parse reads one CSV record. Without a header the columns are
// timestamp, storeId, level, lat, lng, clientId.
func (p *CSVParser) Parse(line string) (*model.Submission, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	header := p.header
	if header == nil {
		header = []string{"timestamp", "storeid", "level", "lat", "lng", "clientid"}
	}
	sub := &model.Submission{}
	for i, name := range header {
		if i >= len(record) {
			break
		}
		assignField(sub, name, record[i])
	}
	return sub, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch normalizeKey(v) {
		case "timestamp", "storeid", "store", "level", "crowdlevel", "lat", "lng", "lon":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = normalizeKey(v)
	}
	return out
}

// assignField sets a field from text input. Coordinates become numbers when
// they parse and stay strings otherwise, so validation rejects them.
func assignField(sub *model.Submission, name string, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	switch normalizeKey(name) {
	case "timestamp", "time", "ts":
		sub.Timestamp = value
	case "storeid", "store", "shopid":
		sub.StoreID = value
	case "level", "crowdlevel":
		sub.Level = value
	case "clientid", "client", "deviceid", "device":
		sub.ClientID = value
	case "lat", "latitude":
		location(sub).Lat = coordinate(value)
	case "lng", "lon", "longitude":
		location(sub).Lng = coordinate(value)
	}
}

func location(sub *model.Submission) *model.Location {
	if sub.Location == nil {
		sub.Location = &model.Location{}
	}
	return sub.Location
}

func coordinate(value string) any {
	n := json.Number(value)
	if _, err := n.Float64(); err != nil {
		return value
	}
	return n
}
