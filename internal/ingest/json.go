package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"crowdease/internal/model"
)

func ParseJSONBytes(data []byte) (*model.Submission, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap maps a decoded JSON object onto a submission. Keys are matched
// case-insensitively and a few common aliases are accepted.
func ParseJSONMap(obj map[string]any) *model.Submission {
	flat := make(map[string]any, len(obj))
	for key, val := range obj {
		flat[normalizeKey(key)] = val
	}
	sub := &model.Submission{
		StoreID:   firstString(flat, "storeid", "store", "shopid"),
		Level:     firstValue(flat, "level", "crowdlevel"),
		ClientID:  firstString(flat, "clientid", "client", "deviceid", "device"),
		Timestamp: firstString(flat, "timestamp", "ts", "time"),
	}
	if loc, ok := flat["location"].(map[string]any); ok {
		inner := make(map[string]any, len(loc))
		for k, v := range loc {
			inner[normalizeKey(k)] = v
		}
		sub.Location = &model.Location{
			Lat: firstValue(inner, "lat", "latitude"),
			Lng: firstValue(inner, "lng", "longitude"),
			Lon: inner["lon"],
		}
	} else if lat, lng := firstValue(flat, "lat", "latitude"), firstValue(flat, "lng", "lon", "longitude"); lat != nil || lng != nil {
		sub.Location = &model.Location{Lat: lat, Lng: lng}
	}
	return sub
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(strings.TrimSpace(key)))
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	v := firstValue(m, keys...)
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
