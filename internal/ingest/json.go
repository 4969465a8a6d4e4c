package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"admitguard/internal/normalize"
)

// decodeJSON keeps numbers as json.Number so millisecond timestamps and status
// codes survive the round trip through fmt.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]any
	if err := decodeJSON(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]any) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for key, val := range obj {
		if val == nil {
			continue
		}
		fields.Extras[strings.ToLower(key)] = fmt.Sprint(val)
	}
	fields.Kind = firstNonEmpty(fields.Extras, "kind", "event", "type")
	fields.Status = firstNonEmpty(fields.Extras, "status_code", "status", "statuscode", "code")
	fields.Route = firstNonEmpty(fields.Extras, "route", "path")
	fields.Method = firstNonEmpty(fields.Extras, "method")
	fields.RequestID = firstNonEmpty(fields.Extras, "request_id", "requestid", "x-request-id")
	fields.IP = firstNonEmpty(fields.Extras, "ip", "client_ip", "remote_ip")
	fields.UserID = firstNonEmpty(fields.Extras, "user_id", "userid", "user")
	fields.TenantID = firstNonEmpty(fields.Extras, "tenant_id", "tenantid", "tenant", "org_id")
	fields.AuthType = firstNonEmpty(fields.Extras, "auth_type", "authtype", "auth")
	fields.Reason = firstNonEmpty(fields.Extras, "reason", "error", "message")
	fields.Timestamp = firstNonEmpty(fields.Extras, "timestamp", "time", "ts")
	return fields
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
