package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-companion/internal/logging"
)

// sensitiveKeys lists JSON keys which should never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
}

type eventLogConfig struct {
	// maxPayload truncates dumped payloads.
	maxPayload int
	// detailed event types are dumped in full, with long strings elided.
	detailed    map[string]struct{}
	redactLarge int
}

func eventLogConfigFromEnv() eventLogConfig {
	c := eventLogConfig{maxPayload: 8 * 1024, redactLarge: 1024, detailed: map[string]struct{}{}}
	if n, err := strconv.Atoi(os.Getenv("PAYLOAD_MAX_BYTES")); err == nil && n > 0 {
		c.maxPayload = n
	}
	if n, err := strconv.Atoi(os.Getenv("REDACT_LARGE_BYTES")); err == nil && n > 0 {
		c.redactLarge = n
	}
	for _, part := range strings.Split(os.Getenv("DETAILED_EVENTS"), ",") {
		if t := strings.TrimSpace(part); t != "" {
			c.detailed[t] = struct{}{}
		}
	}
	return c
}

// redactValue walks a decoded JSON value, replacing sensitive keys and, when
// limit is positive, strings longer than limit. Maps and slices are modified
// in place.
func redactValue(v any, limit int) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactValue(val, limit)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactValue(it, limit)
		}
		return vv
	case string:
		if limit > 0 && len(vv) > limit {
			return fmt.Sprintf("<redacted %d bytes>", len(vv))
		}
		return vv
	default:
		return v
	}
}

// eventPayload renders raw gateway data for the debug log.
func (c eventLogConfig) eventPayload(evtType string, raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "<raw data omitted>"
	}
	_, detailed := c.detailed[evtType]
	limit := 0
	if detailed {
		limit = c.redactLarge
	}
	// placeholders must stay readable, so no HTML escaping of < and >
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(redactValue(v, limit)); err != nil {
		return "<unencodable payload>"
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	if !detailed && len(out) > c.maxPayload {
		return fmt.Sprintf("%s <truncated %d bytes>", out[:c.maxPayload], len(out))
	}
	return string(out)
}

// newEventLogger logs every gateway dispatch at debug level.
func newEventLogger(c eventLogConfig) func(*discordgo.Session, *discordgo.Event) {
	return func(_ *discordgo.Session, evt *discordgo.Event) {
		logging.Debugw("discord event", "type", evt.Type, "seq", evt.Sequence, "payload", c.eventPayload(evt.Type, evt.RawData))
	}
}
