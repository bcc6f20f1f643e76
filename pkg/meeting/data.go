package meeting

import "encoding/json"

// Data is the decoded shape of Meeting.DataJSON. The known keys decode
// into typed fields; any other top-level keys are kept in Extra.
type Data struct {
	Passcode         string             `json:"passcode,omitempty"`
	StopRequested    bool               `json:"stop_requested,omitempty"`
	LastError        *ErrorDetail       `json:"last_error,omitempty"`
	StatusTransition []StatusTransition `json:"status_transition"`

	// Extra holds any additional keys callers stash in the bag, preserved
	// across decode/encode round trips.
	Extra map[string]any `json:"-"`
}

// DecodeData parses raw into a Data value. An empty or invalid raw decodes
// to a zero-value Data so new Meetings and legacy rows behave the same way.
func DecodeData(raw string) Data {
	var d Data
	if raw == "" {
		return d
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return d
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d
	}

	// Migrate the deprecated plural key: any entries there are merged
	// ahead of the canonical singular list, then the plural key is dropped.
	if legacy, ok := generic["status_transitions"]; ok {
		if raw, err := json.Marshal(legacy); err == nil {
			var legacyList []StatusTransition
			if json.Unmarshal(raw, &legacyList) == nil && len(legacyList) > 0 {
				d.StatusTransition = append(legacyList, d.StatusTransition...)
			}
		}
	}

	d.Extra = map[string]any{}
	for k, v := range generic {
		switch k {
		case "passcode", "stop_requested", "last_error", "status_transition", "status_transitions":
			continue
		default:
			d.Extra[k] = v
		}
	}
	return d
}

// Encode rebuilds a fresh map[string]any from d and serializes it. Always
// producing a new map (rather than mutating the decoded one in place) is
// what makes GORM detect the text column as dirty on every write.
func (d Data) Encode() (string, error) {
	fresh := make(map[string]any, len(d.Extra)+4)
	for k, v := range d.Extra {
		fresh[k] = v
	}
	if d.Passcode != "" {
		fresh["passcode"] = d.Passcode
	}
	if d.StopRequested {
		fresh["stop_requested"] = true
	}
	if d.LastError != nil {
		fresh["last_error"] = d.LastError
	}
	fresh["status_transition"] = d.StatusTransition
	// status_transitions (plural) is never written back; this is the
	// deprecation migration from spec.md invariant 3/4.

	b, err := json.Marshal(fresh)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AppendTransition returns a copy of d with t appended to a fresh copy of
// the audit list. t.Metadata is stored as given, under the entry's own
// "metadata" key, so it cannot overwrite the entry's fixed fields.
func (d Data) AppendTransition(t StatusTransition) Data {
	next := d
	next.StatusTransition = append(append([]StatusTransition{}, d.StatusTransition...), t)
	return next
}
